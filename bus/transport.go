package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors for error inspection with errors.Is.
var (
	// ErrInvalidID indicates a frame identifier outside the 11/29-bit range.
	ErrInvalidID = errors.New("bus: invalid identifier")

	// ErrInvalidLen indicates a frame data length above 8 bytes.
	ErrInvalidLen = errors.New("bus: invalid data length")

	// ErrClosed indicates the transport has been stopped or closed.
	ErrClosed = errors.New("bus: transport closed")

	// ErrNotStarted is returned by Send/Receive before Start.
	ErrNotStarted = errors.New("bus: transport not started")

	// ErrUnknownDriver is returned by Open for an unregistered driver name.
	ErrUnknownDriver = errors.New("bus: unknown driver")

	// ErrNilTransport is returned by Open when a driver factory produced
	// no handle.
	ErrNilTransport = errors.New("bus: driver returned no transport handle")
)

// ConnectionParams selects and configures a transport driver. It is the
// connection half of the orchestrator configuration and is read-only once
// handed to Open.
type ConnectionParams struct {
	// Driver names a registered transport driver, e.g. "socketcan" or
	// "loopback".
	Driver string `yaml:"driver"`

	// Interface is the driver-specific endpoint, e.g. "can0".
	Interface string `yaml:"interface"`

	// BitrateKbps is informational for drivers whose link speed is set
	// out-of-band (SocketCAN bitrate is configured via `ip link`).
	BitrateKbps int `yaml:"bitrateKbps"`

	// LockDir is the directory for exclusive device lock files. Empty
	// disables device locking.
	LockDir string `yaml:"lockDir"`
}

// Transport represents a CAN link endpoint. Construction (via Open) acquires
// no OS resources; Start opens the underlying connection and Stop closes it.
// Send and Receive are only valid between Start and Stop.
//
// Implementations must be safe for concurrent use: the send loop, receive
// loop, and scheduler thread all hold references to the same handle.
type Transport interface {
	// Start opens the underlying connection. Calling Start on a started
	// transport returns an error.
	Start() error

	// Stop closes the connection and releases resources. Stop on a stopped
	// or never-started transport is a no-op returning nil.
	Stop() error

	// Send transmits one frame. It may block until the frame is queued.
	Send(f Frame) error

	// Receive blocks until a frame is available, the context is canceled,
	// or the transport is stopped (ErrClosed).
	Receive(ctx context.Context) (Frame, error)

	// Name identifies the endpoint for logs, e.g. "socketcan:can0".
	Name() string
}

// Factory creates a transport handle from connection parameters. Factories
// must not open the underlying device; that happens in Transport.Start.
type Factory func(params ConnectionParams) (Transport, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// RegisterDriver makes a transport factory available to Open under the given
// name. Registering a duplicate name or a nil factory panics: driver
// registration happens from init functions or test setup, where an invalid
// registration is a programmer error.
func RegisterDriver(name string, factory Factory) {
	if name == "" {
		panic("bus: driver name must not be empty")
	}
	if factory == nil {
		panic(fmt.Sprintf("bus: driver %q factory must not be nil", name))
	}
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("bus: driver %q registered twice", name))
	}
	drivers[name] = factory
}

// Drivers returns the sorted names of all registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a transport handle for params.Driver. The handle is not
// started. Returns ErrUnknownDriver for an unregistered driver name and
// ErrNilTransport if the factory produced neither a handle nor an error.
func Open(params ConnectionParams) (Transport, error) {
	driversMu.RLock()
	factory, ok := drivers[params.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownDriver, params.Driver, Drivers())
	}
	t, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("open %q transport: %w", params.Driver, err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: driver %q", ErrNilTransport, params.Driver)
	}
	return t, nil
}
