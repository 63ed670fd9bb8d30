package bus

import (
	"context"
	"sync"
)

// LoopbackBus is an in-memory CAN bus for tests and simulations. Every
// endpoint opened from the same bus receives frames sent by the others, so a
// simulated chassis can answer the orchestrator's traffic in-process.
type LoopbackBus struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*loopEndpoint]struct{}
}

// NewLoopbackBus creates a new loopback bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{endpoints: make(map[*loopEndpoint]struct{})}
}

// Endpoint creates a new transport endpoint attached to the bus. The
// endpoint is not started.
func (b *LoopbackBus) Endpoint(name string) Transport {
	return &loopEndpoint{bus: b, name: name}
}

// Register installs this bus as a transport driver under the given name, so
// configuration can select it via ConnectionParams.Driver. Each Open call
// produces a fresh endpoint on this bus.
func (b *LoopbackBus) Register(driver string) {
	RegisterDriver(driver, func(params ConnectionParams) (Transport, error) {
		return b.Endpoint(driver + ":" + params.Interface), nil
	})
}

// Close closes the bus and detaches all endpoints.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.detach()
	}
	b.endpoints = nil
	return nil
}

// attach registers a started endpoint. Returns false if the bus is closed.
func (b *LoopbackBus) attach(ep *loopEndpoint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.endpoints[ep] = struct{}{}
	return true
}

// detachEndpoint removes a stopped endpoint.
func (b *LoopbackBus) detachEndpoint(ep *loopEndpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.endpoints != nil {
		delete(b.endpoints, ep)
	}
}

// broadcast delivers a frame to all started endpoints except the sender.
// Frames are dropped for endpoints whose receive buffer is full, mirroring a
// controller that cannot keep up with bus load.
func (b *LoopbackBus) broadcast(from *loopEndpoint, f Frame) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*loopEndpoint, 0, len(b.endpoints))
	for ep := range b.endpoints {
		if ep != from {
			targets = append(targets, ep)
		}
	}
	b.mu.RUnlock()

	for _, t := range targets {
		t.deliver(f)
	}
	return nil
}

// loopEndpoint implements Transport over a LoopbackBus.
type loopEndpoint struct {
	bus  *LoopbackBus
	name string

	mu      sync.Mutex
	started bool
	ch      chan Frame
	closed  chan struct{}
}

const loopbackBuffer = 64

func (e *loopEndpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrClosed
	}
	e.ch = make(chan Frame, loopbackBuffer)
	e.closed = make(chan struct{})
	if !e.bus.attach(e) {
		return ErrClosed
	}
	e.started = true
	return nil
}

func (e *loopEndpoint) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false
	close(e.closed)
	e.bus.detachEndpoint(e)
	return nil
}

// detach is called by the bus during Close; the bus already holds its own
// lock, so only endpoint state is touched here.
func (e *loopEndpoint) detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		e.started = false
		close(e.closed)
	}
}

func (e *loopEndpoint) deliver(f Frame) {
	e.mu.Lock()
	ch := e.ch
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	select {
	case ch <- f:
	default:
		// Receive buffer full: drop, like a saturated controller.
	}
}

func (e *loopEndpoint) Send(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	return e.bus.broadcast(e, f)
}

func (e *loopEndpoint) Receive(ctx context.Context) (Frame, error) {
	e.mu.Lock()
	started := e.started
	ch := e.ch
	closed := e.closed
	e.mu.Unlock()
	if !started {
		return Frame{}, ErrNotStarted
	}
	select {
	case f := <-ch:
		return f, nil
	case <-closed:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (e *loopEndpoint) Name() string {
	if e.name == "" {
		return "loopback"
	}
	return e.name
}
