//go:build linux

package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/gofrs/flock"
)

func init() {
	RegisterDriver("socketcan", func(params ConnectionParams) (Transport, error) {
		if params.Interface == "" {
			return nil, errors.New("bus: socketcan requires an interface name")
		}
		return &socketCAN{params: params}, nil
	})
}

// socketCAN implements Transport over Linux SocketCAN using raw syscalls
// only. The socket is opened in Start and closed in Stop; while started, an
// optional flock on a per-interface lock file keeps other processes off the
// same interface.
type socketCAN struct {
	params ConnectionParams

	mu      sync.Mutex
	started bool
	fd      int
	file    *os.File
	lock    *flock.Flock
	closed  chan struct{}
}

// Linux socket constants for SocketCAN; not exposed by the syscall package.
const (
	afCAN  = 29
	canRaw = 1
)

// ioPollInterval is the sleep between retries of a non-blocking read or
// write that returned EAGAIN. 1ms keeps receive latency low at negligible
// CPU cost on an idle bus.
const ioPollInterval = time.Millisecond

func (s *socketCAN) Start() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("bus: %s already started", s.Name())
	}

	if s.params.LockDir != "" {
		fl, err := acquireDeviceLock(s.params.LockDir, s.params.Interface)
		if err != nil {
			return err
		}
		s.lock = fl
		defer func() {
			if retErr != nil {
				releaseDeviceLock(s.lock)
				s.lock = nil
			}
		}()
	}

	fd, err := syscall.Socket(afCAN, syscall.SOCK_RAW, canRaw)
	if err != nil {
		return fmt.Errorf("open raw CAN socket: %w", err)
	}

	netIf, err := net.InterfaceByName(s.params.Interface)
	if err != nil {
		syscall.Close(fd)
		return fmt.Errorf("resolve interface %s: %w", s.params.Interface, err)
	}

	// struct sockaddr_can { sa_family_t can_family; int can_ifindex; ... }.
	// Built with a compatible memory layout and passed to bind(2) directly.
	type sockaddrCAN struct {
		Family  uint16
		_       uint16
		Ifindex int32
		Addr    [8]byte
	}
	sa := sockaddrCAN{Family: afCAN, Ifindex: int32(netIf.Index)}
	if _, _, e := syscall.Syscall(syscall.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa)); e != 0 {
		syscall.Close(fd)
		return fmt.Errorf("bind %s: %w", s.params.Interface, e)
	}

	// Non-blocking mode so Receive can honor context cancellation.
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return fmt.Errorf("set nonblocking: %w", err)
	}

	s.fd = fd
	s.file = os.NewFile(uintptr(fd), "socketcan:"+s.params.Interface)
	s.closed = make(chan struct{})
	s.started = true
	return nil
}

func (s *socketCAN) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	close(s.closed)
	err := s.file.Close() // closing the file also closes the fd
	s.file = nil
	releaseDeviceLock(s.lock)
	s.lock = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", s.Name(), err)
	}
	return nil
}

// Send writes one frame using the Linux can_frame binary layout.
func (s *socketCAN) Send(f Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	for {
		s.mu.Lock()
		if !s.started {
			s.mu.Unlock()
			return ErrNotStarted
		}
		fd := s.fd
		s.mu.Unlock()

		n, werr := syscall.Write(fd, buf)
		if werr == nil {
			if n != len(buf) {
				return errors.New("bus: short write")
			}
			return nil
		}
		if werr == syscall.EAGAIN || werr == syscall.EWOULDBLOCK {
			time.Sleep(ioPollInterval)
			continue
		}
		return fmt.Errorf("write %s: %w", s.Name(), werr)
	}
}

// Receive reads one frame, polling the non-blocking socket until a frame
// arrives, the context is canceled, or the transport is stopped.
func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	buf := make([]byte, frameWireSize)
	for {
		s.mu.Lock()
		if !s.started {
			s.mu.Unlock()
			return Frame{}, ErrClosed
		}
		fd := s.fd
		closed := s.closed
		s.mu.Unlock()

		n, rerr := syscall.Read(fd, buf)
		if rerr == nil {
			if n != len(buf) {
				return Frame{}, errors.New("bus: short read")
			}
			var f Frame
			if err := f.UnmarshalBinary(buf); err != nil {
				return Frame{}, err
			}
			return f, nil
		}
		if rerr == syscall.EAGAIN || rerr == syscall.EWOULDBLOCK {
			select {
			case <-ctx.Done():
				return Frame{}, ctx.Err()
			case <-closed:
				return Frame{}, ErrClosed
			case <-time.After(ioPollInterval):
			}
			continue
		}
		if rerr == syscall.EBADF {
			return Frame{}, ErrClosed
		}
		return Frame{}, fmt.Errorf("read %s: %w", s.Name(), rerr)
	}
}

func (s *socketCAN) Name() string {
	return "socketcan:" + s.params.Interface
}
