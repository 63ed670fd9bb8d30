// Package receive implements the receive loop: a background goroutine that
// continuously pulls frames from the transport and deposits them into the
// shared codec state, with frame counters and an optional rotating on-disk
// frame log.
package receive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openchassis/canbus/bus"
	"github.com/openchassis/canbus/codec"
	"github.com/openchassis/canbus/internal/buslog"
)

var (
	// ErrNotInitialized is returned by Start before a successful Init.
	ErrNotInitialized = errors.New("receive: receiver not initialized")

	// ErrAlreadyStarted is returned by Start on a running receiver.
	ErrAlreadyStarted = errors.New("receive: receiver already started")
)

var (
	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "canbus",
		Subsystem: "receiver",
		Name:      "frames_total",
		Help:      "CAN frames read from the transport.",
	})
	receiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "canbus",
		Subsystem: "receiver",
		Name:      "errors_total",
		Help:      "Transport read failures.",
	})
)

// errorBackoff is the pause after a transient read failure, so a wedged
// driver does not spin the loop at full speed.
const errorBackoff = 10 * time.Millisecond

// Receiver pulls frames from the transport into the codec. The zero value
// is usable; call Init before anything else.
type Receiver struct {
	mu        sync.Mutex
	transport bus.Transport
	codec     *codec.Manager
	frameLog  *lumberjack.Logger

	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Init wires the receiver to its transport and codec. logFrames enables a
// rotating on-disk log of every received frame under logDir. Init on a
// started receiver fails.
func (r *Receiver) Init(t bus.Transport, m *codec.Manager, logFrames bool, logDir string) error {
	if t == nil {
		return errors.New("receive: transport must not be nil")
	}
	if m == nil {
		return errors.New("receive: codec must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.transport = t
	r.codec = m
	r.frameLog = nil
	if logFrames {
		r.frameLog = &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "canbus-receiver.log"),
			MaxSize:    16, // MB
			MaxBackups: 4,
		}
	}
	return nil
}

// Start launches the read loop.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transport == nil || r.codec == nil {
		return ErrNotInitialized
	}
	if r.started {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.run(gCtx)
		return nil
	})
	r.cancel = cancel
	r.group = g
	r.started = true
	return nil
}

// Stop cancels the read loop and waits for it to exit. Safe to call on a
// never-started or already-stopped receiver.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	g := r.group
	r.cancel = nil
	r.group = nil
	r.mu.Unlock()

	cancel()
	_ = g.Wait() // loop returns nil; Wait only synchronizes shutdown
	if r.frameLog != nil {
		if err := r.frameLog.Close(); err != nil {
			buslog.Logger().Debug("close receiver frame log", "error", err)
		}
	}
}

// run reads frames until the context is canceled or the transport closes.
func (r *Receiver) run(ctx context.Context) {
	for {
		f, err := r.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
				return
			}
			receiveErrors.Inc()
			buslog.Logger().Warn("receive frame", "transport", r.transport.Name(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}
		r.codec.Parse(f)
		framesReceived.Inc()
		if r.frameLog != nil {
			fmt.Fprintf(r.frameLog, "%s rx %s\n", time.Now().UTC().Format(time.RFC3339Nano), f.String())
		}
	}
}
