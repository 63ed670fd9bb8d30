// Package send implements the send loop: a registry of periodic outgoing
// CAN message templates drained to the transport by a background goroutine,
// an explicit flush trigger for command-driven updates, and a rate-limited
// heartbeat retransmitter that keeps downstream actuators out of failsafe
// during quiet periods.
package send

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
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openchassis/canbus/bus"
	"github.com/openchassis/canbus/codec"
	"github.com/openchassis/canbus/internal/buslog"
)

var (
	// ErrNotInitialized is returned by Start before a successful Init.
	ErrNotInitialized = errors.New("send: sender not initialized")

	// ErrAlreadyStarted is returned by Start on a running sender.
	ErrAlreadyStarted = errors.New("send: sender already started")
)

var (
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "canbus",
		Subsystem: "sender",
		Name:      "frames_total",
		Help:      "CAN frames written to the transport.",
	})
	sendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "canbus",
		Subsystem: "sender",
		Name:      "errors_total",
		Help:      "Transport write failures.",
	})
	heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "canbus",
		Subsystem: "sender",
		Name:      "heartbeats_total",
		Help:      "Heartbeat frames retransmitted.",
	})
)

// baseTick is the resolution of the periodic transmit loop. Message periods
// below this are effectively clamped to it.
const baseTick = 10 * time.Millisecond

// DefaultHeartbeatCadence paces UpdateHeartbeat retransmissions when no
// explicit cadence is configured via SetHeartbeat.
const DefaultHeartbeatCadence = 100 * time.Millisecond

// message is one registered outgoing template.
type message struct {
	frame  bus.Frame
	period time.Duration // 0 means event-driven only (sent on Update)
	lastTx time.Time
	dirty  bool // staged payload not yet flushed
}

// Sender drains registered outgoing messages to the transport. The zero
// value is usable; call Init before anything else. All methods are safe for
// concurrent use: the scheduler thread calls Update/UpdateHeartbeat while
// the background loop transmits periodic templates.
type Sender struct {
	mu        sync.Mutex
	transport bus.Transport
	codec     *codec.Manager
	msgs      map[uint32]*message

	heartbeatID  uint32
	heartbeatSet bool
	pace         *rate.Limiter

	frameLog *lumberjack.Logger

	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Init wires the sender to its transport and codec. logFrames enables a
// rotating on-disk log of every transmitted frame under logDir. Init on a
// started sender fails; re-Init on a stopped sender replaces prior wiring
// and drops all registered messages.
func (s *Sender) Init(t bus.Transport, m *codec.Manager, logFrames bool, logDir string) error {
	if t == nil {
		return errors.New("send: transport must not be nil")
	}
	if m == nil {
		return errors.New("send: codec must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.transport = t
	s.codec = m
	s.msgs = make(map[uint32]*message)
	s.pace = rate.NewLimiter(rate.Every(DefaultHeartbeatCadence), 1)
	s.frameLog = nil
	if logFrames {
		s.frameLog = &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "canbus-sender.log"),
			MaxSize:    16, // MB
			MaxBackups: 4,
		}
	}
	return nil
}

// Start launches the periodic transmit loop.
func (s *Sender) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil || s.codec == nil {
		return ErrNotInitialized
	}
	if s.started {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.run(gCtx)
		return nil
	})
	s.cancel = cancel
	s.group = g
	s.started = true
	return nil
}

// Stop halts the transmit loop and waits for it to drain. Safe to call on a
// never-started or already-stopped sender.
func (s *Sender) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	g := s.group
	s.cancel = nil
	s.group = nil
	s.mu.Unlock()

	cancel()
	_ = g.Wait() // loop returns nil; Wait only synchronizes shutdown
	if s.frameLog != nil {
		if err := s.frameLog.Close(); err != nil {
			buslog.Logger().Debug("close sender frame log", "error", err)
		}
	}
}

// run transmits due periodic templates until the context is canceled.
func (s *Sender) run(ctx context.Context) {
	ticker := time.NewTicker(baseTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.transmitDue(now)
		}
	}
}

// transmitDue sends every periodic template whose period has elapsed.
func (s *Sender) transmitDue(now time.Time) {
	s.mu.Lock()
	due := make([]bus.Frame, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.period <= 0 {
			continue
		}
		if now.Sub(m.lastTx) >= m.period {
			m.lastTx = now
			m.dirty = false
			due = append(due, m.frame)
		}
	}
	t := s.transport
	s.mu.Unlock()

	for _, f := range due {
		s.write(t, f)
	}
}

// write pushes one frame to the transport, counting and logging the result.
func (s *Sender) write(t bus.Transport, f bus.Frame) {
	if err := t.Send(f); err != nil {
		sendErrors.Inc()
		buslog.Logger().Warn("send frame", "frame", f.String(), "error", err)
		return
	}
	framesSent.Inc()
	if s.frameLog != nil {
		fmt.Fprintf(s.frameLog, "%s tx %s\n", time.Now().UTC().Format(time.RFC3339Nano), f.String())
	}
}

// Register adds (or replaces) an outgoing message template. A positive
// period makes the template transmit on that cadence; a zero period makes
// it event-driven, transmitted only when staged and flushed via Update.
func (s *Sender) Register(f bus.Frame, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgs == nil {
		s.msgs = make(map[uint32]*message)
	}
	s.msgs[f.ID] = &message{frame: f, period: period}
}

// Stage updates the payload of a registered template (registering an
// event-driven one on the fly) and records it in the codec's staged
// snapshot. The frame goes to the wire on the next Update call or periodic
// slot, whichever comes first: controllers stage several logical signals
// per tick and flush them as one coherent set.
func (s *Sender) Stage(f bus.Frame) {
	s.mu.Lock()
	m, ok := s.msgs[f.ID]
	if !ok {
		if s.msgs == nil {
			s.msgs = make(map[uint32]*message)
		}
		m = &message{}
		s.msgs[f.ID] = m
	}
	m.frame = f
	m.dirty = true
	mgr := s.codec
	s.mu.Unlock()

	if mgr != nil {
		mgr.Stage(f)
	}
}

// Update flushes every staged-but-unsent message to the wire immediately.
// This is the second phase of command dispatch: the controller stages, the
// orchestrator flushes.
func (s *Sender) Update() {
	s.mu.Lock()
	dirty := make([]bus.Frame, 0, len(s.msgs))
	now := time.Now()
	for _, m := range s.msgs {
		if m.dirty {
			m.dirty = false
			m.lastTx = now
			dirty = append(dirty, m.frame)
		}
	}
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return
	}
	for _, f := range dirty {
		s.write(t, f)
	}
}

// SetHeartbeat registers the liveness frame and its cadence. UpdateHeartbeat
// ticks arriving faster than the cadence are absorbed by the limiter.
func (s *Sender) SetHeartbeat(f bus.Frame, cadence time.Duration) {
	if cadence <= 0 {
		cadence = DefaultHeartbeatCadence
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgs == nil {
		s.msgs = make(map[uint32]*message)
	}
	s.msgs[f.ID] = &message{frame: f}
	s.heartbeatID = f.ID
	s.heartbeatSet = true
	s.pace = rate.NewLimiter(rate.Every(cadence), 1)
}

// UpdateHeartbeat retransmits the liveness frame if the cadence allows it.
// A no-op when no heartbeat is configured or the previous retransmission is
// recent enough.
func (s *Sender) UpdateHeartbeat() {
	s.mu.Lock()
	if !s.heartbeatSet || s.pace == nil || !s.pace.Allow() {
		s.mu.Unlock()
		return
	}
	m, ok := s.msgs[s.heartbeatID]
	if !ok {
		s.mu.Unlock()
		return
	}
	f := m.frame
	m.lastTx = time.Now()
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return
	}
	heartbeats.Inc()
	s.write(t, f)
}

// ClearMessages empties the registered message set, including the
// heartbeat, and drops the codec's staged snapshot. Used during mode
// transitions so no stale frames keep transmitting.
func (s *Sender) ClearMessages() {
	s.mu.Lock()
	s.msgs = make(map[uint32]*message)
	s.heartbeatSet = false
	mgr := s.codec
	s.mu.Unlock()

	if mgr != nil {
		mgr.ClearStaged()
	}
}

// IsMessageQueueClear reports whether no outgoing messages are registered.
func (s *Sender) IsMessageQueueClear() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs) == 0
}
