// Package codec implements the message manager: the shared decode/encode
// state sitting between the receive loop, the send loop, and the vehicle
// controller. It tracks the latest inbound frame per CAN identifier, the
// latest frames staged for transmission, and the arrival times needed for
// communication-fault detection.
//
// The Manager is the shared-mutation boundary of the stack: the receive loop
// writes into it from its own goroutine while the scheduler thread reads
// snapshots, so every read returns a deep copy taken under the lock.
package codec

import (
	"maps"
	"sync"
	"time"

	"github.com/openchassis/canbus/bus"
)

// Handler decodes a vehicle-specific frame into whatever structured state
// the vehicle layer maintains. Handlers run on the receive loop goroutine
// and must not block.
type Handler func(f bus.Frame)

// Snapshot is a point-in-time copy of one side of the codec state: either
// everything received from the bus or everything staged for transmission.
// The maps are owned by the caller; mutating them does not affect the
// Manager.
type Snapshot struct {
	// Frames holds the latest frame per identifier.
	Frames map[uint32]bus.Frame

	// Stamps holds the wall-clock time each identifier was last updated.
	Stamps map[uint32]time.Time

	// Taken is when the snapshot was captured.
	Taken time.Time
}

// Manager holds codec state. The zero value is not usable; construct with
// New. All methods are safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	// expected maps registered receive identifiers to their liveness
	// baseline: the registration time until a frame arrives, then the last
	// arrival time. Used by SilentSince.
	expected map[uint32]time.Time

	handlers map[uint32]Handler

	received   map[uint32]bus.Frame
	receivedAt map[uint32]time.Time

	staged   map[uint32]bus.Frame
	stagedAt map[uint32]time.Time
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		expected:   make(map[uint32]time.Time),
		handlers:   make(map[uint32]Handler),
		received:   make(map[uint32]bus.Frame),
		receivedAt: make(map[uint32]time.Time),
		staged:     make(map[uint32]bus.Frame),
		stagedAt:   make(map[uint32]time.Time),
	}
}

// ExpectReceive registers an identifier the chassis is expected to transmit
// periodically. The registration time becomes the liveness baseline until
// the first frame arrives.
func (m *Manager) ExpectReceive(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.expected[id]; !ok {
		m.expected[id] = time.Now()
	}
}

// Handle registers a decode handler for an identifier. At most one handler
// per identifier; a second registration replaces the first.
func (m *Manager) Handle(id uint32, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[id] = h
}

// Parse records an inbound frame and dispatches its handler, if any. Called
// by the receive loop for every frame read from the transport.
func (m *Manager) Parse(f bus.Frame) {
	now := time.Now()
	m.mu.Lock()
	m.received[f.ID] = f
	m.receivedAt[f.ID] = now
	if _, ok := m.expected[f.ID]; ok {
		m.expected[f.ID] = now
	}
	h := m.handlers[f.ID]
	m.mu.Unlock()

	// Handler runs outside the lock so a slow decoder cannot stall
	// snapshot reads from the scheduler thread.
	if h != nil {
		h(f)
	}
}

// Stage records a frame as staged for transmission. Called by the send loop
// whenever the controller updates an outgoing message.
func (m *Manager) Stage(f bus.Frame) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged[f.ID] = f
	m.stagedAt[f.ID] = now
}

// ReceivedSnapshot returns a deep copy of the latest inbound state.
func (m *Manager) ReceivedSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Frames: maps.Clone(m.received),
		Stamps: maps.Clone(m.receivedAt),
		Taken:  time.Now(),
	}
}

// StagedSnapshot returns a deep copy of the latest outbound state.
func (m *Manager) StagedSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Frames: maps.Clone(m.staged),
		Stamps: maps.Clone(m.stagedAt),
		Taken:  time.Now(),
	}
}

// SilentSince reports whether any expected periodic identifier has gone
// without a frame for longer than window. Identifiers that have never been
// seen are measured from their registration time, so a chassis that never
// spoke at all is detected too. With no expected identifiers registered it
// reports false.
func (m *Manager) SilentSince(window time.Duration) bool {
	if window <= 0 {
		return false
	}
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, last := range m.expected {
		if now.Sub(last) > window {
			return true
		}
	}
	return false
}

// ClearStaged drops all staged outbound state. Used when the protocol set
// is cleared during a mode transition so stale frames do not reappear in
// the sender snapshot.
func (m *Manager) ClearStaged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.staged)
	clear(m.stagedAt)
}
