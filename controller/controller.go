// Package controller defines the vehicle controller contract: the stateful
// control-law component that consumes control commands, stages CAN frames
// into the send loop, and reports chassis status. The control law itself is
// vehicle-specific and lives outside this module; concrete controllers embed
// Base to inherit the bookkeeping every vehicle shares.
package controller

import (
	"errors"
	"sync"
	"time"

	"github.com/openchassis/canbus/bus"
	"github.com/openchassis/canbus/codec"
)

// DrivingMode enumerates control ownership of the vehicle.
type DrivingMode int

const (
	// CompleteManual: a human drives, the stack only observes.
	CompleteManual DrivingMode = iota
	// CompleteAutoDrive: the stack owns throttle, brake, and steering.
	CompleteAutoDrive
	// AutoSteerOnly: the stack owns steering, a human owns speed.
	AutoSteerOnly
	// AutoSpeedOnly: the stack owns speed, a human owns steering.
	AutoSpeedOnly
	// Emergency: a fault forced the vehicle into its failsafe behavior.
	Emergency
)

// String returns the mode name for logs.
func (m DrivingMode) String() string {
	switch m {
	case CompleteManual:
		return "COMPLETE_MANUAL"
	case CompleteAutoDrive:
		return "COMPLETE_AUTO_DRIVE"
	case AutoSteerOnly:
		return "AUTO_STEER_ONLY"
	case AutoSpeedOnly:
		return "AUTO_SPEED_ONLY"
	case Emergency:
		return "EMERGENCY_MODE"
	default:
		return "UNKNOWN"
	}
}

// Gear enumerates transmission positions.
type Gear int

const (
	GearNeutral Gear = iota
	GearDrive
	GearReverse
	GearParking
)

// Command is the tagged variant accepted by Update. Exactly two concrete
// types implement it: ControlCommand (the primary control channel) and
// ChassisCommand (external chassis requests such as signals). The interface
// is sealed so the dispatch switch in a controller stays exhaustive.
type Command interface {
	isCommand()
}

// ControlCommand carries the primary longitudinal/lateral control request
// plus the target driving mode.
type ControlCommand struct {
	ThrottlePct float64 // 0..100
	BrakePct    float64 // 0..100
	SteeringPct float64 // -100..100, positive left
	Gear        Gear
	TargetMode  DrivingMode
}

func (ControlCommand) isCommand() {}

// ChassisCommand carries external chassis requests that are independent of
// the control law: lights, horn, parking brake.
type ChassisCommand struct {
	SignalLeft   bool
	SignalRight  bool
	HornOn       bool
	ParkingBrake bool
}

func (ChassisCommand) isCommand() {}

// ErrorCode classifies chassis-level faults reported alongside the state.
type ErrorCode int

const (
	// NoError: the chassis is healthy.
	NoError ErrorCode = iota
	// CommandError: the control law rejected the most recent command.
	CommandError
	// ChassisCommLost: expected periodic frames stopped arriving.
	ChassisCommLost
)

// Chassis is the externally-reported vehicle state, produced on demand and
// immutable once returned.
type Chassis struct {
	Mode         DrivingMode
	SpeedMPS     float64
	ThrottlePct  float64
	BrakePct     float64
	SteeringPct  float64
	Gear         Gear
	ParkingBrake bool
	CommFault    bool
	ErrorCode    ErrorCode
	Timestamp    time.Time
}

// VehicleParams is the vehicle-specific half of the configuration.
type VehicleParams struct {
	// Brand names the vehicle platform, used only for logs.
	Brand string

	// MaxSteerPct clamps steering commands. Zero means no clamp.
	MaxSteerPct float64

	// CommTimeout is the silence window after which the chassis is
	// considered lost. Zero disables the check.
	CommTimeout time.Duration

	// HeartbeatCadence paces the liveness frame. Zero selects the send
	// loop's default.
	HeartbeatCadence time.Duration
}

// FrameSink is the slice of the send loop a controller needs: registering
// the message templates it transmits, staging updated payloads, and
// configuring the liveness frame. The send loop's Sender satisfies it.
type FrameSink interface {
	Register(f bus.Frame, period time.Duration)
	Stage(f bus.Frame)
	SetHeartbeat(f bus.Frame, cadence time.Duration)
}

// Controller is the vehicle controller contract consumed by the
// orchestrator. Implementations hold control-law state and driving-mode
// state, mutated only through Update and queried through the accessors.
type Controller interface {
	// Init wires the controller to the send loop and codec. Called once
	// during stack initialization, before Start.
	Init(params VehicleParams, sink FrameSink, mgr *codec.Manager) error

	// Start arms the controller; after Start it may stage frames.
	Start() error

	// Stop disarms the controller. Never fails; called during teardown
	// regardless of prior state.
	Stop()

	// Update processes one command, staging whatever frames result. A
	// returned error means nothing was staged.
	Update(cmd Command) error

	// Chassis builds the externally-reported vehicle state.
	Chassis() Chassis

	// LatestReceived returns the raw decoded inbound snapshot.
	LatestReceived() codec.Snapshot

	// LatestStaged returns the staged-for-send snapshot.
	LatestStaged() codec.Snapshot

	// CheckCommError reports loss of expected periodic chassis frames.
	// Purely observational.
	CheckCommError() bool

	// AddSendMessages (re)registers the controller's outgoing message
	// templates with the send loop, after a reconfiguration cleared them.
	AddSendMessages()

	// DrivingMode returns the current control ownership state.
	DrivingMode() DrivingMode
}

// Base carries the bookkeeping shared by every vehicle controller:
// references to the send loop and codec, the driving-mode state, and the
// comm-fault check. Concrete controllers embed it and implement Update,
// Chassis, and AddSendMessages on top.
type Base struct {
	mu     sync.RWMutex
	params VehicleParams
	sink   FrameSink
	mgr    *codec.Manager
	mode   DrivingMode
}

// Attach records the wiring handed to Init. Returns an error on nil
// collaborators so a controller's Init can delegate its precondition checks.
func (b *Base) Attach(params VehicleParams, sink FrameSink, mgr *codec.Manager) error {
	if sink == nil {
		return errors.New("controller: frame sink must not be nil")
	}
	if mgr == nil {
		return errors.New("controller: codec must not be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.params = params
	b.sink = sink
	b.mgr = mgr
	b.mode = CompleteManual
	return nil
}

// Params returns the vehicle parameters recorded by Attach.
func (b *Base) Params() VehicleParams {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.params
}

// Sink returns the frame sink recorded by Attach.
func (b *Base) Sink() FrameSink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sink
}

// Codec returns the codec manager recorded by Attach.
func (b *Base) Codec() *codec.Manager {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mgr
}

// SetDrivingMode records a mode transition.
func (b *Base) SetDrivingMode(m DrivingMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = m
}

// DrivingMode returns the current control ownership state.
func (b *Base) DrivingMode() DrivingMode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mode
}

// LatestReceived returns the codec's inbound snapshot. Zero-valued when
// Attach has not run.
func (b *Base) LatestReceived() codec.Snapshot {
	if mgr := b.Codec(); mgr != nil {
		return mgr.ReceivedSnapshot()
	}
	return codec.Snapshot{}
}

// LatestStaged returns the codec's outbound snapshot. Zero-valued when
// Attach has not run.
func (b *Base) LatestStaged() codec.Snapshot {
	if mgr := b.Codec(); mgr != nil {
		return mgr.StagedSnapshot()
	}
	return codec.Snapshot{}
}

// CheckCommError reports whether any expected periodic chassis frame has
// been silent longer than the configured CommTimeout. False when the check
// is disabled or Attach has not run.
func (b *Base) CheckCommError() bool {
	b.mu.RLock()
	window := b.params.CommTimeout
	mgr := b.mgr
	b.mu.RUnlock()
	if mgr == nil || window <= 0 {
		return false
	}
	return mgr.SilentSince(window)
}
