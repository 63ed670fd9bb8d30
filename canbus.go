package canbus

import (
	"fmt"

	"github.com/openchassis/canbus/bus"
	"github.com/openchassis/canbus/codec"
	"github.com/openchassis/canbus/controller"
	"github.com/openchassis/canbus/fabric"
	"github.com/openchassis/canbus/internal/buslog"
	"github.com/openchassis/canbus/receive"
	"github.com/openchassis/canbus/recorder"
	"github.com/openchassis/canbus/send"
)

// Profile is the vehicle-specific plug-in point: it produces the codec
// (populated with the vehicle's expected inbound frames and handlers) and
// the controller implementing the vehicle's control law. The orchestrator
// calls both exactly once per Init.
type Profile interface {
	// Name identifies the vehicle platform in logs.
	Name() string

	// CreateCodec builds the vehicle's message codec.
	CreateCodec() *codec.Manager

	// CreateController builds the vehicle's controller.
	CreateController() controller.Controller
}

// receiveLoop is the slice of the receive package the orchestrator drives.
type receiveLoop interface {
	Init(t bus.Transport, m *codec.Manager, logFrames bool, logDir string) error
	Start() error
	Stop()
}

// sendLoop is the slice of the send package the orchestrator drives, plus
// the FrameSink handed to the controller.
type sendLoop interface {
	controller.FrameSink
	Init(t bus.Transport, m *codec.Manager, logFrames bool, logDir string) error
	Start() error
	Stop()
	Update()
	UpdateHeartbeat()
	ClearMessages()
	IsMessageQueueClear() bool
}

// Orchestrator wires the transport, codec, receive and send loops, and the
// vehicle controller together and exposes the per-tick façade. Construct
// with New; the zero value is not usable.
//
// Lifecycle methods (Init, Start, Stop) must be called from a single
// goroutine. The per-tick façade methods are safe to call concurrently with
// the background loops but are themselves expected on the scheduler thread.
type Orchestrator struct {
	profile Profile
	cfg     Config
	hub     *fabric.Hub

	// Loop construction is indirected for substitution in tests.
	newReceiver func() receiveLoop
	newSender   func() sendLoop

	handle   bus.Transport
	codec    *codec.Manager
	receiver receiveLoop
	sender   sendLoop
	ctrl     controller.Controller
	received *fabric.Channel
	staged   *fabric.Channel
	rec      *recorder.Recorder

	started bool
}

// New creates an orchestrator for the given vehicle profile. Panics on a nil
// profile: there is no meaningful stack without one.
func New(profile Profile) *Orchestrator {
	if profile == nil {
		panic("canbus: profile must not be nil")
	}
	return &Orchestrator{
		profile:     profile,
		hub:         fabric.NewHub(),
		newReceiver: func() receiveLoop { return &receive.Receiver{} },
		newSender:   func() sendLoop { return &send.Sender{} },
	}
}

// Hub returns the telemetry fabric. Consumers subscribe here for the
// snapshots published by PublishChassisDetail and PublishChassisDetailSender.
func (o *Orchestrator) Hub() *fabric.Hub {
	return o.hub
}

// Init constructs and wires the stack's components in dependency order:
// transport handle, codec, receive loop, send loop, controller creation,
// controller initialization, telemetry channel registration, and finally the
// optional telemetry recorder. The first failing step aborts Init and is
// returned wrapped; no teardown of earlier steps is attempted, since nothing
// before Start holds an operating-system resource other than the recorder,
// which is opened last. A failed Init may be retried; every step re-runs.
func (o *Orchestrator) Init(cfg Config) error {
	log := buslog.Logger()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		log.Error("validate configuration", "error", err)
		return err
	}
	o.cfg = cfg

	handle, err := bus.Open(cfg.Connection)
	if err != nil {
		log.Error("create transport handle", "driver", cfg.Connection.Driver, "error", err)
		return fmt.Errorf("create transport handle: %w", err)
	}
	o.handle = handle
	log.Info("transport handle created", "transport", handle.Name())

	o.codec = o.profile.CreateCodec()
	if o.codec == nil {
		log.Error("create message codec", "vehicle", o.profile.Name(), "error", ErrNilCodec)
		return ErrNilCodec
	}
	log.Info("message codec created", "vehicle", o.profile.Name())

	o.receiver = o.newReceiver()
	if err := o.receiver.Init(o.handle, o.codec, cfg.EnableReceiverLog, cfg.LogDir); err != nil {
		log.Error("init receive loop", "error", err)
		return fmt.Errorf("init receive loop: %w", err)
	}
	log.Info("receive loop initialized")

	o.sender = o.newSender()
	if err := o.sender.Init(o.handle, o.codec, cfg.EnableSenderLog, cfg.LogDir); err != nil {
		log.Error("init send loop", "error", err)
		return fmt.Errorf("init send loop: %w", err)
	}
	log.Info("send loop initialized")

	ctrl := o.profile.CreateController()
	if ctrl == nil {
		log.Error("create vehicle controller", "vehicle", o.profile.Name(), "error", ErrNilController)
		return ErrNilController
	}
	o.ctrl = ctrl
	log.Info("vehicle controller created", "vehicle", o.profile.Name())

	if err := o.ctrl.Init(cfg.Vehicle, o.sender, o.codec); err != nil {
		log.Error("init vehicle controller", "brand", cfg.Vehicle.Brand, "error", err)
		return fmt.Errorf("init vehicle controller: %w", err)
	}
	log.Info("vehicle controller initialized", "brand", cfg.Vehicle.Brand)

	o.received = o.hub.Register(cfg.ReceivedTopic)
	o.staged = o.hub.Register(cfg.SenderTopic)
	log.Info("telemetry channels registered",
		"received_topic", cfg.ReceivedTopic, "sender_topic", cfg.SenderTopic)

	if cfg.TelemetryDB != "" {
		rec, err := recorder.Open(cfg.TelemetryDB)
		if err != nil {
			log.Error("open telemetry recorder", "path", cfg.TelemetryDB, "error", err)
			return fmt.Errorf("open telemetry recorder: %w", err)
		}
		rec.Attach(o.hub, cfg.ReceivedTopic, cfg.SenderTopic)
		o.rec = rec
		log.Info("telemetry recorder attached", "path", cfg.TelemetryDB)
	}
	return nil
}

// Start brings the stack online: transport first, then the receive loop, the
// send loop, and the controller. The first failure aborts Start and is
// returned wrapped; already-started components stay running and a subsequent
// Stop tears them down. Start before a successful Init returns
// ErrNotInitialized.
func (o *Orchestrator) Start() error {
	log := buslog.Logger()
	if o.handle == nil || o.codec == nil || o.receiver == nil || o.sender == nil || o.ctrl == nil {
		return ErrNotInitialized
	}
	if o.started {
		return ErrAlreadyStarted
	}

	if err := o.handle.Start(); err != nil {
		log.Error("start transport", "transport", o.handle.Name(), "error", err)
		return fmt.Errorf("start transport: %w", err)
	}
	if err := o.receiver.Start(); err != nil {
		log.Error("start receive loop", "error", err)
		return fmt.Errorf("start receive loop: %w", err)
	}
	if err := o.sender.Start(); err != nil {
		log.Error("start send loop", "error", err)
		return fmt.Errorf("start send loop: %w", err)
	}
	if err := o.ctrl.Start(); err != nil {
		log.Error("start vehicle controller", "error", err)
		return fmt.Errorf("start vehicle controller: %w", err)
	}
	o.started = true
	log.Info("canbus stack started", "transport", o.handle.Name())
	return nil
}

// Stop tears the stack down best-effort: send loop, receive loop, transport,
// controller, recorder. Every step runs regardless of earlier failures,
// which are logged and swallowed. Stop never fails and is safe to call
// repeatedly or on a never-started stack.
func (o *Orchestrator) Stop() {
	log := buslog.Logger()
	if o.sender != nil {
		o.sender.Stop()
	}
	if o.receiver != nil {
		o.receiver.Stop()
	}
	if o.handle != nil {
		if err := o.handle.Stop(); err != nil {
			log.Warn("stop transport", "transport", o.handle.Name(), "error", err)
		}
	}
	if o.ctrl != nil {
		o.ctrl.Stop()
	}
	if o.rec != nil {
		if err := o.rec.Close(); err != nil {
			log.Warn("close telemetry recorder", "error", err)
		}
		o.rec = nil
	}
	o.started = false
	log.Info("canbus stack stopped")
}

// UpdateCommand dispatches one command through the controller and, if the
// controller accepted it, flushes the staged frames to the wire in a single
// pass. A rejected command is logged and flushes nothing, so a partial
// staging never reaches the bus. Harmless before Init.
func (o *Orchestrator) UpdateCommand(cmd controller.Command) {
	if o.ctrl == nil || o.sender == nil {
		buslog.Logger().Warn("command dropped, stack not initialized")
		return
	}
	if err := o.ctrl.Update(cmd); err != nil {
		buslog.Logger().Error("vehicle controller rejected command", "error", err)
		return
	}
	o.sender.Update()
}

// PublishChassis returns the controller's current chassis report. A
// zero-valued report before Init.
func (o *Orchestrator) PublishChassis() controller.Chassis {
	if o.ctrl == nil {
		return controller.Chassis{}
	}
	return o.ctrl.Chassis()
}

// PublishChassisDetail writes the latest decoded inbound snapshot to the
// received-telemetry channel. A no-op before Init.
func (o *Orchestrator) PublishChassisDetail() {
	if o.ctrl == nil || o.received == nil {
		return
	}
	o.received.Write(o.ctrl.LatestReceived())
}

// PublishChassisDetailSender writes the latest staged outbound snapshot to
// the sender-telemetry channel. A no-op before Init.
func (o *Orchestrator) PublishChassisDetailSender() {
	if o.ctrl == nil || o.staged == nil {
		return
	}
	o.staged.Write(o.ctrl.LatestStaged())
}

// UpdateHeartbeat retransmits the liveness frame, paced by the configured
// cadence. Intended to be called every scheduler tick; excess ticks are
// absorbed. A no-op before Init.
func (o *Orchestrator) UpdateHeartbeat() {
	if o.sender != nil {
		o.sender.UpdateHeartbeat()
	}
}

// CheckChassisCommunicationFault reports whether expected periodic chassis
// frames have gone silent. True before Init: an absent stack is treated as a
// fault, never as a healthy chassis.
func (o *Orchestrator) CheckChassisCommunicationFault() bool {
	if o.ctrl == nil {
		return true
	}
	return o.ctrl.CheckCommError()
}

// AddSendProtocol asks the controller to (re)register its outgoing message
// templates, typically after ClearSendProtocol during a reconfiguration.
// A no-op before Init.
func (o *Orchestrator) AddSendProtocol() {
	if o.ctrl != nil {
		o.ctrl.AddSendMessages()
	}
}

// ClearSendProtocol empties the send loop's registered message set so no
// stale frames keep transmitting across a reconfiguration. A no-op before
// Init.
func (o *Orchestrator) ClearSendProtocol() {
	if o.sender != nil {
		o.sender.ClearMessages()
	}
}

// IsSendProtocolClear reports whether the send loop has no registered
// messages. True before Init.
func (o *Orchestrator) IsSendProtocolClear() bool {
	if o.sender == nil {
		return true
	}
	return o.sender.IsMessageQueueClear()
}

// DrivingMode returns the controller's current control ownership state.
// CompleteManual before Init.
func (o *Orchestrator) DrivingMode() controller.DrivingMode {
	if o.ctrl == nil {
		return controller.CompleteManual
	}
	return o.ctrl.DrivingMode()
}

// Compile-time assertions that the concrete loops satisfy the orchestrator's
// interfaces.
var (
	_ receiveLoop = (*receive.Receiver)(nil)
	_ sendLoop    = (*send.Sender)(nil)
)
