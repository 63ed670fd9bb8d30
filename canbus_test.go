package canbus_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/openchassis/canbus"
	"github.com/openchassis/canbus/bus"
	"github.com/openchassis/canbus/codec"
	"github.com/openchassis/canbus/controller"
)

// journal records the order of component calls during lifecycle tests.
type journal struct {
	entries []string
}

func (j *journal) add(entry string) { j.entries = append(j.entries, entry) }

// fakeReceiver implements canbus.ReceiveLoop with injectable failures.
type fakeReceiver struct {
	j        *journal
	initErr  error
	startErr error
}

func (r *fakeReceiver) Init(t bus.Transport, m *codec.Manager, logFrames bool, logDir string) error {
	r.j.add("receiver init")
	return r.initErr
}
func (r *fakeReceiver) Start() error { r.j.add("receiver start"); return r.startErr }
func (r *fakeReceiver) Stop()        { r.j.add("receiver stop") }

// fakeSender implements canbus.SendLoop with injectable failures.
type fakeSender struct {
	j        *journal
	initErr  error
	startErr error
	cleared  bool
}

func (s *fakeSender) Init(t bus.Transport, m *codec.Manager, logFrames bool, logDir string) error {
	s.j.add("sender init")
	return s.initErr
}
func (s *fakeSender) Start() error                                  { s.j.add("sender start"); return s.startErr }
func (s *fakeSender) Stop()                                         { s.j.add("sender stop") }
func (s *fakeSender) Update()                                       { s.j.add("sender update") }
func (s *fakeSender) UpdateHeartbeat()                              { s.j.add("sender heartbeat") }
func (s *fakeSender) Register(f bus.Frame, period time.Duration)    {}
func (s *fakeSender) Stage(f bus.Frame)                             {}
func (s *fakeSender) SetHeartbeat(f bus.Frame, cadence time.Duration) {}
func (s *fakeSender) ClearMessages()                                { s.j.add("sender clear"); s.cleared = true }
func (s *fakeSender) IsMessageQueueClear() bool                     { return s.cleared }

// fakeController implements controller.Controller with injectable failures.
type fakeController struct {
	j         *journal
	initErr   error
	startErr  error
	updateErr error
	commFault bool
	mode      controller.DrivingMode
	received  codec.Snapshot
	staged    codec.Snapshot
}

func (c *fakeController) Init(p controller.VehicleParams, sink controller.FrameSink, m *codec.Manager) error {
	c.j.add("controller init")
	return c.initErr
}
func (c *fakeController) Start() error { c.j.add("controller start"); return c.startErr }
func (c *fakeController) Stop()        { c.j.add("controller stop") }
func (c *fakeController) Update(cmd controller.Command) error {
	c.j.add("controller update")
	return c.updateErr
}
func (c *fakeController) Chassis() controller.Chassis {
	return controller.Chassis{Mode: c.mode, CommFault: c.commFault}
}
func (c *fakeController) LatestReceived() codec.Snapshot     { return c.received }
func (c *fakeController) LatestStaged() codec.Snapshot       { return c.staged }
func (c *fakeController) CheckCommError() bool               { return c.commFault }
func (c *fakeController) AddSendMessages()                   { c.j.add("controller add messages") }
func (c *fakeController) DrivingMode() controller.DrivingMode { return c.mode }

// fakeProfile produces the fake codec and controller, recording creation.
type fakeProfile struct {
	j        *journal
	nilCodec bool
	nilCtrl  bool
	ctrl     *fakeController
}

func (p *fakeProfile) Name() string { return "faketruck" }
func (p *fakeProfile) CreateCodec() *codec.Manager {
	p.j.add("create codec")
	if p.nilCodec {
		return nil
	}
	return codec.New()
}
func (p *fakeProfile) CreateController() controller.Controller {
	p.j.add("create controller")
	if p.nilCtrl {
		return nil
	}
	return p.ctrl
}

// rig wires an orchestrator against a loopback driver and fakes, with every
// failure knob reachable from the test.
type rig struct {
	orch     *canbus.Orchestrator
	profile  *fakeProfile
	receiver *fakeReceiver
	sender   *fakeSender
	ctrl     *fakeController
	cfg      canbus.Config
	j        *journal
}

func newRig(t *testing.T) *rig {
	t.Helper()
	driver := "orch:" + t.Name()
	lb := bus.NewLoopbackBus()
	t.Cleanup(func() { _ = lb.Close() })
	lb.Register(driver)

	j := &journal{}
	ctrl := &fakeController{j: j}
	profile := &fakeProfile{j: j, ctrl: ctrl}
	receiver := &fakeReceiver{j: j}
	sender := &fakeSender{j: j}

	orch := canbus.New(profile)
	orch.SetLoopFactories(
		func() canbus.ReceiveLoop { return receiver },
		func() canbus.SendLoop { return sender },
	)
	return &rig{
		orch:     orch,
		profile:  profile,
		receiver: receiver,
		sender:   sender,
		ctrl:     ctrl,
		cfg: canbus.Config{
			Connection: bus.ConnectionParams{Driver: driver, Interface: "vcan0"},
		},
		j: j,
	}
}

func (r *rig) wantJournal(t *testing.T, want ...string) {
	t.Helper()
	if !reflect.DeepEqual(r.j.entries, want) {
		t.Errorf("call order = %v, want %v", r.j.entries, want)
	}
}

func TestNewRejectsNilProfile(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	canbus.New(nil)
}

func TestInitRunsStepsInOrder(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.orch.Init(r.cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r.wantJournal(t,
		"create codec",
		"receiver init",
		"sender init",
		"create controller",
		"controller init",
	)
}

func TestInitShortCircuits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		arrange func(r *rig)
		wantErr error
		want    []string
	}{
		{
			name:    "unknown transport driver",
			arrange: func(r *rig) { r.cfg.Connection.Driver = "missing" },
			wantErr: bus.ErrUnknownDriver,
			want:    nil,
		},
		{
			name:    "profile returns no codec",
			arrange: func(r *rig) { r.profile.nilCodec = true },
			wantErr: canbus.ErrNilCodec,
			want:    []string{"create codec"},
		},
		{
			name:    "receive loop init fails",
			arrange: func(r *rig) { r.receiver.initErr = errors.New("rx boom") },
			want:    []string{"create codec", "receiver init"},
		},
		{
			name:    "send loop init fails",
			arrange: func(r *rig) { r.sender.initErr = errors.New("tx boom") },
			want:    []string{"create codec", "receiver init", "sender init"},
		},
		{
			name:    "profile returns no controller",
			arrange: func(r *rig) { r.profile.nilCtrl = true },
			wantErr: canbus.ErrNilController,
			want:    []string{"create codec", "receiver init", "sender init", "create controller"},
		},
		{
			name:    "controller init fails",
			arrange: func(r *rig) { r.ctrl.initErr = errors.New("ctrl boom") },
			want: []string{
				"create codec", "receiver init", "sender init",
				"create controller", "controller init",
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newRig(t)
			tc.arrange(r)

			err := r.orch.Init(r.cfg)
			if err == nil {
				t.Fatal("Init succeeded, want error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("Init = %v, want %v", err, tc.wantErr)
			}
			if !reflect.DeepEqual(r.j.entries, tc.want) {
				t.Errorf("call order = %v, want %v", r.j.entries, tc.want)
			}
		})
	}
}

func TestStartBeforeInit(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.orch.Start(); !errors.Is(err, canbus.ErrNotInitialized) {
		t.Fatalf("Start = %v, want ErrNotInitialized", err)
	}
}

func TestStartOrderAndDoubleStart(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.orch.Init(r.cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r.j.entries = nil

	if err := r.orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.orch.Stop()
	r.wantJournal(t, "receiver start", "sender start", "controller start")

	if err := r.orch.Start(); !errors.Is(err, canbus.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestStartStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.sender.startErr = errors.New("tx boom")
	if err := r.orch.Init(r.cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r.j.entries = nil

	if err := r.orch.Start(); err == nil {
		t.Fatal("Start succeeded, want error")
	}
	// Controller stays unstarted behind the failed send loop.
	r.wantJournal(t, "receiver start", "sender start")
}

func TestStopIsBestEffortAndIdempotent(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.orch.Stop() // before Init: no panic

	if err := r.orch.Init(r.cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.j.entries = nil

	r.orch.Stop()
	r.wantJournal(t, "sender stop", "receiver stop", "controller stop")

	r.j.entries = nil
	r.orch.Stop() // second Stop runs the same teardown, still no failure
	r.wantJournal(t, "sender stop", "receiver stop", "controller stop")
}

func TestUpdateCommandFlushesOnlyOnSuccess(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.orch.Init(r.cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r.j.entries = nil

	r.orch.UpdateCommand(controller.ControlCommand{ThrottlePct: 10})
	r.wantJournal(t, "controller update", "sender update")

	r.j.entries = nil
	r.ctrl.updateErr = errors.New("rejected")
	r.orch.UpdateCommand(controller.ControlCommand{ThrottlePct: 10})
	// No flush after a rejected command.
	r.wantJournal(t, "controller update")
}

func TestFacadeBeforeInit(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	o := r.orch

	if !o.CheckChassisCommunicationFault() {
		t.Error("missing stack reported as healthy chassis")
	}
	if got := o.DrivingMode(); got != controller.CompleteManual {
		t.Errorf("DrivingMode = %v, want CompleteManual", got)
	}
	if !o.IsSendProtocolClear() {
		t.Error("missing send loop reported as populated")
	}
	if got := o.PublishChassis(); got != (controller.Chassis{}) {
		t.Errorf("PublishChassis = %+v, want zero", got)
	}

	// All of these are harmless no-ops before Init.
	o.UpdateCommand(controller.ControlCommand{})
	o.PublishChassisDetail()
	o.PublishChassisDetailSender()
	o.UpdateHeartbeat()
	o.AddSendProtocol()
	o.ClearSendProtocol()
}

func TestProtocolSetLifecycle(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.orch.Init(r.cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r.j.entries = nil

	r.orch.ClearSendProtocol()
	if !r.orch.IsSendProtocolClear() {
		t.Error("protocol set not clear after ClearSendProtocol")
	}
	r.orch.AddSendProtocol()
	r.wantJournal(t, "sender clear", "controller add messages")
}

func TestPublishTelemetryRoutesToDistinctTopics(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.ctrl.received = codec.Snapshot{
		Frames: map[uint32]bus.Frame{0x1: bus.MustFrame(0x1, nil)},
	}
	r.ctrl.staged = codec.Snapshot{
		Frames: map[uint32]bus.Frame{0x2: bus.MustFrame(0x2, nil)},
	}
	if err := r.orch.Init(r.cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}

	chReceived, cancelR := r.orch.Hub().Subscribe(canbus.DefaultReceivedTopic)
	defer cancelR()
	chStaged, cancelS := r.orch.Hub().Subscribe(canbus.DefaultSenderTopic)
	defer cancelS()

	r.orch.PublishChassisDetail()
	r.orch.PublishChassisDetailSender()

	msg := <-chReceived
	if _, ok := msg.Snapshot.Frames[0x1]; !ok {
		t.Error("received topic missing inbound snapshot")
	}
	msg = <-chStaged
	if _, ok := msg.Snapshot.Frames[0x2]; !ok {
		t.Error("sender topic missing staged snapshot")
	}

	select {
	case extra := <-chReceived:
		t.Errorf("received topic got cross-topic message %+v", extra)
	default:
	}
}

func TestHeartbeatDelegates(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.orch.Init(r.cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r.j.entries = nil
	r.orch.UpdateHeartbeat()
	r.wantJournal(t, "sender heartbeat")
}

func TestCommunicationFaultDelegates(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.orch.Init(r.cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if r.orch.CheckChassisCommunicationFault() {
		t.Error("healthy controller reported fault")
	}
	r.ctrl.commFault = true
	if !r.orch.CheckChassisCommunicationFault() {
		t.Error("controller fault not surfaced")
	}
}
