package canbus

import "errors"

// Sentinel errors for error inspection with errors.Is. Failures from
// sub-component construction or initialization are wrapped with the failing
// stage name; transport construction failures additionally carry the bus
// package sentinels (bus.ErrUnknownDriver, bus.ErrNilTransport).
var (
	// ErrNilCodec is returned by Init when the vehicle profile produced no
	// codec instance.
	ErrNilCodec = errors.New("canbus: vehicle profile returned no codec")

	// ErrNilController is returned by Init when the vehicle profile
	// produced no controller instance.
	ErrNilController = errors.New("canbus: vehicle profile returned no controller")

	// ErrNotInitialized is returned by Start when Init has not completed
	// successfully. Start against missing sub-components fails
	// deterministically instead of crashing.
	ErrNotInitialized = errors.New("canbus: stack not initialized")

	// ErrAlreadyStarted is returned by Start on a running stack.
	ErrAlreadyStarted = errors.New("canbus: stack already started")
)
