package canbus

// Exported aliases and hooks for tests in the canbus_test package.

// ReceiveLoop and SendLoop alias the unexported loop interfaces so tests can
// install instrumented substitutes.
type (
	ReceiveLoop = receiveLoop
	SendLoop    = sendLoop
)

// SetLoopFactories replaces the loop constructors used by Init.
func (o *Orchestrator) SetLoopFactories(newReceiver func() ReceiveLoop, newSender func() SendLoop) {
	o.newReceiver = newReceiver
	o.newSender = newSender
}
