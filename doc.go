// Package canbus orchestrates a vehicle's drive-by-wire CAN stack: it
// constructs and wires a transport handle, the message codec, the receive
// and send loops, and a vehicle-specific controller in a fixed dependency
// order, manages their combined lifecycle, and exposes a narrow façade to an
// external real-time scheduler.
//
// Callers must follow this lifecycle ordering:
//
//	New → Init → Start → per-tick façade calls → Stop
//
// where a tick typically runs UpdateCommand, PublishChassisDetail,
// PublishChassisDetailSender, UpdateHeartbeat, and
// CheckChassisCommunicationFault. The orchestrator spawns no goroutines of
// its own; the receive and send loops run their own background goroutines
// and the codec provides the synchronization between them and the scheduler
// thread.
//
// The actual CAN wire formats and the vehicle control law are deliberately
// outside this package: transports are pluggable drivers (see the bus
// package), and vehicles plug in via the Profile interface, supplying their
// codec setup and controller implementation.
package canbus
