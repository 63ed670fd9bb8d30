// Package bus provides the CAN link abstraction used by the rest of the
// module: the Frame value type, the Transport lifecycle interface, a driver
// registry so transports can be selected by name from configuration, an
// in-memory loopback transport for tests and simulation, and a Linux
// SocketCAN driver built on raw syscalls.
package bus
