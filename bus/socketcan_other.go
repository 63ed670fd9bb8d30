//go:build !linux

package bus

// SocketCAN is Linux-only; on other platforms the "socketcan" driver is not
// registered and Open returns ErrUnknownDriver for it.
