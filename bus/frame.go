package bus

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Frame represents a classical CAN (2.0A/2.0B) frame.
//
// Supported features:
//   - Standard (11-bit) and Extended (29-bit) identifiers
//   - Data frames and Remote Transmission Request (RTR)
//   - Data length 0-8 bytes (classical CAN)
//
// CAN FD specific fields are not modeled.
type Frame struct {
	ID       uint32 // 11-bit (std) or 29-bit (ext)
	Extended bool   // true for 29-bit identifier
	RTR      bool   // remote transmission request
	Len      uint8  // 0..8
	Data     [8]byte
}

// Identifier limits.
const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF
)

// SocketCAN can_id flag bits.
const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canEffMask = 0x1FFFFFFF
	canStdMask = 0x7FF
)

// frameWireSize is the size of the Linux "struct can_frame" layout.
const frameWireSize = 16

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.Len > 8 {
		return ErrInvalidLen
	}
	if f.Extended {
		if f.ID > maxExtID {
			return ErrInvalidID
		}
	} else {
		if f.ID > maxStdID {
			return ErrInvalidID
		}
	}
	return nil
}

// NewFrame constructs a data frame from an identifier and up to 8 payload
// bytes. Identifiers above the standard 11-bit range are marked extended.
func NewFrame(id uint32, data []byte) (Frame, error) {
	var f Frame
	f.ID = id
	if id > maxStdID {
		f.Extended = true
	}
	if len(data) > 8 {
		return Frame{}, ErrInvalidLen
	}
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// MustFrame constructs a Frame and panics if invalid. Convenience for tests
// and examples.
func MustFrame(id uint32, data []byte) Frame {
	f, err := NewFrame(id, data)
	if err != nil {
		panic(err)
	}
	return f
}

// String renders the frame in candump notation, e.g. "123#DEADBEEF" or
// "123#R" for a remote frame.
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", f.ID)
	}
	if f.RTR {
		b.WriteByte('R')
		return b.String()
	}
	for _, d := range f.Data[:f.Len] {
		fmt.Fprintf(&b, "%02X", d)
	}
	return b.String()
}

// MarshalBinary encodes the frame to the Linux SocketCAN "struct can_frame"
// layout (16 bytes) for classical CAN.
//
// Layout (little-endian):
//
//	0..3  can_id (with flags: EFF/RTR)
//	4     can_dlc (data length code)
//	5..7  padding (set to zero)
//	8..15 data bytes
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= canEffFlag
	}
	if f.RTR {
		id |= canRtrFlag
	}
	buf := make([]byte, frameWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the Linux SocketCAN can_frame layout.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < frameWireSize {
		return fmt.Errorf("bus: need %d bytes, got %d", frameWireSize, len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	f.Extended = id&canEffFlag != 0
	f.RTR = id&canRtrFlag != 0
	if f.Extended {
		f.ID = id & canEffMask
	} else {
		f.ID = id & canStdMask
	}
	f.Len = data[4]
	if f.Len > 8 {
		return ErrInvalidLen
	}
	copy(f.Data[:], data[8:16])
	return f.Validate()
}
