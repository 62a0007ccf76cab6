package canbus

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame represents one captured or to-be-sent classical CAN frame.
//
// Frames are values: the payload lives in a fixed array, so copying a Frame
// copies its data and a captured Frame is never mutated after creation.
//
// Supported features:
//   - Standard (11-bit) and Extended (29-bit) identifiers
//   - Data frames and Remote Transmission Request (RTR)
//   - Data length 0-8 bytes (classical CAN)
//
// Not implemented: CAN FD specific fields.
type Frame struct {
	Time     time.Time // capture time; zero for frames built for sending
	ID       uint32    // 11-bit (std) or 29-bit (ext)
	Extended bool      // true for 29-bit identifier
	RTR      bool      // remote transmission request
	Len      uint8     // 0..8
	Data     [8]byte
}

// Validation limits.
const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF
)

// MaxExtendedID is the largest 29-bit identifier.
const MaxExtendedID = maxExtID

var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
)

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

// MustFrame constructs a Frame and panics if invalid. Convenience for examples.
func MustFrame(id uint32, data []byte) Frame {
	f, err := NewFrame(id, data)
	if err != nil {
		panic(err)
	}
	return f
}

// NewFrame builds a frame for sending. Identifiers above 0x7FF are marked
// extended.
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

// Payload returns a copy of the first Len data bytes.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	out := make([]byte, n)
	copy(out, f.Data[:n])
	return out
}

// IDHex renders the identifier as 8 uppercase hex digits (J1939 convention).
func (f Frame) IDHex() string {
	return fmt.Sprintf("%08X", f.ID)
}

// DataHex renders the payload as uppercase hex without separators.
func (f Frame) DataHex() string {
	return strings.ToUpper(hex.EncodeToString(f.Payload()))
}

// Seconds returns the capture time as float seconds since the Unix epoch.
func (f Frame) Seconds() float64 {
	if f.Time.IsZero() {
		return 0
	}
	return float64(f.Time.UnixNano()) / 1e9
}

// String renders "ID [len] B0 B1 ..." with RTR frames marked.
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.Len)
	if f.RTR {
		b.WriteString(" RTR")
		return b.String()
	}
	for _, c := range f.Payload() {
		fmt.Fprintf(&b, " %02X", c)
	}
	return b.String()
}

// SocketCAN can_id flag bits.
const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canEffMask = 0x1FFFFFFF
	canStdMask = 0x7FF
)

// MarshalBinary encodes the frame to the Linux SocketCAN "struct can_frame" layout
// (16 bytes) for classical CAN. It does not include timestamping.
//
// Layout (little-endian):
//
//	0..3  can_id (with flags: EFF/RTR/ERR)
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
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:f.Len])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the Linux SocketCAN can_frame layout.
// Bytes beyond the DLC are zeroed so Data is always right-padded.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("canbus: need 16 bytes, got %d", len(data))
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
	f.Data = [8]byte{}
	copy(f.Data[:f.Len], data[8:8+int(f.Len)])
	return f.Validate()
}
