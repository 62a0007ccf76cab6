package canbus

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidHex indicates a malformed identifier or payload hex string.
var ErrInvalidHex = errors.New("canbus: invalid hex")

// ParseIDHex parses a J1939 identifier such as "18FEEEFF" or "0x18FEEEFF".
// The result must fit in 29 bits.
func ParseIDHex(s string) (uint32, error) {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
	if t == "" {
		return 0, fmt.Errorf("%w: empty identifier", ErrInvalidHex)
	}
	v, err := strconv.ParseUint(t, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: identifier %q", ErrInvalidHex, s)
	}
	if v > maxExtID {
		return 0, fmt.Errorf("%w: identifier %q exceeds 29 bits", ErrInvalidHex, s)
	}
	return uint32(v), nil
}

// ParseDataHex parses a payload such as "A55A" or "A5 5A". At most 8 bytes.
func ParseDataHex(s string) ([]byte, error) {
	t := strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	data, err := hex.DecodeString(t)
	if err != nil {
		return nil, fmt.Errorf("%w: payload %q", ErrInvalidHex, s)
	}
	if len(data) > 8 {
		return nil, fmt.Errorf("%w: payload %q longer than 8 bytes", ErrInvalidHex, s)
	}
	return data, nil
}

// FrameFromHex builds an extended-ID frame from hex strings.
func FrameFromHex(idHex, dataHex string) (Frame, error) {
	id, err := ParseIDHex(idHex)
	if err != nil {
		return Frame{}, err
	}
	data, err := ParseDataHex(dataHex)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{ID: id, Extended: true, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f, nil
}
