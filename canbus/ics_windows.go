//go:build windows

package canbus

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// libicsneo C API (icsneoc.dll).
var (
	icsDLL            = windows.NewLazyDLL("icsneoc.dll")
	icsFindAllDevices = icsDLL.NewProc("icsneo_findAllDevices")
	icsOpenDevice     = icsDLL.NewProc("icsneo_openDevice")
	icsCloseDevice    = icsDLL.NewProc("icsneo_closeDevice")
	icsGoOnline       = icsDLL.NewProc("icsneo_goOnline")
	icsSetBaudrate    = icsDLL.NewProc("icsneo_setBaudrate")
	icsSettingsApply  = icsDLL.NewProc("icsneo_settingsApply")
	icsTransmit       = icsDLL.NewProc("icsneo_transmit")
	icsGetMessages    = icsDLL.NewProc("icsneo_getMessages")
	icsDescribeDevice = icsDLL.NewProc("icsneo_describeDevice")
)

const (
	icsMaxDevices         = 16
	icsMaxMessages        = 256
	icsNetHSCAN1   uint16 = 1
)

// neodevice_t.
type icsNeoDevice struct {
	device uintptr
	handle int32
	typ    uint32
	serial [7]byte
	_      byte
}

// neomessage_can_t; 72 bytes.
type icsNeoMessage struct {
	status      [4]uint32
	timestamp   uint64
	_           uint64
	data        *byte
	length      uintptr
	arbid       uint32
	netid       uint16
	typ         uint8
	dlcOnWire   uint8
	description uint16
	_           [14]byte
}

// Bits of the first status word.
const (
	icsStatusExtended = 1 << 2
	icsStatusRemote   = 1 << 3
)

// Fails to compile unless icsNeoMessage is exactly 72 bytes.
var _ = [1]struct{}{}[unsafe.Sizeof(icsNeoMessage{})-72]

type icsLibrary struct{}

// LoadICSAPI loads icsneoc.dll.
func LoadICSAPI() (ICSAPI, error) {
	if err := icsDLL.Load(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibraryUnavailable, err)
	}
	if err := icsFindAllDevices.Find(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibraryUnavailable, err)
	}
	return icsLibrary{}, nil
}

func icsOK(r1 uintptr) bool { return r1&0xFF != 0 }

func (icsLibrary) find() ([]icsNeoDevice, error) {
	devs := make([]icsNeoDevice, icsMaxDevices)
	count := uintptr(len(devs))
	r1, _, _ := icsFindAllDevices.Call(uintptr(unsafe.Pointer(&devs[0])), uintptr(unsafe.Pointer(&count)))
	if !icsOK(r1) {
		return nil, fmt.Errorf("icsneo_findAllDevices failed")
	}
	return devs[:count], nil
}

func (l icsLibrary) Devices() ([]ICSDevice, error) {
	devs, err := l.find()
	if err != nil {
		return nil, err
	}
	out := make([]ICSDevice, 0, len(devs))
	for i := range devs {
		out = append(out, ICSDevice{Index: i, Serial: cString(devs[i].serial[:]), Type: describe(&devs[i])})
	}
	return out, nil
}

func describe(dev *icsNeoDevice) string {
	buf := make([]byte, 64)
	n := uintptr(len(buf))
	r1, _, _ := icsDescribeDevice.Call(uintptr(unsafe.Pointer(dev)), uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&n)))
	if !icsOK(r1) {
		return ""
	}
	return cString(buf)
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (l icsLibrary) OpenDevice(index int) (ICSHandle, error) {
	devs, err := l.find()
	if err != nil {
		return nil, err
	}
	if index >= len(devs) {
		return nil, ErrNoDevice
	}
	h := &icsHandle{dev: new(icsNeoDevice), rx: make([]icsNeoMessage, icsMaxMessages)}
	*h.dev = devs[index]
	if r1, _, _ := icsOpenDevice.Call(uintptr(unsafe.Pointer(h.dev))); !icsOK(r1) {
		return nil, fmt.Errorf("icsneo_openDevice failed")
	}
	return h, nil
}

type icsHandle struct {
	dev *icsNeoDevice

	rxMu sync.Mutex
	rx   []icsNeoMessage
}

func (h *icsHandle) SetBitrate(bitrate int) error {
	r1, _, _ := icsSetBaudrate.Call(uintptr(unsafe.Pointer(h.dev)), uintptr(icsNetHSCAN1), uintptr(int64(bitrate)))
	if !icsOK(r1) {
		return fmt.Errorf("icsneo_setBaudrate(%d) failed", bitrate)
	}
	if r1, _, _ := icsSettingsApply.Call(uintptr(unsafe.Pointer(h.dev))); !icsOK(r1) {
		return fmt.Errorf("icsneo_settingsApply failed")
	}
	return nil
}

func (h *icsHandle) GoOnline() error {
	if r1, _, _ := icsGoOnline.Call(uintptr(unsafe.Pointer(h.dev))); !icsOK(r1) {
		return fmt.Errorf("icsneo_goOnline failed")
	}
	return nil
}

func (h *icsHandle) Transmit(f Frame) error {
	data := f.Data
	var pin runtime.Pinner
	pin.Pin(&data)
	defer pin.Unpin()
	msg := icsNeoMessage{
		data:   &data[0],
		length: uintptr(f.Len),
		arbid:  f.ID,
		netid:  icsNetHSCAN1,
	}
	if f.Extended {
		msg.status[0] |= icsStatusExtended
	}
	if f.RTR {
		msg.status[0] |= icsStatusRemote
	}
	if r1, _, _ := icsTransmit.Call(uintptr(unsafe.Pointer(h.dev)), uintptr(unsafe.Pointer(&msg))); !icsOK(r1) {
		return fmt.Errorf("icsneo_transmit failed")
	}
	return nil
}

func (h *icsHandle) Messages(timeout time.Duration) ([]Frame, error) {
	h.rxMu.Lock()
	defer h.rxMu.Unlock()
	n := uintptr(len(h.rx))
	r1, _, _ := icsGetMessages.Call(
		uintptr(unsafe.Pointer(h.dev)),
		uintptr(unsafe.Pointer(&h.rx[0])),
		uintptr(unsafe.Pointer(&n)),
		uintptr(timeout.Milliseconds()),
	)
	if !icsOK(r1) {
		return nil, fmt.Errorf("icsneo_getMessages failed")
	}
	now := time.Now()
	var out []Frame
	for i := range h.rx[:n] {
		m := &h.rx[i]
		if m.netid != icsNetHSCAN1 || m.length > 8 {
			continue
		}
		f := Frame{
			Time:     now,
			ID:       m.arbid,
			Extended: m.status[0]&icsStatusExtended != 0,
			RTR:      m.status[0]&icsStatusRemote != 0,
			Len:      uint8(m.length),
		}
		if m.length > 0 && m.data != nil {
			copy(f.Data[:], unsafe.Slice(m.data, m.length))
		}
		if f.Validate() != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (h *icsHandle) Close() error {
	if r1, _, _ := icsCloseDevice.Call(uintptr(unsafe.Pointer(h.dev))); !icsOK(r1) {
		return fmt.Errorf("icsneo_closeDevice failed")
	}
	return nil
}
