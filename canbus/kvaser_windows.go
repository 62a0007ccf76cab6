//go:build windows

package canbus

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Kvaser CANlib (canlib32.dll). C long is 32 bits on Windows.
var (
	kvDLL          = windows.NewLazyDLL("canlib32.dll")
	kvInitLibrary  = kvDLL.NewProc("canInitializeLibrary")
	kvOpenChannel  = kvDLL.NewProc("canOpenChannel")
	kvSetBusParams = kvDLL.NewProc("canSetBusParams")
	kvBusOn        = kvDLL.NewProc("canBusOn")
	kvBusOff       = kvDLL.NewProc("canBusOff")
	kvClose        = kvDLL.NewProc("canClose")
	kvWrite        = kvDLL.NewProc("canWrite")
	kvReadWait     = kvDLL.NewProc("canReadWait")
	kvGetErrorText = kvDLL.NewProc("canGetErrorText")
	kvInitOnce     sync.Once
)

const (
	kvOpenAcceptVirtual = 0x0020
	kvMsgRTR            = 0x0001
	kvMsgStd            = 0x0002
	kvMsgExt            = 0x0004
	kvErrNoMsg          = -2
)

type kvLibrary struct{}

// LoadKvaserAPI loads canlib32.dll and initializes CANlib once.
func LoadKvaserAPI() (KvaserAPI, error) {
	if err := kvDLL.Load(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibraryUnavailable, err)
	}
	if err := kvOpenChannel.Find(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibraryUnavailable, err)
	}
	kvInitOnce.Do(func() { _, _, _ = kvInitLibrary.Call() })
	return kvLibrary{}, nil
}

func kvStatus(op string, r1 uintptr) error {
	st := int32(r1)
	if st >= 0 {
		return nil
	}
	buf := make([]byte, 128)
	_, _, _ = kvGetErrorText.Call(uintptr(st), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	return fmt.Errorf("%s: %s (%d)", op, cString(buf), st)
}

func (kvLibrary) OpenChannel(channel, bitrate int) (KvaserChannel, error) {
	param, err := KvaserBusParam(bitrate)
	if err != nil {
		return nil, err
	}
	r1, _, _ := kvOpenChannel.Call(uintptr(channel), kvOpenAcceptVirtual)
	if err := kvStatus("canOpenChannel", r1); err != nil {
		return nil, err
	}
	h := uintptr(int32(r1))
	r1, _, _ = kvSetBusParams.Call(h, uintptr(param), 0, 0, 0, 0, 0)
	if err := kvStatus("canSetBusParams", r1); err != nil {
		_, _, _ = kvClose.Call(h)
		return nil, err
	}
	r1, _, _ = kvBusOn.Call(h)
	if err := kvStatus("canBusOn", r1); err != nil {
		_, _, _ = kvClose.Call(h)
		return nil, err
	}
	return &kvChannel{h: h}, nil
}

type kvChannel struct {
	h uintptr
}

func (c *kvChannel) Write(f Frame) error {
	flags := uintptr(kvMsgStd)
	if f.Extended {
		flags = kvMsgExt
	}
	if f.RTR {
		flags |= kvMsgRTR
	}
	data := f.Data
	r1, _, _ := kvWrite.Call(c.h, uintptr(f.ID), uintptr(unsafe.Pointer(&data[0])), uintptr(f.Len), flags)
	return kvStatus("canWrite", r1)
}

func (c *kvChannel) ReadWait(timeout time.Duration) (Frame, bool, error) {
	var (
		id    int32
		data  [8]byte
		dlc   uint32
		flags uint32
		stamp uint32
	)
	r1, _, _ := kvReadWait.Call(c.h,
		uintptr(unsafe.Pointer(&id)),
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(unsafe.Pointer(&dlc)),
		uintptr(unsafe.Pointer(&flags)),
		uintptr(unsafe.Pointer(&stamp)),
		uintptr(timeout.Milliseconds()),
	)
	if int32(r1) == kvErrNoMsg {
		return Frame{}, false, nil
	}
	if err := kvStatus("canReadWait", r1); err != nil {
		return Frame{}, false, err
	}
	if dlc > 8 {
		dlc = 8
	}
	f := Frame{
		Time:     time.Now(),
		ID:       uint32(id),
		Extended: flags&kvMsgExt != 0,
		RTR:      flags&kvMsgRTR != 0,
		Len:      uint8(dlc),
		Data:     data,
	}
	return f, true, nil
}

func (c *kvChannel) Close() error {
	_, _, _ = kvBusOff.Call(c.h)
	r1, _, _ := kvClose.Call(c.h)
	return kvStatus("canClose", r1)
}
