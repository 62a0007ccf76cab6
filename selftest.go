package candiag

import (
	"context"
	"time"

	"github.com/notnil/candiag/canbus"
)

// Self-test sentinel frame.
const (
	SelfTestIDHex   = "18F11CEF"
	SelfTestDataHex = "A55A55A55A55A55A"
)

// echoNote explains why EchoRx may legitimately be false.
const echoNote = "Echo depends on loopback/other node. vcan will echo; hardware may not."

// SelfTestResult is the outcome of SelfTest. EchoRx false with TxOK true
// is not a failure.
type SelfTestResult struct {
	Connected bool   `json:"connected"`
	TxOK      bool   `json:"tx_ok"`
	EchoRx    bool   `json:"echo_rx"`
	RxSeen    int    `json:"rx_seen"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Note      string `json:"note,omitempty"`
}

// selfTestWatchBuffer bounds the frames buffered for the echo search.
const selfTestWatchBuffer = 1000

// SelfTest drains pending frames, sends the sentinel frame and waits up to
// timeout for it to come back. A zero timeout selects
// Config.SelfTestTimeout.
//
// The echo is looked for through a watcher on the capture loop, so a
// stream draining the receive queue at the same time does not hide it.
// Frames pending before the test are lost to other GetRxBatch consumers.
func (m *Manager) SelfTest(ctx context.Context, timeout time.Duration) SelfTestResult {
	if timeout <= 0 {
		timeout = m.cfg.SelfTestTimeout
	}
	b, _ := m.current()
	if b == nil {
		return SelfTestResult{Reason: "not connected"}
	}
	res := SelfTestResult{Connected: true, Note: echoNote}

	b.ReadBatch(canbus.DefaultQueueSize)
	frames, stop := b.Watch(selfTestWatchBuffer)
	defer stop()

	sentinel, err := canbus.FrameFromHex(SelfTestIDHex, SelfTestDataHex)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if err := b.Send(ctx, sentinel); err != nil {
		res.Error = (&SendError{ID: SelfTestIDHex, Err: err}).Error()
		return res
	}
	res.TxOK = true

	timer := time.NewTimer(timeout)
	defer timer.Stop()
wait:
	for !res.EchoRx {
		select {
		case f, ok := <-frames:
			if !ok {
				break wait
			}
			res.RxSeen++
			if f.ID == sentinel.ID && f.Extended && f.Len == sentinel.Len && f.Data == sentinel.Data {
				res.EchoRx = true
			}
		case <-timer.C:
			break wait
		case <-ctx.Done():
			return res
		}
	}
	m.logger.Info("self-test", "tx_ok", res.TxOK, "echo_rx", res.EchoRx, "rx_seen", res.RxSeen)
	return res
}
