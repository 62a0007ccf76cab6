// Package script runs Lua send sequences against a bus manager.
//
// Scripts see a global table "can":
//
//	can.connect(channel [, bitrate]) -> message | nil, err
//	can.disconnect()
//	can.send(id_hex, data_hex)       -> true | nil, err
//	can.recv(timeout_ms [, max])     -> array of frames
//	can.sleep(ms)
//	can.selftest([timeout_ms])       -> table
//	can.health()                     -> table
//	can.decode(id_hex, data_hex)     -> table
//	can.log(msg, ...)
package script

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/notnil/candiag"
	"github.com/notnil/candiag/canbus"
	"github.com/notnil/candiag/j1939"
)

// defaultRecvMax bounds can.recv when no max is given.
const defaultRecvMax = 200

// Runner executes scripts. A Runner is not safe for concurrent use.
type Runner struct {
	m      *candiag.Manager
	logger *slog.Logger
}

// New returns a runner driving m.
func New(m *candiag.Manager, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{m: m, logger: logger}
}

// RunString runs src. ctx cancels the script, including can.sleep and can.recv.
func (r *Runner) RunString(ctx context.Context, src string) error {
	L := r.newState(ctx)
	defer L.Close()
	return L.DoString(src)
}

// RunFile runs the script at path.
func (r *Runner) RunFile(ctx context.Context, path string) error {
	L := r.newState(ctx)
	defer L.Close()
	r.logger.Info("running script", "path", path)
	return L.DoFile(path)
}

func (r *Runner) newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	L.SetContext(ctx)

	can := L.NewTable()
	for name, fn := range map[string]lua.LGFunction{
		"connect":    r.connect,
		"disconnect": r.disconnect,
		"send":       r.send,
		"recv":       r.recv,
		"sleep":      r.sleep,
		"selftest":   r.selftest,
		"health":     r.health,
		"decode":     r.decode,
		"log":        r.log,
	} {
		L.SetField(can, name, L.NewFunction(fn))
	}
	L.SetGlobal("can", can)
	return L
}

func pushError(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func (r *Runner) connect(L *lua.LState) int {
	channel := L.CheckString(1)
	bitrate := L.OptInt(2, 0)
	msg, err := r.m.Connect(L.Context(), channel, bitrate)
	if err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LString(msg))
	return 1
}

func (r *Runner) disconnect(L *lua.LState) int {
	if err := r.m.Disconnect(L.Context()); err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (r *Runner) send(L *lua.LState) int {
	idHex := L.CheckString(1)
	dataHex := L.OptString(2, "")
	if err := r.m.SendHex(L.Context(), idHex, dataHex); err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (r *Runner) recv(L *lua.LState) int {
	timeout := time.Duration(L.CheckInt(1)) * time.Millisecond
	max := L.OptInt(2, defaultRecvMax)
	frames := r.m.GetRxBatch(L.Context(), timeout, max)
	tbl := L.NewTable()
	for _, f := range frames {
		tbl.Append(frameTable(L, f))
	}
	L.Push(tbl)
	return 1
}

func (r *Runner) sleep(L *lua.LState) int {
	d := time.Duration(L.CheckInt(1)) * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-L.Context().Done():
		L.RaiseError("sleep interrupted: %v", L.Context().Err())
	}
	return 0
}

func (r *Runner) selftest(L *lua.LState) int {
	timeout := time.Duration(L.OptInt(1, 0)) * time.Millisecond
	res := r.m.SelfTest(L.Context(), timeout)
	tbl := L.NewTable()
	L.SetField(tbl, "connected", lua.LBool(res.Connected))
	L.SetField(tbl, "tx_ok", lua.LBool(res.TxOK))
	L.SetField(tbl, "echo_rx", lua.LBool(res.EchoRx))
	L.SetField(tbl, "rx_seen", lua.LNumber(res.RxSeen))
	if res.Error != "" {
		L.SetField(tbl, "error", lua.LString(res.Error))
	}
	if res.Reason != "" {
		L.SetField(tbl, "reason", lua.LString(res.Reason))
	}
	L.Push(tbl)
	return 1
}

func (r *Runner) health(L *lua.LState) int {
	L.Push(goToLua(L, r.m.HealthSnapshot()))
	return 1
}

func (r *Runner) decode(L *lua.LState) int {
	data, err := canbus.ParseDataHex(L.OptString(2, ""))
	if err != nil {
		return pushError(L, err)
	}
	L.Push(decodedTable(L, j1939.DecodeHex(L.CheckString(1), data)))
	return 1
}

func (r *Runner) log(L *lua.LState) int {
	msg := L.CheckString(1)
	var args []any
	for i := 2; i <= L.GetTop(); i++ {
		args = append(args, fmt.Sprintf("arg%d", i-1), L.Get(i).String())
	}
	r.logger.Info(msg, args...)
	return 0
}

func frameTable(L *lua.LState, f canbus.Frame) *lua.LTable {
	tbl := decodedTable(L, j1939.Decode(f))
	L.SetField(tbl, "ts", lua.LNumber(f.Seconds()))
	L.SetField(tbl, "id_hex", lua.LString(f.IDHex()))
	L.SetField(tbl, "data_hex", lua.LString(f.DataHex()))
	return tbl
}

func decodedTable(L *lua.LState, res j1939.Result) *lua.LTable {
	tbl := L.NewTable()
	signals := L.NewTable()
	for name, v := range res.Signals {
		if n, ok := v.Float(); ok {
			L.SetField(signals, name, lua.LNumber(n))
		} else {
			L.SetField(signals, name, lua.LString(v.String()))
		}
	}
	L.SetField(tbl, "decoded", signals)
	if res.PGN != nil {
		L.SetField(tbl, "pgn", lua.LNumber(*res.PGN))
		if name := j1939.Name(*res.PGN); name != "" {
			L.SetField(tbl, "name", lua.LString(name))
		}
	}
	if res.SA != nil {
		L.SetField(tbl, "sa", lua.LNumber(*res.SA))
	}
	return tbl
}

// goToLua converts health snapshot values.
func goToLua(L *lua.LState, val any) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range v {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}
