// Package j1939 decodes a fixed set of SAE J1939 parameter groups from
// 29-bit CAN frames. Decoding is pure and total: it never fails, and
// identifiers it cannot interpret produce an empty Result.
package j1939

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"github.com/notnil/candiag/canbus"
)

// NotAvailable is the rendering of a field whose bytes hold the 0xFF
// "not available" sentinel.
const NotAvailable = "N/A"

// Value is a decoded signal: a number or NotAvailable.
type Value struct {
	num float64
	na  bool
}

// Number returns a numeric Value.
func Number(v float64) Value { return Value{num: v} }

// NA is the not-available Value.
var NA = Value{na: true}

// Float returns the number and whether the value is available.
func (v Value) Float() (float64, bool) { return v.num, !v.na }

// Available reports whether v holds a number.
func (v Value) Available() bool { return !v.na }

func (v Value) String() string {
	if v.na {
		return NotAvailable
	}
	return strconv.FormatFloat(v.num, 'f', -1, 64)
}

// MarshalJSON renders a JSON number or the string "N/A".
func (v Value) MarshalJSON() ([]byte, error) {
	if v.na {
		return json.Marshal(NotAvailable)
	}
	return json.Marshal(v.num)
}

// MarshalCBOR renders a CBOR float or the text string "N/A".
func (v Value) MarshalCBOR() ([]byte, error) {
	if v.na {
		return cbor.Marshal(NotAvailable)
	}
	return cbor.Marshal(v.num)
}

// Signals maps a signal label such as "Coolant Temp (°C)" to its value.
type Signals map[string]Value

// Result is the decoded form of one frame. PGN and SA are nil when the
// identifier could not be interpreted.
type Result struct {
	PGN     *uint32 `json:"pgn"`
	SA      *uint8  `json:"sa"`
	Signals Signals `json:"decoded"`
}

// Decompose splits a 29-bit identifier into PGN and source address.
//
// For PDU2 (PDU format >= 240) the PDU specific byte is a group extension
// and is part of the PGN. For PDU1 it is a destination address and is
// dropped, so every destination of a PDU1 group shares one PGN.
func Decompose(id uint32) (pgn uint32, sa uint8, ok bool) {
	if id > canbus.MaxExtendedID {
		return 0, 0, false
	}
	pf := (id >> 16) & 0xFF
	ps := (id >> 8) & 0xFF
	sa = uint8(id & 0xFF)
	if pf >= 240 {
		pgn = pf<<8 | ps
	} else {
		pgn = pf << 8
	}
	return pgn, sa, true
}

// Decode decodes f. Payloads shorter than 8 bytes are zero padded.
func Decode(f canbus.Frame) Result {
	return decode(f.ID, f.Payload())
}

// DecodeHex decodes a frame given its identifier as hex. Unparseable
// identifiers produce an empty Result.
func DecodeHex(idHex string, data []byte) Result {
	id, err := canbus.ParseIDHex(idHex)
	if err != nil {
		return Result{Signals: Signals{}}
	}
	return decode(id, data)
}

func decode(id uint32, data []byte) Result {
	pgn, sa, ok := Decompose(id)
	if !ok {
		return Result{Signals: Signals{}}
	}
	var b [8]byte
	copy(b[:], data)
	out := Result{PGN: &pgn, SA: &sa, Signals: Signals{}}
	for _, fd := range fieldTable[pgn] {
		out.Signals[fd.name] = fd.extract(b)
	}
	return out
}

// field is one signal of a parameter group: a little-endian unsigned
// integer at b[start:start+size] mapped through transform.
type field struct {
	name      string
	start     int
	size      int
	transform func(raw float64) float64
	round     bool
}

func (fd field) extract(b [8]byte) Value {
	raw := b[fd.start : fd.start+fd.size]
	var u uint32
	for i, c := range raw {
		if c == 0xFF {
			return NA
		}
		u |= uint32(c) << (8 * i)
	}
	v := fd.transform(float64(u))
	if fd.round {
		v = math.Round(v*1000) / 1000
	}
	return Number(v)
}

func scale(k float64) func(float64) float64 {
	return func(raw float64) float64 { return raw * k }
}

func offset(k float64) func(float64) float64 {
	return func(raw float64) float64 { return raw + k }
}

// temperature is the 0.03125 °C/bit, -273 °C offset encoding.
func temperature(raw float64) float64 { return raw/32 - 273 }

func perBit512(raw float64) float64 { return raw / 512 }

var fieldTable = map[uint32][]field{
	PGNEngineHours: {
		{name: "Engine Hours (h)", start: 0, size: 4, transform: scale(0.05), round: true},
	},
	PGNEngineTemperature1: {
		{name: "Coolant Temp (°C)", start: 0, size: 1, transform: offset(-40)},
		{name: "Fuel Temp (°C)", start: 1, size: 1, transform: offset(-40)},
		{name: "Oil Temp (°C)", start: 2, size: 2, transform: temperature, round: true},
	},
	PGNEngineFluidLevelPressure1: {
		{name: "Fuel Delivery Pressure (kPa)", start: 0, size: 1, transform: scale(4)},
		{name: "Engine Oil Pressure (kPa)", start: 3, size: 1, transform: scale(4)},
		{name: "Coolant Pressure (kPa)", start: 6, size: 1, transform: scale(2)},
		{name: "Coolant Level (%)", start: 7, size: 1, transform: scale(0.4), round: true},
	},
	PGNTransmissionFluids1: {
		{name: "Trans Oil Pressure (kPa)", start: 3, size: 1, transform: scale(16)},
		{name: "Trans Oil Temp (°C)", start: 4, size: 2, transform: temperature, round: true},
	},
	PGNFuelEconomy: {
		{name: "Fuel Rate (L/h)", start: 0, size: 2, transform: scale(0.05), round: true},
		{name: "Avg Fuel Economy (km/L)", start: 4, size: 2, transform: perBit512, round: true},
	},
	PGNDashDisplay: {
		{name: "Fuel Level (%)", start: 1, size: 1, transform: scale(0.4), round: true},
	},
	PGNElectronicEngineController2: {
		{name: "Engine Load (%)", start: 2, size: 1, transform: scale(1)},
	},
}

// SignalNames lists the labels decoded for pgn in table order.
func SignalNames(pgn uint32) []string {
	fields := fieldTable[pgn]
	out := make([]string, len(fields))
	for i, fd := range fields {
		out[i] = fd.name
	}
	return out
}

// Supported reports whether Decode extracts signals for pgn.
func Supported(pgn uint32) bool {
	_, ok := fieldTable[pgn]
	return ok
}

// ByPGN matches frames whose identifier carries pgn.
func ByPGN(pgn uint32) canbus.FrameFilter {
	return func(f canbus.Frame) bool {
		got, _, ok := Decompose(f.ID)
		return ok && f.Extended && got == pgn
	}
}

// BySource matches frames sent by source address sa.
func BySource(sa uint8) canbus.FrameFilter {
	return func(f canbus.Frame) bool {
		return f.Extended && uint8(f.ID&0xFF) == sa
	}
}
