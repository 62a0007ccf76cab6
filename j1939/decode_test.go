package j1939

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/candiag/canbus"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func num(t *testing.T, v Value) float64 {
	t.Helper()
	f, ok := v.Float()
	require.True(t, ok, "value is N/A")
	return f
}

func TestEngineHours(t *testing.T) {
	r := DecodeHex("18FEE5FF", mustHex(t, "A0860100FFFFFFFF"))
	require.NotNil(t, r.PGN)
	require.NotNil(t, r.SA)
	assert.Equal(t, uint32(65253), *r.PGN)
	assert.Equal(t, uint8(0xFF), *r.SA)
	assert.Equal(t, 5000.0, num(t, r.Signals["Engine Hours (h)"]))
}

func TestEngineTemperature(t *testing.T) {
	r := DecodeHex("18FEEEFF", mustHex(t, "2241602DFFFFFFFF"))
	require.NotNil(t, r.PGN)
	assert.Equal(t, uint32(65262), *r.PGN)
	assert.Equal(t, -6.0, num(t, r.Signals["Coolant Temp (°C)"]))
	assert.Equal(t, 25.0, num(t, r.Signals["Fuel Temp (°C)"]))
	assert.Equal(t, 90.0, num(t, r.Signals["Oil Temp (°C)"]))
}

func TestDecodeFrame(t *testing.T) {
	f, err := canbus.FrameFromHex("0CF00300", "000032")
	require.NoError(t, err)
	r := Decode(f)
	require.NotNil(t, r.PGN)
	assert.Equal(t, PGNElectronicEngineController2, *r.PGN)
	assert.Equal(t, uint8(0), *r.SA)
	assert.Equal(t, 50.0, num(t, r.Signals["Engine Load (%)"]))
}

func TestOtherGroups(t *testing.T) {
	r := DecodeHex("18FEEF00", mustHex(t, "19FFFF20FFFF7AC8"))
	assert.Equal(t, 100.0, num(t, r.Signals["Fuel Delivery Pressure (kPa)"]))
	assert.Equal(t, 128.0, num(t, r.Signals["Engine Oil Pressure (kPa)"]))
	assert.Equal(t, 244.0, num(t, r.Signals["Coolant Pressure (kPa)"]))
	assert.Equal(t, 80.0, num(t, r.Signals["Coolant Level (%)"]))

	r = DecodeHex("18FEF803", mustHex(t, "FFFFFF0A602D"))
	assert.Equal(t, 160.0, num(t, r.Signals["Trans Oil Pressure (kPa)"]))
	assert.Equal(t, 90.0, num(t, r.Signals["Trans Oil Temp (°C)"]))

	r = DecodeHex("18FEF200", mustHex(t, "6400FFFF0006"))
	assert.Equal(t, 5.0, num(t, r.Signals["Fuel Rate (L/h)"]))
	assert.Equal(t, 3.0, num(t, r.Signals["Avg Fuel Economy (km/L)"]))

	r = DecodeHex("18FEFC17", mustHex(t, "FF7D"))
	assert.Equal(t, 50.0, num(t, r.Signals["Fuel Level (%)"]))
}

func TestRoundingToThreeDecimals(t *testing.T) {
	// 1/512 = 0.001953125
	r := DecodeHex("18FEF200", mustHex(t, "FFFFFFFF0100"))
	assert.Equal(t, 0.002, num(t, r.Signals["Avg Fuel Economy (km/L)"]))
	assert.Equal(t, NA, r.Signals["Fuel Rate (L/h)"])
}

func TestSentinelYieldsNA(t *testing.T) {
	ids := map[uint32]uint32{
		PGNEngineHours:                 0x18FEE500,
		PGNEngineTemperature1:          0x18FEEE00,
		PGNEngineFluidLevelPressure1:   0x18FEEF00,
		PGNTransmissionFluids1:         0x18FEF800,
		PGNFuelEconomy:                 0x18FEF200,
		PGNDashDisplay:                 0x18FEFC00,
		PGNElectronicEngineController2: 0x0CF00300,
	}
	for pgn, fields := range fieldTable {
		id, ok := ids[pgn]
		require.True(t, ok, "no test id for pgn %d", pgn)
		for _, fd := range fields {
			for i := fd.start; i < fd.start+fd.size; i++ {
				var data [8]byte
				data[i] = 0xFF
				f := canbus.Frame{ID: id, Extended: true, Len: 8, Data: data}
				r := Decode(f)
				assert.False(t, r.Signals[fd.name].Available(), "pgn %d field %q byte %d", pgn, fd.name, i)
			}
		}
	}
}

func TestDecodeIsTotal(t *testing.T) {
	for _, id := range []uint32{0, 1, 0x7FF, 0x00EF0000, 0x18EAFF00, 0x1FFFFFFF} {
		for n := 0; n <= 8; n++ {
			f := canbus.Frame{ID: id, Extended: true, Len: uint8(n), Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
			r := Decode(f)
			assert.NotNil(t, r.PGN)
			assert.NotNil(t, r.Signals)
		}
	}
	r := Decode(canbus.Frame{ID: 0x18FEE5FF, Extended: true})
	assert.Equal(t, 0.0, num(t, r.Signals["Engine Hours (h)"]))
}

func TestInvalidIdentifier(t *testing.T) {
	r := Decode(canbus.Frame{ID: 0x20000000})
	assert.Nil(t, r.PGN)
	assert.Nil(t, r.SA)
	assert.Empty(t, r.Signals)

	r = DecodeHex("not-hex", nil)
	assert.Nil(t, r.PGN)
	assert.NotNil(t, r.Signals)
}

func TestDecompose(t *testing.T) {
	pgn, sa, ok := Decompose(0x18FEE5FF)
	require.True(t, ok)
	assert.Equal(t, uint32(0xFEE5), pgn)
	assert.Equal(t, uint8(0xFF), sa)

	// PDU1: the destination byte is not part of the PGN.
	pgn, sa, ok = Decompose(0x18EA0017)
	require.True(t, ok)
	assert.Equal(t, uint32(0xEA00), pgn)
	assert.Equal(t, uint8(0x17), sa)
	pgn2, _, _ := Decompose(0x18EAFF17)
	assert.Equal(t, pgn, pgn2)
}

func TestUnknownPGNHasNoSignals(t *testing.T) {
	r := DecodeHex("18FECA00", mustHex(t, "0102030405060708"))
	require.NotNil(t, r.PGN)
	assert.Equal(t, uint32(65226), *r.PGN)
	assert.Empty(t, r.Signals)
	assert.False(t, Supported(65226))
	assert.Equal(t, "Active Diagnostic Trouble Codes (DM1)", Name(65226))
}

func TestValueEncoding(t *testing.T) {
	b, err := json.Marshal(Signals{"a": Number(-6), "b": NA, "c": Number(90.5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":-6,"b":"N/A","c":90.5}`, string(b))

	r := DecodeHex("18FEE5FF", mustHex(t, "A0860100"))
	b, err = json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pgn":65253,"sa":255,"decoded":{"Engine Hours (h)":5000}}`, string(b))

	enc, err := cbor.Marshal(Signals{"x": NA, "y": Number(1.5)})
	require.NoError(t, err)
	var back map[string]any
	require.NoError(t, cbor.Unmarshal(enc, &back))
	assert.Equal(t, "N/A", back["x"])
	assert.Equal(t, 1.5, back["y"])

	assert.Equal(t, "N/A", NA.String())
	assert.Equal(t, "12.25", Number(12.25).String())
}

func TestFilters(t *testing.T) {
	f := canbus.MustFrame(0x18FEEE17, nil)
	assert.True(t, ByPGN(PGNEngineTemperature1)(f))
	assert.False(t, ByPGN(PGNEngineHours)(f))
	assert.True(t, BySource(0x17)(f))
	assert.False(t, BySource(0x00)(f))
	assert.Equal(t, []string{"Coolant Temp (°C)", "Fuel Temp (°C)", "Oil Temp (°C)"}, SignalNames(PGNEngineTemperature1))
}
