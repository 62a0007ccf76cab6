package server

import (
	"github.com/notnil/candiag/canbus"
	"github.com/notnil/candiag/j1939"
)

// WireFrame is a captured frame as pushed to stream clients.
type WireFrame struct {
	TS      float64       `json:"ts" cbor:"ts"`
	IDHex   string        `json:"id_hex" cbor:"id_hex"`
	DataHex string        `json:"data_hex" cbor:"data_hex"`
	PGN     *uint32       `json:"pgn" cbor:"pgn"`
	SA      *uint8        `json:"sa" cbor:"sa"`
	Decoded j1939.Signals `json:"decoded" cbor:"decoded"`
	Name    *string       `json:"name" cbor:"name"`
}

// NewWireFrame decodes f. Name is nil for PGNs without a label.
func NewWireFrame(f canbus.Frame) WireFrame {
	res := j1939.Decode(f)
	w := WireFrame{
		TS:      f.Seconds(),
		IDHex:   f.IDHex(),
		DataHex: f.DataHex(),
		PGN:     res.PGN,
		SA:      res.SA,
		Decoded: res.Signals,
	}
	if res.PGN != nil {
		if name := j1939.Name(*res.PGN); name != "" {
			w.Name = &name
		}
	}
	return w
}

func wireFrames(frames []canbus.Frame) []WireFrame {
	out := make([]WireFrame, len(frames))
	for i, f := range frames {
		out[i] = NewWireFrame(f)
	}
	return out
}

// streamMessage is one push to a stream client.
type streamMessage struct {
	Type  string         `json:"type" cbor:"type"`
	Info  map[string]any `json:"info,omitempty" cbor:"info,omitempty"`
	Items []WireFrame    `json:"items,omitempty" cbor:"items,omitempty"`
	Value map[string]any `json:"value,omitempty" cbor:"value,omitempty"`
}
