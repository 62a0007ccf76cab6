package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/notnil/candiag/canbus"
	"github.com/notnil/candiag/j1939"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local diagnostic tool, any origin
	},
}

const (
	// heartbeatInterval is the idle time before a health push.
	heartbeatInterval = 50 * time.Millisecond
	writeTimeout      = 5 * time.Second
	subscriberBuffer  = 16
)

// encoder turns a message into a websocket frame.
type encoder func(v any) (messageType int, data []byte, err error)

func encodeJSON(v any) (int, []byte, error) {
	data, err := json.Marshal(v)
	return websocket.TextMessage, data, err
}

func encodeCBOR(v any) (int, []byte, error) {
	data, err := cbor.Marshal(v)
	return websocket.BinaryMessage, data, err
}

// parseStreamQuery reads ?enc=json|cbor, ?ids=HEX,HEX and ?pgn=N,N.
func parseStreamQuery(q url.Values) (encoder, canbus.FrameFilter, error) {
	enc := encoder(encodeJSON)
	switch q.Get("enc") {
	case "", "json":
	case "cbor":
		enc = encodeCBOR
	default:
		return nil, nil, fmt.Errorf("unknown encoding %q", q.Get("enc"))
	}

	var filter canbus.FrameFilter
	if v := q.Get("ids"); v != "" {
		var ids []uint32
		for _, s := range strings.Split(v, ",") {
			id, err := canbus.ParseIDHex(s)
			if err != nil {
				return nil, nil, err
			}
			ids = append(ids, id)
		}
		filter = canbus.ByIDs(ids...)
	}
	if v := q.Get("pgn"); v != "" {
		var byPGN []canbus.FrameFilter
		for _, s := range strings.Split(v, ",") {
			pgn, err := strconv.ParseUint(strings.TrimSpace(s), 10, 18)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid pgn %q", s)
			}
			byPGN = append(byPGN, j1939.ByPGN(uint32(pgn)))
		}
		filter = canbus.All(filter, canbus.Any(byPGN...))
	}
	return enc, filter, nil
}

// handleStream pushes a "connected" snapshot, then "frames" batches, or
// "health" snapshots while the bus is idle.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	enc, filter, err := parseStreamQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	s.Manager()
	clientID := runtimex.PanicOnError1(uuid.NewV7()).String()
	s.logger.Info("stream connected", "client", clientID, "remote", r.RemoteAddr)
	defer s.logger.Info("stream disconnected", "client", clientID)

	batches, cancel := s.hub.Subscribe(filter, subscriberBuffer)
	defer cancel()

	// The client never talks; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg streamMessage) bool {
		mt, data, err := enc(msg)
		if err != nil {
			s.logger.Warn("stream encode failed", "client", clientID, "err", err)
			return false
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(mt, data); err != nil {
			s.logger.Debug("stream write failed", "client", clientID, "err", err)
			return false
		}
		return true
	}

	if !send(streamMessage{Type: "connected", Info: s.health()}) {
		return
	}
	idle := time.NewTimer(heartbeatInterval)
	defer idle.Stop()
	for {
		select {
		case <-closed:
			return
		case <-s.ctx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			if !send(streamMessage{Type: "frames", Items: wireFrames(batch)}) {
				return
			}
		case <-idle.C:
			if !send(streamMessage{Type: "health", Value: s.health()}) {
				return
			}
		}
		idle.Reset(heartbeatInterval)
	}
}
