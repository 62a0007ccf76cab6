// Package server implements the HTTP API and the websocket push stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notnil/candiag"
	"github.com/notnil/candiag/canbus"
	"github.com/notnil/candiag/j1939"
	"github.com/notnil/candiag/linkup"
)

// baselineInterfaces are always offered by /api/interfaces.
var baselineInterfaces = []string{"vcan0", "can0"}

const (
	discoverTimeout = 3 * time.Second
	maxBodyBytes    = 1 << 20
)

// Options configures a Server.
type Options struct {
	// NewManager builds the bus manager on first use.
	NewManager func() *candiag.Manager

	// Linker runs link bring-up commands.
	Linker *linkup.Linker

	// BatchTimeout and BatchMax size the stream pump (default 20ms, 200).
	BatchTimeout time.Duration
	BatchMax     int

	Logger *slog.Logger
}

// Server serves the API. The bus manager is built lazily so the server
// answers health requests while a slow capability probe runs.
type Server struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
	hub    *Hub

	ctx    context.Context
	cancel context.CancelFunc

	once    sync.Once
	manager atomic.Pointer[candiag.Manager]
	hubDone chan struct{}
}

// New creates a server. Close releases the manager and the stream pump.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Linker == nil {
		opts.Linker = linkup.New(linkup.ElevateAuto, opts.Logger)
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 20 * time.Millisecond
	}
	if opts.BatchMax <= 0 {
		opts.BatchMax = 200
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		mux:     http.NewServeMux(),
		ctx:     ctx,
		cancel:  cancel,
		hubDone: make(chan struct{}),
	}
	s.hub = NewHub(s.pull, opts.BatchTimeout, opts.BatchMax, opts.Logger)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/interfaces", s.handleInterfaces)
	s.mux.HandleFunc("POST /api/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("POST /api/selftest", s.handleSelfTest)
	s.mux.HandleFunc("POST /api/send", s.handleSend)
	s.mux.HandleFunc("GET /api/decode", s.handleDecode)
	s.mux.HandleFunc("POST /api/link/up", s.handleLinkUp)
	s.mux.HandleFunc("POST /api/link/setup", s.handleLinkSetup)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Manager returns the bus manager, building it and starting the stream
// pump on first call.
func (s *Server) Manager() *candiag.Manager {
	s.once.Do(func() {
		m := s.opts.NewManager()
		s.manager.Store(m)
		go func() {
			defer close(s.hubDone)
			s.hub.Run(s.ctx)
		}()
		s.logger.Info("bus manager ready", "preferred", m.Registry().Preferred())
	})
	return s.manager.Load()
}

// Warm builds the manager in the background.
func (s *Server) Warm() {
	go s.Manager()
}

// Close stops the stream pump and disconnects the bus.
func (s *Server) Close() error {
	s.cancel()
	m := s.manager.Load()
	if m == nil {
		return nil
	}
	<-s.hubDone
	return m.Close()
}

func (s *Server) pull(ctx context.Context, timeout time.Duration, max int) []canbus.Frame {
	return s.manager.Load().GetRxBatch(ctx, timeout, max)
}

// health never builds the manager.
func (s *Server) health() map[string]any {
	m := s.manager.Load()
	if m == nil {
		return map[string]any{"ready": false, "channel": nil, "status": "initializing"}
	}
	h := m.HealthSnapshot()
	h["ready"] = true
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error(), "error_class": candiag.ErrClass(err)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), discoverTimeout)
	defer cancel()
	names := append([]string{}, baselineInterfaces...)
	names = append(names, s.Manager().DiscoverInterfaces(ctx)...)
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"interfaces": out})
}

type connectRequest struct {
	Channel string `json:"channel"`
	Bitrate int    `json:"bitrate"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Channel == "" {
		writeError(w, http.StatusBadRequest, errors.New("channel is required"))
		return
	}
	m := s.Manager()
	msg, err := m.Connect(r.Context(), req.Channel, req.Bitrate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "connected",
		"channel": req.Channel,
		"message": msg,
		"info":    s.health(),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.Manager().Disconnect(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected"})
}

type selfTestRequest struct {
	TimeoutMs int `json:"timeout_ms"`
}

func (s *Server) handleSelfTest(w http.ResponseWriter, r *http.Request) {
	var req selfTestRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := s.Manager().SelfTest(r.Context(), time.Duration(req.TimeoutMs)*time.Millisecond)
	writeJSON(w, http.StatusOK, res)
}

type sendRequest struct {
	Frames []candiag.SendItem `json:"frames"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	results := s.Manager().SendBatch(r.Context(), req.Frames)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data, err := canbus.ParseDataHex(q.Get("data_hex"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := j1939.DecodeHex(q.Get("id_hex"), data)
	out := map[string]any{"pgn": res.PGN, "sa": res.SA, "decoded": res.Signals, "name": nil}
	if res.PGN != nil {
		if name := j1939.Name(*res.PGN); name != "" {
			out["name"] = name
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type linkUpRequest struct {
	Iface   string `json:"iface"`
	Bitrate int    `json:"bitrate"`
	Virtual bool   `json:"virtual"`
}

func (s *Server) handleLinkUp(w http.ResponseWriter, r *http.Request) {
	var req linkUpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var err error
	if req.Virtual {
		err = s.opts.Linker.BringUpVirtual(r.Context(), req.Iface)
	} else {
		err = s.opts.Linker.BringUp(r.Context(), req.Iface, req.Bitrate)
	}
	var cmdErr *linkup.CommandError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "up", "iface": req.Iface})
	case errors.Is(err, linkup.ErrElevationCancelled):
		writeError(w, http.StatusForbidden, err)
	case errors.As(err, &cmdErr):
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":       err.Error(),
			"error_class": candiag.ErrClass(err),
			"exit_code":   cmdErr.ExitCode,
			"stderr":      cmdErr.Stderr,
		})
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func (s *Server) handleLinkSetup(w http.ResponseWriter, r *http.Request) {
	env := s.opts.Linker.EnsureEnvironment(r.Context())
	status := http.StatusOK
	if !env.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, env)
}
