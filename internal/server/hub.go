package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notnil/candiag/canbus"
)

// Source pulls one batch of captured frames, waiting at most timeout.
type Source func(ctx context.Context, timeout time.Duration, max int) []canbus.Frame

// Hub fans out frame batches from a single Source to any number of
// subscribers via filters.
//
// The receive queue has exactly one consumer: the hub's pump. The pump
// only runs while at least one subscriber exists, so frames are left in
// the queue for other readers when nobody streams. A subscriber whose
// channel is full loses the batch.
type Hub struct {
	src     Source
	timeout time.Duration
	max     int
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[uint64]*subscriber
	next uint64
	wake chan struct{}
}

type subscriber struct {
	filter  canbus.FrameFilter
	ch      chan []canbus.Frame
	dropped atomic.Uint64
}

// NewHub creates a hub pulling batches of up to max frames from src.
func NewHub(src Source, timeout time.Duration, max int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		src:     src,
		timeout: timeout,
		max:     max,
		logger:  logger,
		subs:    make(map[uint64]*subscriber),
		wake:    make(chan struct{}, 1),
	}
}

// Subscribe registers a subscriber receiving the frames accepted by filter
// (nil accepts all), in batches. The cancel function closes the channel.
func (h *Hub) Subscribe(filter canbus.FrameFilter, buffer int) (<-chan []canbus.Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{filter: filter, ch: make(chan []canbus.Frame, buffer)}
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = s
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}

	cancel := func() {
		h.mu.Lock()
		if cur, ok := h.subs[id]; ok && cur == s {
			close(cur.ch)
			delete(h.subs, id)
			if n := cur.dropped.Load(); n > 0 {
				h.logger.Debug("stream subscriber dropped batches", "dropped", n)
			}
		}
		h.mu.Unlock()
	}
	return s.ch, cancel
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Run pumps the source until ctx ends, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		if h.Subscribers() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-h.wake:
				continue
			}
		}
		start := time.Now()
		frames := h.src(ctx, h.timeout, h.max)
		if ctx.Err() != nil {
			return
		}
		if len(frames) > 0 {
			h.dispatch(frames)
			continue
		}
		// The source returns at once while disconnected.
		if rest := h.timeout - time.Since(start); rest > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(rest):
			}
		}
	}
}

func (h *Hub) dispatch(frames []canbus.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		batch := frames
		if s.filter != nil {
			batch = make([]canbus.Frame, 0, len(frames))
			for _, f := range frames {
				if s.filter(f) {
					batch = append(batch, f)
				}
			}
		}
		if len(batch) == 0 {
			continue
		}
		select {
		case s.ch <- batch:
		default:
			s.dropped.Add(1)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}
