// Package hub fans live updates out to the subscribers of four independent feeds.
package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Feed names one live push channel.
type Feed string

const (
	FeedStatus        Feed = "status"
	FeedProgress      Feed = "progress"
	FeedResults       Feed = "results"
	FeedMessageStatus Feed = "message-status"
)

// Feeds lists every feed in a stable order.
var Feeds = []Feed{FeedStatus, FeedProgress, FeedResults, FeedMessageStatus}

// ParseFeed returns the feed with the given name.
func ParseFeed(name string) (Feed, bool) {
	for _, f := range Feeds {
		if string(f) == name {
			return f, true
		}
	}
	return "", false
}

// Sink is a write-only subscriber. A write error deregisters the sink.
type Sink interface {
	Write(payload []byte) error
}

// Hub maintains feed subscribers and broadcasts payloads to them.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	feeds map[Feed]*feedSet
}

type feedSet struct {
	// publishMu serializes publishes so every sink sees them in call order.
	publishMu sync.Mutex

	mu    sync.Mutex
	sinks map[Sink]struct{}
}

// New creates a new Hub.
func New(log zerolog.Logger) *Hub {
	h := &Hub{
		log:   log.With().Str("component", "hub").Logger(),
		feeds: make(map[Feed]*feedSet, len(Feeds)),
	}
	for _, f := range Feeds {
		h.feeds[f] = &feedSet{sinks: make(map[Sink]struct{})}
	}
	return h
}

func (h *Hub) set(feed Feed) *feedSet {
	h.mu.RLock()
	fs := h.feeds[feed]
	h.mu.RUnlock()
	if fs != nil {
		return fs
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if fs = h.feeds[feed]; fs == nil {
		fs = &feedSet{sinks: make(map[Sink]struct{})}
		h.feeds[feed] = fs
	}
	return fs
}

// Subscribe registers sink under feed.
func (h *Hub) Subscribe(feed Feed, sink Sink) {
	fs := h.set(feed)
	fs.mu.Lock()
	fs.sinks[sink] = struct{}{}
	n := len(fs.sinks)
	fs.mu.Unlock()

	h.log.Debug().Str("feed", string(feed)).Int("subscribers", n).Msg("subscriber registered")
}

// Unsubscribe removes sink from feed. Unknown sinks are ignored.
func (h *Hub) Unsubscribe(feed Feed, sink Sink) {
	h.mu.RLock()
	fs := h.feeds[feed]
	h.mu.RUnlock()
	if fs == nil {
		return
	}

	fs.mu.Lock()
	_, ok := fs.sinks[sink]
	delete(fs.sinks, sink)
	fs.mu.Unlock()

	if ok {
		h.log.Debug().Str("feed", string(feed)).Msg("subscriber removed")
	}
}

// Count returns the number of live subscribers of feed.
func (h *Hub) Count(feed Feed) int {
	h.mu.RLock()
	fs := h.feeds[feed]
	h.mu.RUnlock()
	if fs == nil {
		return 0
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.sinks)
}

// Publish JSON-encodes v and writes it to every sink of feed.
// Sinks whose write fails are dropped from the feed.
func (h *Hub) Publish(feed Feed, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Str("feed", string(feed)).Msg("failed to encode payload")
		return
	}
	h.PublishRaw(feed, data)
}

// PublishRaw writes an already encoded payload to every sink of feed.
func (h *Hub) PublishRaw(feed Feed, data []byte) {
	fs := h.set(feed)

	fs.publishMu.Lock()
	defer fs.publishMu.Unlock()

	// Snapshot so writes never run under the set lock.
	fs.mu.Lock()
	sinks := make([]Sink, 0, len(fs.sinks))
	for s := range fs.sinks {
		sinks = append(sinks, s)
	}
	fs.mu.Unlock()

	var dead []Sink
	for _, s := range sinks {
		if err := s.Write(data); err != nil {
			dead = append(dead, s)
		}
	}
	if len(dead) == 0 {
		return
	}

	fs.mu.Lock()
	for _, s := range dead {
		delete(fs.sinks, s)
	}
	fs.mu.Unlock()

	// Let the owning transport notice it was dropped.
	for _, s := range dead {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}

	h.log.Debug().Str("feed", string(feed)).Int("dropped", len(dead)).Msg("pruned failed subscribers")
}

// ═══════════════════════════════════════════════════════════════════════════
// CHANNEL SINK
// ═══════════════════════════════════════════════════════════════════════════

var (
	ErrSinkClosed = errors.New("sink closed")
	ErrSinkFull   = errors.New("sink buffer full")
)

// ChanSink buffers payloads for a transport goroutine (SSE or WebSocket).
// Write never blocks; a full buffer counts as a failed write.
type ChanSink struct {
	ID string
	ch chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	mu        sync.RWMutex
}

// NewChanSink creates a sink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{
		ID:   uuid.NewString(),
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Write implements Sink.
func (s *ChanSink) Write(payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() {
		return ErrSinkClosed
	}
	select {
	case s.ch <- payload:
		return nil
	default:
		return ErrSinkFull
	}
}

// C returns the channel the transport drains.
func (s *ChanSink) C() <-chan []byte {
	return s.ch
}

// Done is closed once the sink is closed.
func (s *ChanSink) Done() <-chan struct{} {
	return s.done
}

// Close marks the sink closed. It is safe to call more than once.
func (s *ChanSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		s.mu.Unlock()
		close(s.done)
	})
}
