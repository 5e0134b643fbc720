package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/bulkrelay/internal/hub"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// frame is one feed payload on the multiplexed socket.
type frame struct {
	Feed string          `json:"feed"`
	Data json.RawMessage `json:"data"`
}

// clientMessage is a subscription change sent by the browser.
type clientMessage struct {
	Type string `json:"type"` // subscribe | unsubscribe
	Feed string `json:"feed"`
}

// wsClient is one browser socket carrying any number of feeds.
type wsClient struct {
	id   string
	ctx  context.Context
	conn *websocket.Conn
	srv  *Server
	log  zerolog.Logger
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	feeds     map[hub.Feed]*feedSink
}

// feedSink tags payloads with their feed before they reach the socket.
type feedSink struct {
	feed   hub.Feed
	client *wsClient
}

func (f *feedSink) Write(payload []byte) error {
	data := json.RawMessage(payload)
	if !json.Valid(payload) {
		data, _ = json.Marshal(string(payload))
	}
	msg, err := json.Marshal(frame{Feed: string(f.feed), Data: data})
	if err != nil {
		return err
	}
	return f.client.enqueue(msg)
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin allows requests without an Origin header, same-host origins,
// and the configured allow list ("*" allows all).
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// handleWebSocket multiplexes feeds over one socket. The initial set comes
// from ?feeds=a,b (all feeds when absent); the client may subscribe and
// unsubscribe later.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	feeds, ok := parseFeeds(r.URL.Query().Get("feeds"))
	if !ok {
		http.Error(w, "Unknown feed", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:    uuid.NewString(),
		ctx:   r.Context(),
		conn:  conn,
		srv:   s,
		send:  make(chan []byte, sinkBuffer),
		done:  make(chan struct{}),
		feeds: make(map[hub.Feed]*feedSink),
	}
	c.log = s.log.With().Str("subscriber", c.id).Logger()
	c.log.Debug().Int("feeds", len(feeds)).Msg("websocket client connected")

	go c.writePump()
	for _, f := range feeds {
		c.subscribe(f)
	}
	c.readPump()
}

func parseFeeds(v string) ([]hub.Feed, bool) {
	if strings.TrimSpace(v) == "" {
		return hub.Feeds, true
	}
	var out []hub.Feed
	for _, name := range strings.Split(v, ",") {
		f, ok := hub.ParseFeed(strings.TrimSpace(name))
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func (c *wsClient) enqueue(msg []byte) error {
	select {
	case <-c.done:
		return hub.ErrSinkClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		// A slow socket loses every feed at once.
		c.close()
		return hub.ErrSinkFull
	}
}

func (c *wsClient) subscribe(f hub.Feed) {
	c.mu.Lock()
	if _, ok := c.feeds[f]; ok {
		c.mu.Unlock()
		return
	}
	sink := &feedSink{feed: f, client: c}
	c.feeds[f] = sink
	c.mu.Unlock()

	c.srv.hub.Subscribe(f, sink)
	if f == hub.FeedStatus {
		if data, err := c.srv.statusSnapshot(c.ctx); err == nil {
			_ = sink.Write(data)
		}
	}
}

func (c *wsClient) unsubscribe(f hub.Feed) {
	c.mu.Lock()
	sink, ok := c.feeds[f]
	delete(c.feeds, f)
	c.mu.Unlock()
	if ok {
		c.srv.hub.Unsubscribe(f, sink)
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump reads subscription changes until the socket fails.
func (c *wsClient) readPump() {
	defer func() {
		c.mu.Lock()
		feeds := make([]hub.Feed, 0, len(c.feeds))
		for f := range c.feeds {
			feeds = append(feeds, f)
		}
		c.mu.Unlock()
		for _, f := range feeds {
			c.unsubscribe(f)
		}
		c.close()
		_ = c.conn.Close()
		c.log.Debug().Msg("websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		f, ok := hub.ParseFeed(msg.Feed)
		if !ok {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.subscribe(f)
		case "unsubscribe":
			c.unsubscribe(f)
		}
	}
}

// writePump pumps queued frames and pings to the socket.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-c.srv.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
