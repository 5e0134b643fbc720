package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/markus-barta/bulkrelay/internal/hub"
)

const (
	sseKeepalive = 30 * time.Second
	sinkBuffer   = 64
)

// handleFeed streams one hub feed as server-sent events until the client
// disconnects, the server shuts down, or the hub drops a slow subscriber.
func (s *Server) handleFeed(feed hub.Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		sink := hub.NewChanSink(sinkBuffer)
		s.hub.Subscribe(feed, sink)
		defer func() {
			s.hub.Unsubscribe(feed, sink)
			sink.Close()
		}()

		switch feed {
		case hub.FeedStatus:
			// Subscribed first, so nothing published after this snapshot is lost.
			if data, err := s.statusSnapshot(r.Context()); err == nil {
				fmt.Fprintf(w, "data: %s\n\n", data)
			}
		case hub.FeedProgress, hub.FeedResults:
			fmt.Fprint(w, "\n")
		}
		flusher.Flush()

		log := s.log.With().Str("feed", string(feed)).Str("subscriber", sink.ID).Logger()
		log.Debug().Msg("feed client connected")
		defer log.Debug().Msg("feed client disconnected")

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-sink.Done():
				return
			case data := <-sink.C():
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
			case <-keepalive.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// statusSnapshot encodes the current status with READY re-verified.
func (s *Server) statusSnapshot(ctx context.Context) ([]byte, error) {
	snap := s.conn.LiveSnapshot(ctx)
	return json.Marshal(snap.Event(s.now()))
}
