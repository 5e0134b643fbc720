// Package server exposes the relay over HTTP: auth-code polling, refresh,
// live feeds (SSE and WebSocket), batch dispatch and sign-out.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markus-barta/bulkrelay/internal/config"
	"github.com/markus-barta/bulkrelay/internal/connection"
	"github.com/markus-barta/bulkrelay/internal/dispatch"
	"github.com/markus-barta/bulkrelay/internal/hub"
	"github.com/rs/zerolog"
)

// Connection is the part of the connection manager the HTTP layer drives.
type Connection interface {
	Snapshot() connection.Snapshot
	LiveSnapshot(ctx context.Context) connection.Snapshot
	Refresh() error
	Signout(ctx context.Context) error
}

// Dispatcher runs recipient batches.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Server is the relay's HTTP front end.
type Server struct {
	cfg    *config.Config
	log    zerolog.Logger
	conn   Connection
	engine Dispatcher
	hub    *hub.Hub
	auth   *AuthService
	router *chi.Mux
	now    func() time.Time

	// ctx outlives single requests; batches and streams end with it.
	ctx    context.Context
	cancel context.CancelFunc
	http   *http.Server
}

// New creates a new server.
func New(cfg *config.Config, log zerolog.Logger, conn Connection, engine Dispatcher, h *hub.Hub) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "server").Logger(),
		conn:   conn,
		engine: engine,
		hub:    h,
		auth:   NewAuthService(cfg),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	s.setupRouter()
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireOperator)

		r.Get("/qrcode", s.handleQRCode)
		r.Post("/refresh-qr", s.handleRefresh)
		r.Post("/send-messages", s.handleSendMessages)
		r.Post("/signout", s.handleSignout)

		// Live feeds
		r.Get("/status", s.handleFeed(hub.FeedStatus))
		r.Get("/progress", s.handleFeed(hub.FeedProgress))
		r.Get("/results", s.handleFeed(hub.FeedResults))
		r.Get("/message-status", s.handleFeed(hub.FeedMessageStatus))
		r.Get("/ws", s.handleWebSocket)
	})

	// Static files
	r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the server and blocks until it stops. A clean Shutdown
// returns nil.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Str("version", VersionInfo()).Msg("starting relay server")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends open streams and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.http.Shutdown(ctx)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
