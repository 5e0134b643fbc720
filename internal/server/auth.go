package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/markus-barta/bulkrelay/internal/config"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// RateLimiter tracks failed operator attempts per IP in a sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// recent drops expired attempts for ip. Caller holds mu.
func (r *RateLimiter) recent(ip string) []time.Time {
	cutoff := r.now().Add(-r.window)
	var keep []time.Time
	for _, t := range r.attempts[ip] {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	if len(keep) == 0 {
		delete(r.attempts, ip)
	} else {
		r.attempts[ip] = keep
	}
	return keep
}

// Limited reports whether ip has used up its attempts.
func (r *RateLimiter) Limited(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recent(ip)) >= r.limit
}

// Allow records an attempt from ip. Returns false if it was already at the limit.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	recent := r.recent(ip)
	if len(recent) >= r.limit {
		return false
	}
	r.attempts[ip] = append(recent, r.now())
	return true
}

// Reset clears attempts for an IP (on successful auth).
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, ip)
}

// AuthService checks operator credentials. With no token hash configured
// every request is allowed.
type AuthService struct {
	cfg         *config.Config
	rateLimiter *RateLimiter
}

// NewAuthService creates a new auth service.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{
		cfg:         cfg,
		rateLimiter: NewRateLimiter(cfg.Auth.RateLimitRequests, cfg.Auth.RateLimitWindow),
	}
}

// CheckToken verifies the bearer token against the bcrypt hash.
func (a *AuthService) CheckToken(token string) bool {
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.cfg.Auth.TokenHash), []byte(token)) == nil
}

// CheckTOTP verifies the TOTP code.
func (a *AuthService) CheckTOTP(code string) bool {
	if !a.cfg.HasTOTP() {
		return true
	}
	return totp.Validate(code, a.cfg.Auth.TOTPSecret)
}

// requireOperator enforces operator auth when it is configured.
// Browsers cannot set headers on EventSource or WebSocket requests, so GETs
// may pass the credentials as ?token= and ?totp=.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.HasAuth() {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if s.auth.rateLimiter.Limited(ip) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "Too many attempts. Please wait."})
			return
		}

		token, code := credentials(r)
		if s.auth.CheckToken(token) && s.auth.CheckTOTP(code) {
			s.auth.rateLimiter.Reset(ip)
			next.ServeHTTP(w, r)
			return
		}

		s.auth.rateLimiter.Allow(ip)
		s.log.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("rejected operator request")
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
	})
}

func credentials(r *http.Request) (token, code string) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	code = r.Header.Get("X-TOTP-Code")

	if r.Method == http.MethodGet {
		q := r.URL.Query()
		if token == "" {
			token = q.Get("token")
		}
		if code == "" {
			code = q.Get("totp")
		}
	}
	return token, code
}

// clientIP strips the port from RemoteAddr (already rewritten by RealIP).
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
