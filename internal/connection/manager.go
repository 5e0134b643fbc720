// Package connection owns the single messaging client and its lifecycle.
//
// The Manager is a small state machine:
//
//	NOT_READY → INITIALIZING → WAITING_FOR_AUTH_CODE → READY
//	                         ↘ AUTH_FAILED | ERROR
//	READY → DISCONNECTED | AUTH_FAILED → (NOT_READY → INITIALIZING)
//
// Initialization is gated: a request while one is running is dropped, not
// queued. Every automatic re-initialization goes through one RetryPolicy and
// one pending timer. Actor events carry the generation of the handle that
// produced them; events from a replaced handle are ignored.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-barta/bulkrelay/internal/actor"
	"github.com/markus-barta/bulkrelay/internal/hub"
	"github.com/markus-barta/bulkrelay/internal/sessionstore"
	"github.com/rs/zerolog"
)

// Publisher receives status events. It is called with the manager's lock
// held and must not call back into the Manager.
type Publisher interface {
	Publish(feed hub.Feed, v any)
}

// Options configures a Manager.
type Options struct {
	Strategies []actor.Strategy
	Factory    actor.Factory
	Store      sessionstore.Store
	Publisher  Publisher
	Policy     RetryPolicy
	Render     AuthCodeRenderer

	// Now and Sleep default to the real clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager drives the connection state machine.
type Manager struct {
	log        zerolog.Logger
	strategies []actor.Strategy
	factory    actor.Factory
	store      sessionstore.Store
	pub        Publisher
	policy     RetryPolicy
	render     AuthCodeRenderer
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	st         state
	retryTimer *time.Timer
	closed     bool
}

type state struct {
	status       Status
	authCode     string
	actor        actor.Actor
	generation   uint64
	initializing bool
	initGen      uint64 // generation the running initialization belongs to
	retryCount   int
	lastAttempt  time.Time
	cursor       int
	strategy     string
}

// New creates a Manager in NOT_READY. Nothing connects until Initialize.
func New(log zerolog.Logger, opts Options) (*Manager, error) {
	if len(opts.Strategies) == 0 {
		return nil, errors.New("at least one connection strategy is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("actor factory is required")
	}
	if opts.Render == nil {
		opts.Render = RenderQRDataURL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:        log.With().Str("component", "connection").Logger(),
		strategies: opts.Strategies,
		factory:    opts.Factory,
		store:      opts.Store,
		pub:        opts.Publisher,
		policy:     opts.Policy,
		render:     opts.Render,
		now:        opts.Now,
		sleep:      opts.Sleep,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════

// Initialize runs one initialization attempt and blocks until the actor has
// accepted it or every strategy has failed. It returns ErrInitializing or a
// *CooldownError without touching any state.
func (m *Manager) Initialize(ctx context.Context) error {
	gen, old, err := m.begin(false)
	if err != nil {
		return err
	}
	return m.run(ctx, gen, old)
}

// InitializeAsync claims the gate and runs the attempt in the background.
func (m *Manager) InitializeAsync() error {
	gen, old, err := m.begin(false)
	if err != nil {
		return err
	}
	go func() { _ = m.run(m.ctx, gen, old) }()
	return nil
}

// Refresh resets the retry budget and starts a new attempt. This is the only
// way out of a terminal ERROR.
func (m *Manager) Refresh() error {
	gen, old, err := m.begin(true)
	if err != nil {
		return err
	}
	m.log.Info().Msg("manual refresh")
	go func() { _ = m.run(m.ctx, gen, old) }()
	return nil
}

// begin checks the gate and cooldown, then takes ownership of the old handle.
func (m *Manager) begin(resetRetries bool) (uint64, actor.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, nil, ErrClosed
	}
	if m.st.initializing {
		return 0, nil, ErrInitializing
	}
	if rem := m.cooldownRemainingLocked(); rem > 0 {
		return 0, nil, &CooldownError{Remaining: rem}
	}

	m.stopRetryTimerLocked()
	if resetRetries {
		m.st.retryCount = 0
	}
	m.st.initializing = true
	m.st.lastAttempt = m.now()
	old := m.st.actor
	m.st.actor = nil
	m.st.generation++
	m.st.initGen = m.st.generation

	m.setStatusLocked(NotReady, "")
	m.setStatusLocked(Initializing, "")
	return m.st.generation, old, nil
}

var errSuperseded = errors.New("initialization superseded")

const supersededPoll = 250 * time.Millisecond

func (m *Manager) run(ctx context.Context, gen uint64, old actor.Actor) error {
	defer func() {
		m.mu.Lock()
		m.st.initializing = false
		m.mu.Unlock()
	}()

	// Release the previous handle before a new one exists.
	if old != nil {
		m.destroy(old)
	}
	if err := m.sleep(ctx, m.policy.SettleDelay); err != nil {
		return m.fail(gen, err)
	}

	err := m.connect(ctx, gen)
	if errors.Is(err, errSuperseded) {
		m.log.Debug().Uint64("generation", gen).Msg("initialization superseded")
		return nil
	}
	if err != nil {
		return m.fail(gen, err)
	}
	return nil
}

// connect walks the strategy list from the cursor. A rate-limit rejection
// moves on to the next strategy immediately.
func (m *Manager) connect(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	start := m.st.cursor
	m.mu.Unlock()
	if start >= len(m.strategies) {
		start = 0
	}

	fellBack := false
	for i := start; i < len(m.strategies); i++ {
		s := m.strategies[i]
		last := i == len(m.strategies)-1

		m.mu.Lock()
		if gen != m.st.generation {
			m.mu.Unlock()
			return errSuperseded
		}
		m.st.cursor = i
		m.st.strategy = s.String()
		m.mu.Unlock()

		a, err := m.factory.New(s, m.store, m.handlers(gen))
		if err != nil {
			return &InitError{Strategy: s.String(), Err: err}
		}

		m.mu.Lock()
		if gen != m.st.generation {
			m.mu.Unlock()
			m.destroy(a)
			return errSuperseded
		}
		m.st.actor = a
		m.mu.Unlock()

		log := m.log.With().Str("strategy", s.String()).Uint64("generation", gen).Logger()
		log.Info().Msg("initializing client")

		err = m.initActor(ctx, a, s)
		if err == nil {
			m.mu.Lock()
			stale := gen != m.st.generation
			m.mu.Unlock()
			if stale {
				m.destroy(a)
				return errSuperseded
			}
			log.Info().Msg("client initialize accepted")
			return nil
		}

		log.Warn().Err(err).Msg("client initialization failed")
		m.detach(gen, a)
		m.destroy(a)

		initErr := &InitError{Strategy: s.String(), Err: err}
		rateLimited := errors.Is(err, actor.ErrTooManyRequests)
		switch {
		case rateLimited && !last:
			log.Info().Str("next", m.strategies[i+1].String()).Msg("rate limited, switching strategy")
			fellBack = true
			continue
		case rateLimited, fellBack:
			return fmt.Errorf("%w: %w", ErrStrategyExhausted, initErr)
		default:
			return initErr
		}
	}
	return ErrStrategyExhausted
}

func (m *Manager) initActor(ctx context.Context, a actor.Actor, s actor.Strategy) error {
	ctx, cancel := withTimeout(ctx, s.ConnectTimeout)
	defer cancel()
	return a.Initialize(ctx)
}

// fail records a failed attempt and schedules the next one if the budget allows.
func (m *Manager) fail(gen uint64, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.st.generation {
		return err
	}

	m.st.actor = nil
	m.setStatusLocked(Error, "")

	if errors.Is(err, ErrStrategyExhausted) {
		m.st.retryCount = m.policy.MaxRetries
		m.st.cursor = 0
		m.log.Error().Err(err).Msg("all strategies failed, waiting for manual refresh")
		return err
	}

	if m.policy.canRetry(m.st.retryCount) {
		m.st.retryCount++
		m.log.Warn().Err(err).
			Int("attempt", m.st.retryCount).
			Int("max", m.policy.MaxRetries).
			Dur("backoff", m.policy.Backoff).
			Msg("initialization failed, retrying")
		m.scheduleLocked(m.policy.Backoff)
	} else {
		m.log.Error().Err(err).Int("retries", m.st.retryCount).Msg("initialization failed, retry budget exhausted")
	}
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// ACTOR EVENTS
// ═══════════════════════════════════════════════════════════════════════════

func (m *Manager) handlers(gen uint64) actor.Handlers {
	return actor.Handlers{
		OnAuthCode:     func(code string) { m.onAuthCode(gen, code) },
		OnReady:        func() { m.onReady(gen) },
		OnAuthFailure:  func(reason string) { m.onAuthFailure(gen, reason) },
		OnDisconnected: func(reason string) { m.onDisconnected(gen, reason) },
	}
}

func (m *Manager) onAuthCode(gen uint64, code string) {
	rendered, err := m.render(code)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.st.generation {
		return
	}
	if err != nil {
		m.log.Error().Err(err).Msg("failed to render auth code")
		m.setStatusLocked(Error, "")
		return
	}
	m.log.Info().Msg("auth code issued")
	m.setStatusLocked(WaitingForAuthCode, rendered)
}

// onReady double-checks the transport; ready has been seen to fire before
// the client is actually connected.
func (m *Manager) onReady(gen uint64) {
	m.mu.Lock()
	if gen != m.st.generation {
		m.mu.Unlock()
		return
	}
	a := m.st.actor
	m.mu.Unlock()

	var (
		state actor.State
		err   error
	)
	if a == nil {
		err = ErrClientNotReady
	} else {
		ctx, cancel := withTimeout(m.ctx, m.policy.LivenessTimeout)
		state, err = a.State(ctx)
		cancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.st.generation {
		return
	}

	if err == nil && state == actor.StateConnected {
		m.st.retryCount = 0
		m.st.cursor = 0
		m.log.Info().Msg("client ready")
		m.setStatusLocked(Ready, "")
		return
	}

	m.log.Warn().Err(err).Str("state", string(state)).Msg("false ready, client not connected")
	if m.policy.canRetry(m.st.retryCount) {
		m.st.retryCount++
		m.setStatusLocked(NotReady, "")
		m.scheduleLocked(0)
		return
	}
	m.setStatusLocked(Error, "")
}

func (m *Manager) onAuthFailure(gen uint64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.st.generation {
		return
	}

	err := fmt.Errorf("%w: %s", ErrAuthFailure, reason)
	m.setStatusLocked(AuthFailed, "")

	if m.policy.canRetry(m.st.retryCount) {
		m.st.retryCount++
		m.log.Warn().Err(err).Int("attempt", m.st.retryCount).Msg("auth failure, retrying")
		m.scheduleLocked(m.policy.Backoff)
		return
	}
	m.log.Error().Err(err).Msg("auth failure, retry budget exhausted")
	m.setStatusLocked(Error, "")
}

func (m *Manager) onDisconnected(gen uint64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.st.generation {
		return
	}

	m.log.Warn().Str("reason", reason).Msg("client disconnected")
	m.setStatusLocked(Disconnected, "")

	if m.policy.canRetry(m.st.retryCount) {
		m.st.retryCount++
		m.scheduleLocked(m.policy.ReconnectDelay)
		return
	}
	m.log.Error().Int("retries", m.st.retryCount).Msg("not reconnecting, retry budget exhausted")
	m.setStatusLocked(Error, "")
}

// ═══════════════════════════════════════════════════════════════════════════
// CAPABILITIES
// ═══════════════════════════════════════════════════════════════════════════

// EnsureReady fails with ErrClientNotReady unless the status is READY and a
// fresh liveness query reports connected.
func (m *Manager) EnsureReady(ctx context.Context) error {
	m.mu.Lock()
	status, a := m.st.status, m.st.actor
	m.mu.Unlock()

	if status != Ready || a == nil {
		return fmt.Errorf("%w: status is %s", ErrClientNotReady, status)
	}

	ctx, cancel := withTimeout(ctx, m.policy.LivenessTimeout)
	defer cancel()
	state, err := a.State(ctx)
	if err != nil {
		return fmt.Errorf("%w: liveness check: %v", ErrClientNotReady, err)
	}
	if state != actor.StateConnected {
		return fmt.Errorf("%w: connection is not stable (state %s)", ErrClientNotReady, state)
	}
	return nil
}

// Send delivers one message through the current client.
func (m *Manager) Send(ctx context.Context, to, body string) error {
	m.mu.Lock()
	a := m.st.actor
	m.mu.Unlock()
	if a == nil {
		return fmt.Errorf("%w: no client", ErrClientNotReady)
	}
	return a.SendMessage(ctx, to, body)
}

// Signout logs the client out, releases it and schedules a fresh
// initialization after the signout delay.
func (m *Manager) Signout(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	a := m.st.actor
	m.st.actor = nil
	m.st.generation++
	m.stopRetryTimerLocked()
	m.setStatusLocked(NotReady, "")
	m.mu.Unlock()

	var err error
	if a != nil {
		if lerr := a.Logout(ctx); lerr != nil {
			err = fmt.Errorf("logout: %w", lerr)
			m.log.Warn().Err(lerr).Msg("logout failed")
		}
		m.destroy(a)
	}

	m.mu.Lock()
	m.st.retryCount = 0
	m.scheduleLocked(m.policy.SignoutDelay)
	m.mu.Unlock()

	m.log.Info().Msg("signed out")
	return err
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// LiveSnapshot is Snapshot with READY re-verified against the actor.
// A READY status whose transport no longer reports connected is reported
// as NOT_READY.
func (m *Manager) LiveSnapshot(ctx context.Context) Snapshot {
	snap := m.Snapshot()
	if snap.Status != Ready {
		return snap
	}
	if err := m.EnsureReady(ctx); err != nil {
		snap.Status = NotReady
	}
	return snap
}

// Close stops pending retries and destroys the client.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopRetryTimerLocked()
	a := m.st.actor
	m.st.actor = nil
	m.st.generation++
	m.mu.Unlock()

	m.cancel()
	if a != nil {
		if err := a.Destroy(ctx); err != nil {
			return fmt.Errorf("destroy client: %w", err)
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

// setStatusLocked transitions and publishes. The auth code is kept only
// for WAITING_FOR_AUTH_CODE.
func (m *Manager) setStatusLocked(s Status, authCode string) {
	m.st.status = s
	if s == WaitingForAuthCode {
		m.st.authCode = authCode
	} else {
		m.st.authCode = ""
	}
	m.pub.Publish(hub.FeedStatus, m.snapshotLocked().Event(m.now()))
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Status:       m.st.status,
		AuthCode:     m.st.authCode,
		RetryCount:   m.st.retryCount,
		Strategy:     m.st.strategy,
		Initializing: m.st.initializing,
		HasClient:    m.st.actor != nil,
		LastAttempt:  m.st.lastAttempt,
	}
}

func (m *Manager) cooldownRemainingLocked() time.Duration {
	if m.st.lastAttempt.IsZero() {
		return 0
	}
	return m.policy.Cooldown - m.now().Sub(m.st.lastAttempt)
}

// scheduleLocked arms the single retry timer. The delay is stretched to
// cover any remaining cooldown.
func (m *Manager) scheduleLocked(delay time.Duration) {
	if m.closed {
		return
	}
	if rem := m.cooldownRemainingLocked(); rem > delay {
		delay = rem
	}
	m.stopRetryTimerLocked()

	m.log.Debug().Dur("delay", delay).Msg("re-initialization scheduled")
	m.retryTimer = time.AfterFunc(delay, m.retry)
}

func (m *Manager) retry() {
	err := m.Initialize(m.ctx)

	var cooldown *CooldownError
	switch {
	case errors.As(err, &cooldown):
		m.mu.Lock()
		m.scheduleLocked(cooldown.Remaining)
		m.mu.Unlock()
	case errors.Is(err, ErrInitializing):
		// A superseded attempt is still unwinding; it will not schedule
		// anything itself, so try again shortly.
		m.mu.Lock()
		if m.st.initializing && m.st.initGen != m.st.generation {
			m.scheduleLocked(supersededPoll)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) stopRetryTimerLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// detach drops a handle that failed to initialize.
func (m *Manager) detach(gen uint64, a actor.Actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.st.generation && m.st.actor == a {
		m.st.actor = nil
	}
}

func (m *Manager) destroy(a actor.Actor) {
	ctx, cancel := withTimeout(context.Background(), m.policy.DestroyTimeout)
	defer cancel()
	if err := a.Destroy(ctx); err != nil {
		m.log.Warn().Err(err).Msg("failed to destroy previous client")
	}
}

// withTimeout treats a non-positive duration as no timeout.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(hub.Feed, any) {}
