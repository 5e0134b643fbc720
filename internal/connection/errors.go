package connection

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrClientNotReady is returned when the status is not READY or the
	// actor's transport does not report connected.
	ErrClientNotReady = errors.New("client not ready")

	// ErrInitializing is returned when an initialization is already running.
	ErrInitializing = errors.New("initialization already in progress")

	// ErrStrategyExhausted means every connection strategy failed in sequence.
	// Automatic retries stop until Refresh is called.
	ErrStrategyExhausted = errors.New("all connection strategies failed")

	// ErrAuthFailure means the messaging network rejected the credentials.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("connection manager closed")
)

// CooldownError is returned when an initialization is requested too soon
// after the previous attempt.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("initialization cooldown: retry in %s", e.Remaining.Round(time.Millisecond))
}

// WaitSeconds is the remaining cooldown rounded up to whole seconds.
func (e *CooldownError) WaitSeconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}

// InitError is an initialization failure on one strategy.
type InitError struct {
	Strategy string
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize via %s: %v", e.Strategy, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
