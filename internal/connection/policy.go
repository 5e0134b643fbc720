package connection

import "time"

// RetryPolicy holds every delay and limit the state machine uses.
type RetryPolicy struct {
	// MaxRetries bounds automatic re-initializations between successes.
	MaxRetries int

	// Backoff is the delay before retrying a failed initialization or auth failure.
	Backoff time.Duration

	// ReconnectDelay is the delay before re-initializing after a disconnect.
	ReconnectDelay time.Duration

	// SignoutDelay is the delay before re-initializing after a signout.
	SignoutDelay time.Duration

	// Cooldown is the minimum spacing between initialization attempts.
	Cooldown time.Duration

	// SettleDelay follows the release of the previous actor.
	SettleDelay time.Duration

	DestroyTimeout  time.Duration
	LivenessTimeout time.Duration
}

// DefaultRetryPolicy returns the production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		Backoff:         5 * time.Second,
		ReconnectDelay:  5 * time.Second,
		SignoutDelay:    2 * time.Second,
		Cooldown:        10 * time.Second,
		SettleDelay:     1 * time.Second,
		DestroyTimeout:  15 * time.Second,
		LivenessTimeout: 10 * time.Second,
	}
}

func (p RetryPolicy) canRetry(count int) bool {
	return count < p.MaxRetries
}
