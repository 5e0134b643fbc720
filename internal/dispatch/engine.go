package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-barta/bulkrelay/internal/hub"
	"github.com/rs/zerolog"
)

var (
	ErrNoRecipients      = errors.New("no recipients provided")
	ErrNoTemplate        = errors.New("message content is required")
	ErrNoValidRecipients = errors.New("no valid phone numbers found")
	ErrInProgress        = errors.New("a dispatch is already running")
)

// ValidationError reports a batch in which no row validated.
type ValidationError struct {
	Invalid []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s (%d invalid)", ErrNoValidRecipients, len(e.Invalid))
}

func (e *ValidationError) Is(target error) bool { return target == ErrNoValidRecipients }

// Sender is the narrow view of the connection the engine needs.
type Sender interface {
	EnsureReady(ctx context.Context) error
	Send(ctx context.Context, to, body string) error
}

// Publisher receives feed events.
type Publisher interface {
	Publish(feed hub.Feed, v any)
}

// Options tunes delivery. Zero values take the defaults.
type Options struct {
	AddressSuffix string
	SendAttempts  int
	RetryPause    time.Duration
	MinInterval   time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		AddressSuffix: DefaultAddressSuffix,
		SendAttempts:  3,
		RetryPause:    2 * time.Second,
		MinInterval:   3 * time.Second,
	}
}

// Request is one batch submission.
type Request struct {
	Rows     []Row
	Template string
	Interval time.Duration // raised to MinInterval if shorter
}

// MessageStatus is published once per recipient.
type MessageStatus struct {
	Number    string    `json:"number"`
	Message   string    `json:"message"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Summary counts a finished batch. Total counts submitted rows.
type Summary struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// Details lists addresses by outcome.
type Details struct {
	Success        []string `json:"success"`
	Failed         []string `json:"failed"`
	InvalidNumbers []string `json:"invalidNumbers"`
}

// Result is the synchronous dispatch response and the final results event.
type Result struct {
	Status  string  `json:"status"`
	Summary Summary `json:"summary"`
	Details Details `json:"details"`
}

const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// Engine delivers batches through a Sender.
type Engine struct {
	log    zerolog.Logger
	sender Sender
	pub    Publisher
	opts   Options

	running sync.Mutex
}

// NewEngine creates an engine.
func NewEngine(log zerolog.Logger, sender Sender, pub Publisher, opts Options) *Engine {
	def := DefaultOptions()
	if opts.AddressSuffix == "" {
		opts.AddressSuffix = def.AddressSuffix
	}
	if opts.SendAttempts <= 0 {
		opts.SendAttempts = def.SendAttempts
	}
	if opts.RetryPause <= 0 {
		opts.RetryPause = def.RetryPause
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = def.MinInterval
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		log:    log.With().Str("component", "dispatch").Logger(),
		sender: sender,
		pub:    pub,
		opts:   opts,
	}
}

// Dispatch validates the batch and delivers it strictly sequentially.
// Per-recipient failures are recorded, never returned. A cancelled ctx
// stops the loop and returns the partial result with ctx.Err().
func (e *Engine) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if len(req.Rows) == 0 {
		return nil, ErrNoRecipients
	}
	if req.Template == "" {
		return nil, ErrNoTemplate
	}

	recipients, invalid := Validate(req.Rows, e.opts.AddressSuffix)
	if len(recipients) == 0 {
		return nil, &ValidationError{Invalid: invalid}
	}

	if !e.running.TryLock() {
		return nil, ErrInProgress
	}
	defer e.running.Unlock()

	if err := e.sender.EnsureReady(ctx); err != nil {
		return nil, err
	}

	delay := req.Interval
	if delay < e.opts.MinInterval {
		delay = e.opts.MinInterval
	}

	res := &Result{
		Status: StatusCompleted,
		Summary: Summary{
			Total:   len(req.Rows),
			Valid:   len(recipients),
			Invalid: len(invalid),
		},
		Details: Details{
			Success:        make([]string, 0, len(recipients)),
			Failed:         make([]string, 0),
			InvalidNumbers: append(make([]string, 0, len(invalid)), invalid...),
		},
	}

	log := e.log.With().Int("recipients", len(recipients)).Logger()
	log.Info().Int("invalid", len(invalid)).Dur("interval", delay).Msg("dispatch started")

	for i, r := range recipients {
		if err := ctx.Err(); err != nil {
			return e.abort(res, err)
		}

		body := Personalize(req.Template, r)
		status, err := e.deliver(ctx, r.Address, body)
		if err != nil {
			return e.abort(res, err)
		}
		e.pub.Publish(hub.FeedMessageStatus, status)

		if status.Success {
			res.Details.Success = append(res.Details.Success, r.Address)
		} else {
			res.Details.Failed = append(res.Details.Failed, r.Address)
		}

		e.pub.Publish(hub.FeedProgress, (i+1)*100/len(recipients))

		if err := e.opts.Sleep(ctx, delay); err != nil {
			return e.abort(res, err)
		}
	}

	res.Summary.Sent = len(res.Details.Success)
	res.Summary.Failed = len(res.Details.Failed)
	e.pub.Publish(hub.FeedResults, res)

	log.Info().Int("sent", res.Summary.Sent).Int("failed", res.Summary.Failed).Msg("dispatch completed")
	return res, nil
}

// deliver checks readiness then tries the send up to SendAttempts times.
// The error is non-nil only when ctx ends.
func (e *Engine) deliver(ctx context.Context, to, body string) (MessageStatus, error) {
	if err := e.sender.EnsureReady(ctx); err != nil {
		if ctx.Err() != nil {
			return MessageStatus{}, ctx.Err()
		}
		e.log.Warn().Err(err).Str("to", to).Msg("client not ready, skipping recipient")
		return e.failed(to, err), nil
	}

	var lastErr error
	for attempt := 1; attempt <= e.opts.SendAttempts; attempt++ {
		lastErr = e.sender.Send(ctx, to, body)
		if lastErr == nil {
			return MessageStatus{
				Number:    to,
				Message:   "Message sent successfully",
				Success:   true,
				Timestamp: e.opts.Now().UTC(),
				Details:   body,
			}, nil
		}
		if ctx.Err() != nil {
			return MessageStatus{}, ctx.Err()
		}
		if attempt < e.opts.SendAttempts {
			e.log.Debug().Err(lastErr).Str("to", to).
				Int("remaining", e.opts.SendAttempts-attempt).
				Msg("send failed, retrying")
			if err := e.opts.Sleep(ctx, e.opts.RetryPause); err != nil {
				return MessageStatus{}, err
			}
		}
	}

	e.log.Warn().Err(lastErr).Str("to", to).Int("attempts", e.opts.SendAttempts).Msg("send failed")
	return e.failed(to, lastErr), nil
}

func (e *Engine) failed(to string, err error) MessageStatus {
	msg := "Unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return MessageStatus{
		Number:    to,
		Message:   "Failed to send: " + msg,
		Success:   false,
		Timestamp: e.opts.Now().UTC(),
		Error:     msg,
	}
}

func (e *Engine) abort(res *Result, err error) (*Result, error) {
	res.Status = StatusAborted
	res.Summary.Sent = len(res.Details.Success)
	res.Summary.Failed = len(res.Details.Failed)
	e.log.Warn().Err(err).Int("sent", res.Summary.Sent).Msg("dispatch aborted")
	return res, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
