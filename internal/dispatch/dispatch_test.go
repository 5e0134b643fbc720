package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/bulkrelay/internal/hub"
	"github.com/rs/zerolog"
)

// ═══════════════════════════════════════════════════════════════════════════
// VALIDATION
// ═══════════════════════════════════════════════════════════════════════════

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		row         Row
		wantValid   bool
		wantAddress string
		wantInvalid string
	}{
		{"seven digits", Row{"number": "+1234567"}, true, "1234567@c.us", ""},
		{"six digits", Row{"number": "+123456"}, false, "", "+123456"},
		{"no address field", Row{"firstName": "Ann"}, false, "", InvalidPlaceholder},
		{"empty address", Row{"number": ""}, false, "", InvalidPlaceholder},
		{"missing plus", Row{"number": "4915112345678"}, false, "", "4915112345678"},
		{"letters", Row{"number": "+49151abc5678"}, false, "", "+49151abc5678"},
		{"spreadsheet column wins", Row{"WhatsApp Number(with country code)": "+4915112345678", "number": "+1"}, true, "4915112345678@c.us", ""},
		{"surrounding whitespace", Row{"number": "  +4366412345678 "}, true, "4366412345678@c.us", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, invalid := Validate([]Row{tt.row}, DefaultAddressSuffix)
			if tt.wantValid {
				if len(valid) != 1 || len(invalid) != 0 {
					t.Fatalf("Expected valid row, got valid=%v invalid=%v", valid, invalid)
				}
				if valid[0].Address != tt.wantAddress {
					t.Errorf("Expected address '%s', got '%s'", tt.wantAddress, valid[0].Address)
				}
				return
			}
			if len(valid) != 0 || len(invalid) != 1 {
				t.Fatalf("Expected invalid row, got valid=%v invalid=%v", valid, invalid)
			}
			if invalid[0] != tt.wantInvalid {
				t.Errorf("Expected invalid entry '%s', got '%s'", tt.wantInvalid, invalid[0])
			}
		})
	}
}

func TestValidate_NameColumns(t *testing.T) {
	valid, _ := Validate([]Row{
		{"number": "+1234567", "First Name": "Ann", "firstName": "ignored", "lastName": "Lee"},
	}, "@c.us")
	if valid[0].FirstName != "Ann" || valid[0].LastName != "Lee" {
		t.Errorf("Unexpected names %+v", valid[0])
	}
}

func TestPersonalize(t *testing.T) {
	tests := []struct {
		name     string
		template string
		r        Recipient
		want     string
	}{
		{"both", "Hi {firstName} {lastName}", Recipient{FirstName: "Ann", LastName: "Lee"}, "Hi Ann Lee"},
		{"first occurrence only", "Hi {firstName} {lastName}, yes {firstName}", Recipient{FirstName: "Ann", LastName: "Lee"}, "Hi Ann Lee, yes {firstName}"},
		{"missing names", "Hi {firstName}{lastName}!", Recipient{}, "Hi !"},
		{"no placeholders", "Hello", Recipient{FirstName: "Ann"}, "Hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Personalize(tt.template, tt.r); got != tt.want {
				t.Errorf("Personalize() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// ENGINE
// ═══════════════════════════════════════════════════════════════════════════

type fakeSender struct {
	mu        sync.Mutex
	notReady  error
	readyErrs []error // consumed per EnsureReady call after the pre-flight
	sendErrs  []error // consumed per Send call
	sent      []string
	calls     int
	block     chan struct{}
}

func (s *fakeSender) EnsureReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notReady != nil {
		return s.notReady
	}
	if len(s.readyErrs) > 0 {
		err := s.readyErrs[0]
		s.readyErrs = s.readyErrs[1:]
		return err
	}
	return nil
}

func (s *fakeSender) Send(ctx context.Context, to, body string) error {
	s.mu.Lock()
	block := s.block
	s.calls++
	var err error
	if len(s.sendErrs) > 0 {
		err = s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
	}
	if err == nil {
		s.sent = append(s.sent, to+"|"+body)
	}
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

type feedRecorder struct {
	mu     sync.Mutex
	events map[hub.Feed][]any
}

func (r *feedRecorder) Publish(feed hub.Feed, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[hub.Feed][]any)
	}
	r.events[feed] = append(r.events[feed], v)
}

func (r *feedRecorder) get(feed hub.Feed) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events[feed]...)
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.slept {
		if x == d {
			n++
		}
	}
	return n
}

func newTestEngine(sender Sender) (*Engine, *feedRecorder, *sleepRecorder) {
	pub := &feedRecorder{}
	sl := &sleepRecorder{}
	opts := DefaultOptions()
	opts.Sleep = sl.Sleep
	return NewEngine(zerolog.Nop(), sender, pub, opts), pub, sl
}

func rows(numbers ...string) []Row {
	out := make([]Row, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, Row{"number": n, "firstName": "Ann", "lastName": "Lee"})
	}
	return out
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	sender := &fakeSender{sendErrs: []error{errors.New("timeout"), errors.New("timeout"), nil}}
	e, pub, sl := newTestEngine(sender)

	res, err := e.Dispatch(context.Background(), Request{Rows: rows("+4915112345678"), Template: "Hi {firstName}"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if sender.calls != 3 {
		t.Errorf("Expected 3 send attempts, got %d", sender.calls)
	}
	if got := sl.count(2 * time.Second); got != 2 {
		t.Errorf("Expected exactly two 2s pauses, got %d", got)
	}

	statuses := pub.get(hub.FeedMessageStatus)
	if len(statuses) != 1 {
		t.Fatalf("Expected exactly one message-status event, got %d", len(statuses))
	}
	ms := statuses[0].(MessageStatus)
	if !ms.Success || ms.Number != "4915112345678@c.us" || ms.Details != "Hi Ann" {
		t.Errorf("Unexpected status %+v", ms)
	}
	if ms.Message != "Message sent successfully" {
		t.Errorf("Unexpected message %q", ms.Message)
	}
	if res.Summary.Sent != 1 || res.Summary.Failed != 0 {
		t.Errorf("Unexpected summary %+v", res.Summary)
	}
}

func TestDispatch_ExhaustedAttemptsRecordedAsFailure(t *testing.T) {
	sender := &fakeSender{sendErrs: []error{
		errors.New("e1"), errors.New("e2"), errors.New("rate limited"), // first recipient
		nil, // second recipient
	}}
	e, pub, _ := newTestEngine(sender)

	res, err := e.Dispatch(context.Background(), Request{Rows: rows("+1111111", "+2222222"), Template: "x"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if fmt.Sprint(res.Details.Failed) != "[1111111@c.us]" || fmt.Sprint(res.Details.Success) != "[2222222@c.us]" {
		t.Errorf("Unexpected details %+v", res.Details)
	}

	statuses := pub.get(hub.FeedMessageStatus)
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 status events, got %d", len(statuses))
	}
	failed := statuses[0].(MessageStatus)
	if failed.Success || failed.Error != "rate limited" || failed.Message != "Failed to send: rate limited" {
		t.Errorf("Expected last error reported, got %+v", failed)
	}
}

func TestDispatch_ProgressAndPacing(t *testing.T) {
	sender := &fakeSender{}
	e, pub, sl := newTestEngine(sender)

	_, err := e.Dispatch(context.Background(), Request{
		Rows:     rows("+1111111", "+2222222", "+3333333"),
		Template: "x",
		Interval: time.Second,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	progress := pub.get(hub.FeedProgress)
	if fmt.Sprint(progress) != "[33 66 100]" {
		t.Errorf("Expected progress [33 66 100], got %v", progress)
	}
	if got := sl.count(3 * time.Second); got != 3 {
		t.Errorf("Expected 3s floor after each recipient, got %v", sl.slept)
	}
	for _, d := range sl.slept {
		if d < 3*time.Second {
			t.Errorf("Expected no pause below 3s, got %s", d)
		}
	}
}

func TestDispatch_LongerIntervalHonoured(t *testing.T) {
	e, _, sl := newTestEngine(&fakeSender{})
	_, err := e.Dispatch(context.Background(), Request{Rows: rows("+1111111"), Template: "x", Interval: 7500 * time.Millisecond})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sl.count(7500*time.Millisecond) != 1 {
		t.Errorf("Expected 7.5s pause, got %v", sl.slept)
	}
}

func TestDispatch_ResultSummary(t *testing.T) {
	sender := &fakeSender{}
	e, pub, _ := newTestEngine(sender)

	in := append(rows("+1111111", "+2222222"), Row{"number": "+12"}, Row{"firstName": "NoNumber"})
	res, err := e.Dispatch(context.Background(), Request{Rows: in, Template: "Hi {firstName} {lastName}"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	want := Summary{Total: 4, Valid: 2, Invalid: 2, Sent: 2, Failed: 0}
	if res.Summary != want {
		t.Errorf("Expected %+v, got %+v", want, res.Summary)
	}
	if res.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", res.Status)
	}
	if fmt.Sprint(res.Details.InvalidNumbers) != "[+12 Invalid number]" {
		t.Errorf("Unexpected invalid list %v", res.Details.InvalidNumbers)
	}
	if len(pub.get(hub.FeedResults)) != 1 {
		t.Error("Expected final result published once")
	}
	if sender.sent[0] != "1111111@c.us|Hi Ann Lee" {
		t.Errorf("Unexpected first send %q", sender.sent[0])
	}
}

func TestDispatch_RequestErrors(t *testing.T) {
	notReady := errors.New("client not ready")
	tests := []struct {
		name    string
		sender  *fakeSender
		req     Request
		wantErr error
	}{
		{"no rows", &fakeSender{}, Request{Template: "x"}, ErrNoRecipients},
		{"no template", &fakeSender{}, Request{Rows: rows("+1234567")}, ErrNoTemplate},
		{"nothing valid", &fakeSender{}, Request{Rows: rows("123"), Template: "x"}, ErrNoValidRecipients},
		{"not ready", &fakeSender{notReady: notReady}, Request{Rows: rows("+1234567"), Template: "x"}, notReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, pub, _ := newTestEngine(tt.sender)
			res, err := e.Dispatch(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if res != nil {
				t.Errorf("Expected no result, got %+v", res)
			}
			if len(pub.get(hub.FeedProgress)) != 0 || tt.sender.calls != 0 {
				t.Error("Expected nothing sent or published")
			}
		})
	}
}

func TestDispatch_ValidationErrorCarriesInvalid(t *testing.T) {
	e, _, _ := newTestEngine(&fakeSender{})
	_, err := e.Dispatch(context.Background(), Request{Rows: []Row{{"number": "+1"}, {}}, Template: "x"})

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if fmt.Sprint(ve.Invalid) != "[+1 Invalid number]" {
		t.Errorf("Unexpected invalid list %v", ve.Invalid)
	}
}

func TestDispatch_ReadinessLostMidBatch(t *testing.T) {
	sender := &fakeSender{readyErrs: []error{nil, errors.New("connection is not stable")}}
	e, pub, _ := newTestEngine(sender)

	res, err := e.Dispatch(context.Background(), Request{Rows: rows("+1111111", "+2222222"), Template: "x"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Pre-flight consumed the first nil; recipient one sees the failure.
	if res.Summary.Failed != 1 || res.Summary.Sent != 1 {
		t.Errorf("Unexpected summary %+v", res.Summary)
	}
	first := pub.get(hub.FeedMessageStatus)[0].(MessageStatus)
	if first.Success || first.Error != "connection is not stable" {
		t.Errorf("Unexpected status %+v", first)
	}
	if sender.calls != 1 {
		t.Errorf("Expected no send attempts for unready recipient, got %d calls", sender.calls)
	}
}

func TestDispatch_RejectsConcurrentBatch(t *testing.T) {
	block := make(chan struct{})
	sender := &fakeSender{block: block}
	e, _, _ := newTestEngine(sender)

	done := make(chan error, 1)
	go func() {
		_, err := e.Dispatch(context.Background(), Request{Rows: rows("+1111111"), Template: "x"})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		sender.mu.Lock()
		calls := sender.calls
		sender.mu.Unlock()
		if calls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for first dispatch")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := e.Dispatch(context.Background(), Request{Rows: rows("+2222222"), Template: "x"})
	if !errors.Is(err, ErrInProgress) {
		t.Errorf("Expected ErrInProgress, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
}

func TestDispatch_CancelReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pub := &feedRecorder{}
	opts := DefaultOptions()
	opts.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	e := NewEngine(zerolog.Nop(), &fakeSender{}, pub, opts)

	res, err := e.Dispatch(ctx, Request{Rows: rows("+1111111", "+2222222"), Template: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if res == nil || res.Status != StatusAborted || res.Summary.Sent != 1 {
		t.Errorf("Expected partial aborted result, got %+v", res)
	}
	if len(pub.get(hub.FeedResults)) != 0 {
		t.Error("Expected no final result on abort")
	}
}
