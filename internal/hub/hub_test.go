package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// recordingSink captures every payload; fail makes Write return an error.
type recordingSink struct {
	mu     sync.Mutex
	got    []string
	fail   bool
	writes int
}

func (r *recordingSink) Write(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if r.fail {
		return errors.New("broken pipe")
	}
	r.got = append(r.got, string(p))
	return nil
}

func (r *recordingSink) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestPublish_DeliversInOrder(t *testing.T) {
	h := New(zerolog.Nop())
	a, b := &recordingSink{}, &recordingSink{}
	h.Subscribe(FeedProgress, a)
	h.Subscribe(FeedProgress, b)

	for i := 1; i <= 5; i++ {
		h.Publish(FeedProgress, i*20)
	}

	want := []string{"20", "40", "60", "80", "100"}
	for name, s := range map[string]*recordingSink{"a": a, "b": b} {
		got := s.payloads()
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("sink %s: expected %v, got %v", name, want, got)
		}
	}
}

func TestPublish_FeedsAreIndependent(t *testing.T) {
	h := New(zerolog.Nop())
	status, results := &recordingSink{}, &recordingSink{}
	h.Subscribe(FeedStatus, status)
	h.Subscribe(FeedResults, results)

	h.Publish(FeedStatus, map[string]string{"status": "ready"})

	if len(status.payloads()) != 1 {
		t.Errorf("Expected 1 status payload, got %d", len(status.payloads()))
	}
	if len(results.payloads()) != 0 {
		t.Errorf("Expected no results payloads, got %d", len(results.payloads()))
	}
}

func TestPublish_PrunesFailingSink(t *testing.T) {
	h := New(zerolog.Nop())
	good, bad := &recordingSink{}, &recordingSink{fail: true}
	h.Subscribe(FeedMessageStatus, good)
	h.Subscribe(FeedMessageStatus, bad)

	h.Publish(FeedMessageStatus, "first")
	h.Publish(FeedMessageStatus, "second")

	if got := h.Count(FeedMessageStatus); got != 1 {
		t.Errorf("Expected 1 subscriber after prune, got %d", got)
	}
	if bad.writes != 1 {
		t.Errorf("Expected failing sink to be written once, got %d", bad.writes)
	}
	if got := good.payloads(); len(got) != 2 {
		t.Errorf("Expected healthy sink to receive 2 payloads, got %v", got)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	h := New(zerolog.Nop())
	s := &recordingSink{}

	// Never subscribed
	h.Unsubscribe(FeedStatus, s)
	h.Unsubscribe(Feed("nope"), s)

	h.Subscribe(FeedStatus, s)
	h.Unsubscribe(FeedStatus, s)
	h.Unsubscribe(FeedStatus, s)

	if got := h.Count(FeedStatus); got != 0 {
		t.Errorf("Expected 0 subscribers, got %d", got)
	}
	h.Publish(FeedStatus, "ignored")
	if len(s.payloads()) != 0 {
		t.Error("Expected unsubscribed sink to receive nothing")
	}
}

func TestPublish_ConcurrentPublishers(t *testing.T) {
	h := New(zerolog.Nop())
	s := &recordingSink{}
	h.Subscribe(FeedProgress, s)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.Publish(FeedProgress, i)
			}
		}()
	}
	wg.Wait()

	if got := len(s.payloads()); got != 200 {
		t.Errorf("Expected 200 payloads, got %d", got)
	}
}

func TestChanSink(t *testing.T) {
	s := NewChanSink(2)
	if s.ID == "" {
		t.Fatal("Expected sink id")
	}

	if err := s.Write([]byte("a")); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := s.Write([]byte("b")); err != nil {
		t.Fatalf("write b: %v", err)
	}
	if err := s.Write([]byte("c")); !errors.Is(err, ErrSinkFull) {
		t.Errorf("Expected ErrSinkFull, got %v", err)
	}

	if got := string(<-s.C()); got != "a" {
		t.Errorf("Expected 'a', got '%s'", got)
	}

	s.Close()
	s.Close()

	select {
	case <-s.Done():
	default:
		t.Error("Expected Done to be closed")
	}
	if err := s.Write([]byte("d")); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Expected ErrSinkClosed, got %v", err)
	}
}

func TestPublish_ClosesPrunedChanSink(t *testing.T) {
	h := New(zerolog.Nop())
	s := NewChanSink(1)
	h.Subscribe(FeedProgress, s)

	h.Publish(FeedProgress, 1)
	h.Publish(FeedProgress, 2) // buffer full

	select {
	case <-s.Done():
	default:
		t.Error("Expected pruned sink to be closed")
	}
	if got := h.Count(FeedProgress); got != 0 {
		t.Errorf("Expected 0 subscribers, got %d", got)
	}
}

func TestParseFeed(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"status", true},
		{"progress", true},
		{"results", true},
		{"message-status", true},
		{"messages", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseFeed(tt.name)
			if ok != tt.ok {
				t.Errorf("ParseFeed(%q) = %v, want %v", tt.name, ok, tt.ok)
			}
		})
	}
}
