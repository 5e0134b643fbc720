// Package actor drives the browser-automation messaging client.
//
// The client runs behind an automation bridge that speaks the protocol
// package's JSON envelope over a WebSocket. A bridge is reached either at a
// remote endpoint or by launching a local bridge process next to a locally
// installed browser. Either way the relay sees the same Actor.
package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markus-barta/bulkrelay/internal/sessionstore"
)

// State is the transport state the actor reports on a liveness query.
type State string

// StateConnected is the only state that counts as live.
const StateConnected State = "CONNECTED"

var (
	// ErrTooManyRequests means the endpoint rejected the connection with a rate-limit signal.
	ErrTooManyRequests = errors.New("too many requests")

	// ErrClosed is returned by calls on an actor that has been destroyed or lost its transport.
	ErrClosed = errors.New("actor closed")

	// ErrNoBrowser means no local browser executable could be found.
	ErrNoBrowser = errors.New("no browser executable found")
)

// Actor is one live handle to the messaging client.
type Actor interface {
	Initialize(ctx context.Context) error
	State(ctx context.Context) (State, error)
	SendMessage(ctx context.Context, to, body string) error
	Logout(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Handlers receive lifecycle events. An actor delivers them one at a time
// from a single goroutine, never concurrently.
type Handlers struct {
	OnAuthCode     func(code string)
	OnReady        func()
	OnAuthFailure  func(reason string)
	OnDisconnected func(reason string)
}

// Kind selects how the bridge is reached.
type Kind string

const (
	KindRemote Kind = "remote"
	KindLocal  Kind = "local"
)

// Strategy is one way of establishing the connection.
type Strategy struct {
	Kind Kind

	// Endpoint is the bridge WebSocket URL (remote).
	Endpoint string

	// Command launches the bridge (local). It is split on whitespace.
	Command string

	// BrowserPath overrides browser discovery (local).
	BrowserPath string

	ConnectTimeout time.Duration
}

func (s Strategy) String() string {
	switch s.Kind {
	case KindRemote:
		return "remote"
	case KindLocal:
		return "local"
	default:
		return fmt.Sprintf("unknown(%s)", string(s.Kind))
	}
}

// Factory constructs actors. Each call yields a fresh handle bound to the
// given store and handlers; nothing is started until Initialize.
type Factory interface {
	New(strategy Strategy, store sessionstore.Store, h Handlers) (Actor, error)
}
