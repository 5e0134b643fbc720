// Package sessionstore persists the messaging client's login state.
//
// The automation actor saves and restores its session through the Store
// interface. Backends are interchangeable:
//   - Memory: process-local, for tests and throwaway runs
//   - SQLite: key-value table on local disk (default)
//   - Postgres: document table via gorm
package sessionstore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Store is the capability set the authentication strategy relies on.
// Get returns nil data and no error when the session does not exist.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) ([]byte, error)
	Set(ctx context.Context, id string, data []byte) error
	Remove(ctx context.Context, id string) error
	Close() error
}

// Error wraps a backend failure with the operation and session id.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session store %s %q: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, ID: id, Err: err}
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultPrefix namespaces session keys.
const DefaultPrefix = "RemoteAuth-"

// Config selects and configures a backend.
type Config struct {
	Driver string
	Path   string // sqlite
	DSN    string // postgres
	Prefix string
}

// Open creates the configured backend.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	log = log.With().Str("component", "sessionstore").Str("driver", cfg.Driver).Logger()

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case DriverMemory:
		s = NewMemory()
	case DriverSQLite, "":
		path := cfg.Path
		if path == "" {
			path = filepath.Join("data", "sessions.db")
		}
		s, err = OpenSQLite(path)
	case DriverPostgres:
		s, err = OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown session driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("prefix", prefix).Msg("session store ready")
	return WithPrefix(s, prefix), nil
}

// WithPrefix returns a Store that namespaces every id with prefix.
func WithPrefix(s Store, prefix string) Store {
	if prefix == "" {
		return s
	}
	return &prefixed{inner: s, prefix: prefix}
}

type prefixed struct {
	inner  Store
	prefix string
}

func (p *prefixed) Exists(ctx context.Context, id string) (bool, error) {
	return p.inner.Exists(ctx, p.prefix+id)
}

func (p *prefixed) Get(ctx context.Context, id string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+id)
}

func (p *prefixed) Set(ctx context.Context, id string, data []byte) error {
	return p.inner.Set(ctx, p.prefix+id, data)
}

func (p *prefixed) Remove(ctx context.Context, id string) error {
	return p.inner.Remove(ctx, p.prefix+id)
}

func (p *prefixed) Close() error { return p.inner.Close() }
