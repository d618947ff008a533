package driver

import (
	"context"
	"time"
)

// Contact is one address-book entry extracted from a session.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// Config tunes how sessions are opened and driven.
type Config struct {
	// TargetURL is the web client all sessions navigate to on open.
	TargetURL string

	Headless  bool
	ChromeBin string

	// NavTimeout bounds page loads, ActionTimeout bounds individual
	// element interactions.
	NavTimeout    time.Duration
	ActionTimeout time.Duration

	// SettleDelay is waited after interactions that trigger UI updates
	// without a load event.
	SettleDelay time.Duration

	// PacingDelay is the minimum spacing between consecutive sends on
	// one session. Enforced by the caller, carried here so every
	// consumer reads the same value.
	PacingDelay time.Duration
}

// SessionConfig configures one session within a runtime.
type SessionConfig struct {
	SessionID string
	URL       string
}

// Session is the port implemented by automation runtime adapters. One
// session is one logged-in client surface; callers serialize access to
// it through the pool.
type Session interface {
	ID() string

	// HandleID identifies the live runtime resource backing this
	// session. It is persisted so a restart can tell which sessions
	// lost their handle.
	HandleID() string

	Navigate(ctx context.Context, url string) error
	SendMessage(ctx context.Context, recipient, message string) error
	FetchContacts(ctx context.Context) ([]Contact, error)
	Close() error
}

// Runtime opens and owns sessions.
type Runtime interface {
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
	Close() error
}
