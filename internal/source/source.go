// Package source defines the CalendarSource capability and its
// provider implementations. The orchestrator only ever talks to the
// interface; provider selection happens once, in the factory.
package source

import (
	"context"
	"errors"
	"time"

	"calhub/internal/model"
)

// ErrNotAuthenticated is returned by adapters whose credentials are
// missing or rejected. The orchestrator treats it as a soft condition
// and skips the source.
var ErrNotAuthenticated = errors.New("source not authenticated")

// CalendarSource is one calendar account's read-only adapter.
// Implementations enforce their own request timeouts; callers should
// still pass a cancellable context.
type CalendarSource interface {
	// Authenticate establishes credentials with the provider.
	Authenticate(ctx context.Context) error
	// Authenticated reports whether the source is ready to fetch.
	Authenticated() bool
	// Calendars lists the account's calendars.
	Calendars(ctx context.Context) ([]model.CalendarInfo, error)
	// Events lists events of one calendar within [from, to],
	// expanded to single instances.
	Events(ctx context.Context, calendarID string, from, to time.Time) ([]model.CalendarEvent, error)
	// SourceType identifies the provider ("google", "caldav").
	SourceType() string
	// Close releases provider resources.
	Close() error
}
