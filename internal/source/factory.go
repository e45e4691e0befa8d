package source

import (
	"fmt"

	"calhub/internal/config"
)

// New builds the adapter for an account configuration. This is the
// only place that branches on provider type.
func New(acc config.AccountConfig, maxEvents int) (CalendarSource, error) {
	switch acc.Provider {
	case "google":
		return NewGoogleSource(acc, maxEvents), nil
	case "caldav":
		return NewCalDAVSource(acc, maxEvents), nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", acc.Provider)
	}
}
