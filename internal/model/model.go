// Package model holds the normalized calendar data types shared between
// the source adapters, the cache store and the HTTP layer.
package model

import "time"

// CalendarEvent is a single normalized event. Source adapters produce
// these; the cache replaces them wholesale per calendar on every sync.
type CalendarEvent struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	CalendarID  string    `json:"calendar_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	AllDay      bool      `json:"all_day"`
	Location    string    `json:"location,omitempty"`
	Color       string    `json:"color,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
}

// Duration returns the length of the event.
func (e CalendarEvent) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// Overlaps reports whether the event intersects the [from, to] window.
func (e CalendarEvent) Overlaps(from, to time.Time) bool {
	return !e.EndTime.Before(from) && !e.StartTime.After(to)
}

// CalendarInfo describes one calendar of an account.
type CalendarInfo struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	Primary     bool   `json:"primary"`
	AccessRole  string `json:"access_role,omitempty"`
}

// EventFilter narrows a cache query. Zero-value time fields mean
// "unbounded"; empty slices mean "all". The window test is overlap:
// an event matches when end >= StartAfter and start <= EndBefore.
type EventFilter struct {
	StartAfter  time.Time
	EndBefore   time.Time
	AccountIDs  []string
	CalendarIDs []string
}

// SyncError is one entry of the orchestrator's bounded error history.
type SyncError struct {
	Time      time.Time `json:"time"`
	AccountID string    `json:"account_id,omitempty"`
	Scope     string    `json:"scope"`
	Message   string    `json:"message"`
}

// SourceStatus is the per-source slice of a status snapshot.
type SourceStatus struct {
	Type          string `json:"type"`
	DisplayName   string `json:"display_name"`
	Authenticated bool   `json:"authenticated"`
}

// SyncStatus is a point-in-time snapshot of the orchestrator state.
// All fields are copies; mutating a snapshot has no effect.
type SyncStatus struct {
	CurrentlySyncing bool                    `json:"currently_syncing"`
	LastFullSync     time.Time               `json:"last_full_sync"`
	TotalEvents      int                     `json:"total_events"`
	TotalCalendars   int                     `json:"total_calendars"`
	Errors           []SyncError             `json:"errors"`
	AccountSyncTimes map[string]time.Time    `json:"account_sync_times"`
	Sources          map[string]SourceStatus `json:"sources"`
}

// CacheStats summarizes cache contents for diagnostics.
type CacheStats struct {
	TotalEvents     int            `json:"total_events"`
	TotalCalendars  int            `json:"total_calendars"`
	EventsByAccount map[string]int `json:"events_by_account"`
	EarliestEvent   string         `json:"earliest_event,omitempty"`
	LatestEvent     string         `json:"latest_event,omitempty"`
}
