// Package cache persists normalized calendar data in a local SQLite
// database. It is the durable read-through mirror the HTTP layer
// serves from, so every operation is safe to call concurrently with
// an in-flight sync.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	applog "calhub/internal/log"
	"calhub/internal/model"
)

const (
	// Bounded retry for transient "database is locked" contention.
	// This is the only automatic retry in the system.
	maxWriteRetries  = 3
	retryBackoffStep = 100 * time.Millisecond
)

// Store is the durable event cache. One Store owns one database
// handle; an internal mutex serializes multi-statement operations so
// a replace-all write can never interleave with a concurrent cleanup.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the database at path and migrates it to the
// latest schema version. A migration failure is fatal to the caller;
// running on a half-upgraded schema is never safe.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// The sqlite driver does not serialize access itself; keep a
	// single connection so transactions see a consistent handle.
	db.SetMaxOpenConns(1)

	if err := NewMigrator(db).MigrateLatest(); err != nil {
		db.Close()
		return nil, err
	}

	applog.Info("cache store opened", "path", path)
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// eventRowKey derives the primary key for a stored event. The natural
// event id is hashed together with the occurrence start time so that
// expanded recurring-event instances, which share one id across many
// start times, never overwrite one another. The same input always
// maps to the same key, which makes repeated stores idempotent.
func eventRowKey(accountID, calendarID string, ev model.CalendarEvent) string {
	h := sha256.Sum256([]byte(accountID + "|" + calendarID + "|" + ev.ID + "|" + ev.StartTime.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(h[:16])
}

// StoreEvents replaces all cached events for (accountID, calendarID)
// with the given set in one transaction, then records the sync in
// sync_status. An empty set is a logged no-op: a zero-result fetch
// must not wipe a calendar, because "no events" upstream is not
// distinguishable from a transient provider hiccup. Callers that
// really want to clear a calendar use ClearAccountData.
func (s *Store) StoreEvents(accountID, calendarID string, events []model.CalendarEvent) error {
	if len(events) == 0 {
		applog.Debug("no events to store, keeping cached data", "account", accountID, "calendar", calendarID)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		now := time.Now().UTC().Format(time.RFC3339)

		if _, err := tx.Exec(
			`DELETE FROM events WHERE account_id = ? AND calendar_id = ?`,
			accountID, calendarID,
		); err != nil {
			return fmt.Errorf("clearing calendar events: %w", err)
		}

		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO events
			(id, event_id, account_id, calendar_id, title, description,
			 start_time, end_time, all_day, location, color, attendees,
			 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			attendees, err := json.Marshal(ev.Attendees)
			if err != nil {
				return fmt.Errorf("encoding attendees for event %s: %w", ev.ID, err)
			}
			if _, err := stmt.Exec(
				eventRowKey(accountID, calendarID, ev),
				ev.ID,
				accountID,
				calendarID,
				ev.Title,
				ev.Description,
				ev.StartTime.UTC().Format(time.RFC3339),
				ev.EndTime.UTC().Format(time.RFC3339),
				ev.AllDay,
				ev.Location,
				ev.Color,
				string(attendees),
				now,
				now,
			); err != nil {
				return fmt.Errorf("inserting event %s: %w", ev.ID, err)
			}
		}

		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO sync_status (account_id, calendar_id, last_sync, event_count, last_error)
			 VALUES (?, ?, ?, ?, NULL)`,
			accountID, calendarID, now, len(events),
		); err != nil {
			return fmt.Errorf("updating sync status: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing events: %w", err)
		}
		applog.Info("stored events", "account", accountID, "calendar", calendarID, "count", len(events))
		return nil
	})
}

// StoreCalendars replaces the calendar metadata for an account.
func (s *Store) StoreCalendars(accountID string, calendars []model.CalendarInfo) error {
	if len(calendars) == 0 {
		applog.Debug("no calendars to store", "account", accountID)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		now := time.Now().UTC().Format(time.RFC3339)

		if _, err := tx.Exec(`DELETE FROM calendars WHERE account_id = ?`, accountID); err != nil {
			return fmt.Errorf("clearing account calendars: %w", err)
		}

		for _, cal := range calendars {
			if _, err := tx.Exec(
				`INSERT INTO calendars
				 (id, account_id, name, description, color, primary_calendar, access_role, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				cal.ID, accountID, cal.Name, cal.Description, cal.Color, cal.Primary, cal.AccessRole, now, now,
			); err != nil {
				return fmt.Errorf("inserting calendar %s: %w", cal.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing calendars: %w", err)
		}
		applog.Info("stored calendars", "account", accountID, "count", len(calendars))
		return nil
	})
}

// GetEvents returns cached events matching the filter, ordered by
// start time ascending. Rows with malformed timestamps are skipped
// with a warning instead of failing the whole query.
func (s *Store) GetEvents(filter model.EventFilter) ([]model.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT event_id, account_id, calendar_id, title, description,
		start_time, end_time, all_day, location, color, attendees
		FROM events WHERE 1=1`
	var args []any

	if !filter.StartAfter.IsZero() {
		query += ` AND end_time >= ?`
		args = append(args, filter.StartAfter.UTC().Format(time.RFC3339))
	}
	if !filter.EndBefore.IsZero() {
		query += ` AND start_time <= ?`
		args = append(args, filter.EndBefore.UTC().Format(time.RFC3339))
	}
	if len(filter.AccountIDs) > 0 {
		query += ` AND account_id IN (` + placeholders(len(filter.AccountIDs)) + `)`
		for _, id := range filter.AccountIDs {
			args = append(args, id)
		}
	}
	if len(filter.CalendarIDs) > 0 {
		query += ` AND calendar_id IN (` + placeholders(len(filter.CalendarIDs)) + `)`
		for _, id := range filter.CalendarIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY start_time ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []model.CalendarEvent
	for rows.Next() {
		var ev model.CalendarEvent
		var startStr, endStr string
		var description, location, color, attendeesJSON sql.NullString
		if err := rows.Scan(
			&ev.ID, &ev.AccountID, &ev.CalendarID, &ev.Title, &description,
			&startStr, &endStr, &ev.AllDay, &location, &color, &attendeesJSON,
		); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev.Description = description.String
		ev.Location = location.String
		ev.Color = color.String

		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			applog.Warn("skipping event with malformed start time", "event", ev.ID, "value", startStr)
			continue
		}
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			applog.Warn("skipping event with malformed end time", "event", ev.ID, "value", endStr)
			continue
		}
		ev.StartTime = start
		ev.EndTime = end

		if attendeesJSON.String != "" && attendeesJSON.String != "null" {
			if err := json.Unmarshal([]byte(attendeesJSON.String), &ev.Attendees); err != nil {
				applog.Warn("skipping malformed attendee list", "event", ev.ID)
			}
		}

		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetCalendars returns cached calendar metadata grouped by account,
// each account's list ordered by name. An empty accountID returns all
// accounts.
func (s *Store) GetCalendars(accountID string) (map[string][]model.CalendarInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, account_id, name, description, color, primary_calendar, access_role
		FROM calendars`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY account_id, name`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying calendars: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]model.CalendarInfo)
	for rows.Next() {
		var cal model.CalendarInfo
		if err := rows.Scan(
			&cal.ID, &cal.AccountID, &cal.Name, &cal.Description,
			&cal.Color, &cal.Primary, &cal.AccessRole,
		); err != nil {
			return nil, fmt.Errorf("scanning calendar row: %w", err)
		}
		result[cal.AccountID] = append(result[cal.AccountID], cal)
	}
	return result, rows.Err()
}

// CleanupOldEvents deletes events whose end time is older than
// retentionDays ago. Runs on its own schedule, independent of sync.
func (s *Store) CleanupOldEvents(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	var deleted int64
	err := s.withRetry(func() error {
		res, err := s.db.Exec(`DELETE FROM events WHERE end_time < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("deleting old events: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		applog.Info("cleaned up old events", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// ClearAccountData removes every event, calendar and status row for
// an account. Used when an account is removed.
func (s *Store) ClearAccountData(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		for _, stmt := range []string{
			`DELETE FROM events WHERE account_id = ?`,
			`DELETE FROM calendars WHERE account_id = ?`,
			`DELETE FROM sync_status WHERE account_id = ?`,
		} {
			if _, err := tx.Exec(stmt, accountID); err != nil {
				return fmt.Errorf("clearing account %s: %w", accountID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing account purge: %w", err)
		}
		applog.Info("cleared account data", "account", accountID)
		return nil
	})
}

// Stats reports cache totals and the cached date range.
func (s *Store) Stats() (model.CacheStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := model.CacheStats{EventsByAccount: make(map[string]int)}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&stats.TotalEvents); err != nil {
		return stats, fmt.Errorf("counting events: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM calendars`).Scan(&stats.TotalCalendars); err != nil {
		return stats, fmt.Errorf("counting calendars: %w", err)
	}

	rows, err := s.db.Query(`SELECT account_id, COUNT(*) FROM events GROUP BY account_id`)
	if err != nil {
		return stats, fmt.Errorf("counting per-account events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var account string
		var count int
		if err := rows.Scan(&account, &count); err != nil {
			return stats, fmt.Errorf("scanning account count: %w", err)
		}
		stats.EventsByAccount[account] = count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var earliest, latest sql.NullString
	if err := s.db.QueryRow(`SELECT MIN(start_time), MAX(end_time) FROM events`).Scan(&earliest, &latest); err != nil {
		return stats, fmt.Errorf("reading event date range: %w", err)
	}
	stats.EarliestEvent = earliest.String
	stats.LatestEvent = latest.String

	return stats, nil
}

// withRetry retries fn on transient lock contention with linear
// backoff, then surfaces the last error.
func (s *Store) withRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxWriteRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		applog.Warn("database busy, retrying", "attempt", attempt, "max", maxWriteRetries)
		time.Sleep(retryBackoffStep * time.Duration(attempt))
	}
	return fmt.Errorf("database busy after %d retries: %w", maxWriteRetries, err)
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
