// Package syncer coordinates the periodic refresh of all configured
// calendar sources into the cache store. One Engine runs per process;
// at most one full sync is ever in flight.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calhub/internal/cache"
	"calhub/internal/config"
	applog "calhub/internal/log"
	"calhub/internal/model"
	"calhub/internal/source"
)

// ErrSyncInProgress is the conflict signal for a forced sync while a
// sync is already running. Requests are rejected, never queued.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrUnknownAccount is returned for operations on an unregistered
// account id.
var ErrUnknownAccount = errors.New("unknown account")

const (
	// Error history is a bounded ring so long uptimes cannot grow it.
	maxErrorHistory = 20

	// Give the HTTP listener time to bind before the first sync
	// competes for the network.
	defaultStartupDelay = 2 * time.Second
)

// Engine owns the source adapters and drives the sync and cleanup
// cycles. All mutable state is guarded by one mutex; Status takes a
// consistent snapshot under the same lock.
type Engine struct {
	cfg   *config.Config
	store *cache.Store
	cron  *cron.Cron

	// newSource builds adapters; swapped out by tests.
	newSource    func(config.AccountConfig, int) (source.CalendarSource, error)
	startupDelay time.Duration

	// cron specs for the recurring jobs, derived from config.
	syncSpec    string
	cleanupSpec string

	// wg tracks the background sync workers so Stop can wait for
	// them before closing the store.
	wg sync.WaitGroup

	mu             sync.Mutex
	running        bool
	syncing        bool
	sources        map[string]source.CalendarSource
	accounts       map[string]config.AccountConfig
	errors         []model.SyncError
	lastFullSync   time.Time
	lastSync       map[string]time.Time
	totalEvents    int
	totalCalendars int

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds an Engine over the given store. Call Start to bring it
// to the running state.
func New(cfg *config.Config, store *cache.Store) *Engine {
	return &Engine{
		cfg:          cfg,
		store:        store,
		newSource:    source.New,
		startupDelay: defaultStartupDelay,
		syncSpec:     fmt.Sprintf("@every %dm", cfg.Sync.IntervalMinutes),
		cleanupSpec:  fmt.Sprintf("@every %dh", cfg.Sync.CleanupIntervalHours),
		sources:      make(map[string]source.CalendarSource),
		accounts:     make(map[string]config.AccountConfig),
		lastSync:     make(map[string]time.Time),
	}
}

// NewWithSourceFactory is New with provider construction replaced, so
// callers can inject their own adapters.
func NewWithSourceFactory(cfg *config.Config, store *cache.Store, factory func(config.AccountConfig, int) (source.CalendarSource, error)) *Engine {
	e := New(cfg, store)
	e.newSource = factory
	return e
}

// Start initializes all enabled sources, schedules the recurring sync
// and cleanup jobs and kicks off one sync in the background. It is a
// warning no-op when already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		applog.Warn("sync engine already running")
		return nil
	}
	e.mu.Unlock()

	e.baseCtx, e.cancel = context.WithCancel(ctx)

	e.InitSources(e.baseCtx)

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(e.syncSpec, func() { e.SyncAll(e.baseCtx) }); err != nil {
		e.cancel()
		e.closeSources()
		return fmt.Errorf("scheduling sync job: %w", err)
	}
	if _, err := e.cron.AddFunc(e.cleanupSpec, func() {
		if _, err := e.store.CleanupOldEvents(e.cfg.Sync.RetentionDays); err != nil {
			applog.Error("scheduled cleanup failed", err)
		}
	}); err != nil {
		e.cancel()
		e.closeSources()
		return fmt.Errorf("scheduling cleanup job: %w", err)
	}
	e.cron.Start()

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	applog.Info("sync engine started",
		"sources", len(e.sources),
		"interval_minutes", e.cfg.Sync.IntervalMinutes,
		"cleanup_interval_hours", e.cfg.Sync.CleanupIntervalHours,
	)

	// Initial sync runs in the background after a short delay so the
	// serving layer finishes binding first.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-time.After(e.startupDelay):
		case <-e.baseCtx.Done():
			return
		}
		applog.Info("starting initial sync")
		e.SyncAll(e.baseCtx)
	}()

	return nil
}

// Stop cancels the scheduler, waits for any in-flight sync worker,
// closes every source and closes the store. Calling it twice is a
// harmless no-op with a warning.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		applog.Warn("sync engine not running")
		return
	}
	e.running = false
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}

	// A forced or initial sync may still be running; the store must
	// stay open until it finishes.
	e.wg.Wait()

	e.closeSources()

	if err := e.store.Close(); err != nil {
		applog.Error("closing cache store", err)
	}
	applog.Info("sync engine stopped")
}

// closeSources empties the source map and closes each adapter.
func (e *Engine) closeSources() {
	e.mu.Lock()
	sources := e.sources
	e.sources = make(map[string]source.CalendarSource)
	e.mu.Unlock()

	for id, src := range sources {
		if err := src.Close(); err != nil {
			applog.Error("closing source", err, "account", id)
		}
	}
}

// InitSources builds and authenticates an adapter per enabled
// account. Authentication failures are soft: the source stays
// registered and is skipped until it authenticates. Start calls this;
// one-shot mode calls it directly, without the scheduler.
func (e *Engine) InitSources(ctx context.Context) {
	for _, acc := range e.cfg.Accounts {
		if !acc.Enabled {
			applog.Debug("skipping disabled account", "account", acc.ID)
			continue
		}
		src, err := e.newSource(acc, e.cfg.Sync.MaxEventsPerCalendar)
		if err != nil {
			applog.Error("initializing source", err, "account", acc.ID)
			e.recordError("initialization", acc.ID, err)
			continue
		}
		if err := src.Authenticate(ctx); err != nil {
			applog.Warn("source not authenticated", "account", acc.ID, "reason", err)
		}
		e.mu.Lock()
		e.sources[acc.ID] = src
		e.accounts[acc.ID] = acc
		e.mu.Unlock()
		applog.Debug("initialized source", "account", acc.ID, "type", src.SourceType())
	}
}

// beginSync flips the single-flight flag, clearing the error history
// for the new run. Returns false when a sync is already in progress.
func (e *Engine) beginSync(clearErrors bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncing {
		return false
	}
	e.syncing = true
	if clearErrors {
		e.errors = nil
	}
	return true
}

func (e *Engine) endSync() {
	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()
}

// SyncAll refreshes every registered source. Returns false without
// doing anything when a sync is already running. One source's failure
// never aborts the others.
func (e *Engine) SyncAll(ctx context.Context) bool {
	if !e.beginSync(true) {
		applog.Info("sync already in progress, skipping")
		return false
	}
	defer e.endSync()

	e.runFullSync(ctx)
	return true
}

// ForceSync launches a sync on a background worker and returns
// immediately, or returns ErrSyncInProgress. The in-flight flag is
// claimed before the worker starts, so two concurrent calls can never
// both launch. The worker runs under the engine's lifecycle context,
// not the caller's, so it survives a returning HTTP handler.
func (e *Engine) ForceSync() error {
	if !e.beginSync(true) {
		return ErrSyncInProgress
	}
	ctx := e.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.endSync()
		e.runFullSync(ctx)
	}()
	applog.Info("forced sync started")
	return nil
}

// runFullSync iterates all sources. Caller must hold the sync flag.
func (e *Engine) runFullSync(ctx context.Context) {
	started := time.Now()
	applog.Info("starting full sync")

	// Even an unexpected panic out of an adapter must not leave the
	// engine stuck in the syncing state.
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during sync: %v", r)
			applog.Error("full sync aborted", err)
			e.recordError("full_sync", "", err)
		}
	}()

	e.mu.Lock()
	ids := make([]string, 0, len(e.sources))
	for id := range e.sources {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	totalEvents, totalCalendars := 0, 0
	for _, id := range ids {
		e.mu.Lock()
		src, ok := e.sources[id]
		acc := e.accounts[id]
		e.mu.Unlock()
		if !ok {
			continue
		}

		events, calendars, err := e.syncSource(ctx, src, acc)
		if err != nil {
			applog.Error("source sync failed", err, "account", id)
			e.recordError("source_sync", id, err)
			continue
		}
		totalEvents += events
		totalCalendars += calendars

		e.mu.Lock()
		e.lastSync[id] = time.Now()
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.lastFullSync = time.Now()
	e.totalEvents = totalEvents
	e.totalCalendars = totalCalendars
	e.mu.Unlock()

	applog.Info("full sync completed",
		"duration", time.Since(started).Round(time.Millisecond),
		"events", totalEvents,
		"calendars", totalCalendars,
	)
}

// syncSource refreshes one source: calendar metadata first, then each
// calendar's events in the configured rolling window. A failure in
// one calendar's fetch is recorded and does not stop the rest; a
// cache-store failure propagates, since it signals a local problem.
func (e *Engine) syncSource(ctx context.Context, src source.CalendarSource, acc config.AccountConfig) (int, int, error) {
	if !src.Authenticated() {
		if err := src.Authenticate(ctx); err != nil {
			applog.Warn("skipping unauthenticated source", "account", acc.ID, "reason", err)
			return 0, 0, nil
		}
	}

	calendars, err := src.Calendars(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("listing calendars: %w", err)
	}
	if len(calendars) == 0 {
		applog.Warn("no calendars found", "account", acc.ID)
		return 0, 0, nil
	}

	if err := e.store.StoreCalendars(acc.ID, calendars); err != nil {
		return 0, 0, fmt.Errorf("storing calendars: %w", err)
	}

	from := time.Now().UTC().AddDate(0, 0, -e.cfg.Sync.PastDays)
	to := time.Now().UTC().AddDate(0, 0, e.cfg.Sync.FutureDays)

	allowed := make(map[string]bool, len(acc.CalendarIDs))
	for _, id := range acc.CalendarIDs {
		allowed[id] = true
	}

	totalEvents := 0
	for _, cal := range calendars {
		if len(allowed) > 0 && !allowed[cal.ID] {
			continue
		}

		events, err := src.Events(ctx, cal.ID, from, to)
		if err != nil {
			applog.Error("calendar fetch failed", err, "account", acc.ID, "calendar", cal.ID)
			e.recordError("calendar_sync", acc.ID, fmt.Errorf("calendar %s: %w", cal.ID, err))
			continue
		}
		if len(events) == 0 {
			applog.Debug("no events in window", "account", acc.ID, "calendar", cal.ID)
			continue
		}

		if err := e.store.StoreEvents(acc.ID, cal.ID, events); err != nil {
			return totalEvents, len(calendars), fmt.Errorf("storing events for calendar %s: %w", cal.ID, err)
		}
		totalEvents += len(events)
	}

	applog.Info("source synced", "account", acc.ID, "events", totalEvents, "calendars", len(calendars))
	return totalEvents, len(calendars), nil
}

// SyncAccount refreshes a single account, still honoring the
// single-flight invariant.
func (e *Engine) SyncAccount(ctx context.Context, accountID string) error {
	e.mu.Lock()
	src, ok := e.sources[accountID]
	acc := e.accounts[accountID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	if !e.beginSync(false) {
		return ErrSyncInProgress
	}
	defer e.endSync()

	events, calendars, err := e.syncSource(ctx, src, acc)
	if err != nil {
		e.recordError("source_sync", accountID, err)
		return err
	}

	e.mu.Lock()
	e.lastSync[accountID] = time.Now()
	e.mu.Unlock()

	applog.Info("account synced", "account", accountID, "events", events, "calendars", calendars)
	return nil
}

// AddAccount registers a new source at runtime. Authentication is
// attempted immediately but its failure is soft.
func (e *Engine) AddAccount(ctx context.Context, acc config.AccountConfig) error {
	src, err := e.newSource(acc, e.cfg.Sync.MaxEventsPerCalendar)
	if err != nil {
		return err
	}
	if err := src.Authenticate(ctx); err != nil {
		applog.Warn("added account not yet authenticated", "account", acc.ID, "reason", err)
	}

	e.mu.Lock()
	e.sources[acc.ID] = src
	e.accounts[acc.ID] = acc
	e.mu.Unlock()

	applog.Info("account added", "account", acc.ID, "type", src.SourceType())
	return nil
}

// RemoveAccount closes the source and purges all of the account's
// cached data.
func (e *Engine) RemoveAccount(accountID string) error {
	e.mu.Lock()
	src, ok := e.sources[accountID]
	delete(e.sources, accountID)
	delete(e.accounts, accountID)
	delete(e.lastSync, accountID)
	e.mu.Unlock()

	if ok {
		if err := src.Close(); err != nil {
			applog.Error("closing removed source", err, "account", accountID)
		}
	}

	if err := e.store.ClearAccountData(accountID); err != nil {
		return fmt.Errorf("purging account %s: %w", accountID, err)
	}
	applog.Info("account removed", "account", accountID)
	return nil
}

// recordError appends to the bounded error history, dropping the
// oldest entry when full.
func (e *Engine) recordError(scope, accountID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, model.SyncError{
		Time:      time.Now(),
		AccountID: accountID,
		Scope:     scope,
		Message:   err.Error(),
	})
	if len(e.errors) > maxErrorHistory {
		e.errors = e.errors[len(e.errors)-maxErrorHistory:]
	}
}

// Status returns a consistent snapshot of the engine state.
func (e *Engine) Status() model.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := model.SyncStatus{
		CurrentlySyncing: e.syncing,
		LastFullSync:     e.lastFullSync,
		TotalEvents:      e.totalEvents,
		TotalCalendars:   e.totalCalendars,
		Errors:           append([]model.SyncError(nil), e.errors...),
		AccountSyncTimes: make(map[string]time.Time, len(e.lastSync)),
		Sources:          make(map[string]model.SourceStatus, len(e.sources)),
	}
	for id, t := range e.lastSync {
		status.AccountSyncTimes[id] = t
	}
	for id, src := range e.sources {
		status.Sources[id] = model.SourceStatus{
			Type:          src.SourceType(),
			DisplayName:   e.accounts[id].DisplayName,
			Authenticated: src.Authenticated(),
		}
	}
	return status
}

// Store exposes the cache for read paths (events, calendars, stats).
func (e *Engine) Store() *cache.Store {
	return e.store
}
