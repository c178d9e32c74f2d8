// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mxh77/roadtrip-offline/offnotify"
)

// GlobalStatus is the unified status object exposed to the UI.
type GlobalStatus struct {
	IsRunning         bool           `json:"is_running"`
	IsConnected       bool           `json:"is_connected"`
	PendingOperations int            `json:"pending_operations"`
	CachedItems       int            `json:"cached_items"`
	Connectivity      ConnectionInfo `json:"connectivity"`
	Repositories      []string       `json:"repositories"`
}

// Diagnostic is the timestamped pull-based snapshot for troubleshooting.
type Diagnostic struct {
	Timestamp        time.Time            `json:"timestamp"`
	DeviceID         string               `json:"device_id"`
	Connectivity     ConnectionInfo       `json:"connectivity"`
	SyncRunning      bool                 `json:"sync_running"`
	Stats            StoreStats           `json:"stats"`
	PendingByEntity  []EntityBreakdown    `json:"pending_by_entity"`
	FailedOperations []PendingOperation   `json:"failed_operations,omitempty"`
	LastSync         map[string]time.Time `json:"last_sync,omitempty"`
}

// Engine wires the store, connectivity monitor, synchronizer and entity
// repositories together. It is constructed explicitly and passed to the
// app bootstrap; one instance per process. Construction is cheap, real
// initialization happens lazily on the first call into any public entry
// point.
type Engine struct {
	cfg    *Config
	probe  Probe
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool

	store   *Store
	monitor *Monitor
	sync    *Synchronizer

	roadtrips      *RoadtripRepository
	steps          *StepRepository
	activities     *ActivityRepository
	accommodations *AccommodationRepository
	tasks          *TaskRepository
	chat           *ChatRepository
	stories        *StoryRepository
	auth           *AuthRepository
	settings       *SettingsRepository

	notifStore  *offnotify.Store
	notifPoller *offnotify.Poller
}

// NewEngine creates an engine for cfg. Nothing is opened yet; the first
// public call initializes the store and starts the monitor and
// synchronizer.
func NewEngine(cfg *Config) *Engine {
	return &Engine{
		cfg:    cfg,
		probe:  NewHTTPProbe(cfg.ProbeURL),
		logger: slog.Default(),
	}
}

// SetProbe replaces the reachability probe; must be called before the
// first public entry point.
func (e *Engine) SetProbe(p Probe) { e.probe = p }

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(l *slog.Logger) { e.logger = l }

// Initialize opens the store and starts the monitor and synchronizer.
// Idempotent; safe to call from multiple goroutines.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initializeLocked(ctx)
}

func (e *Engine) initializeLocked(ctx context.Context) error {
	if e.initialized {
		return nil
	}

	store, err := OpenStore(e.cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open offline store: %w", err)
	}

	monitor := NewMonitor(e.probe, MonitorConfig{
		ProbeInterval:  e.cfg.ProbeInterval.Std(),
		ExpensiveTypes: e.cfg.ExpensiveTypes,
	})
	monitor.SetLogger(e.logger)
	if err := monitor.Initialize(ctx); err != nil {
		store.Close()
		return fmt.Errorf("initialize connectivity monitor: %w", err)
	}

	syncr := NewSynchronizer(store, monitor, e.cfg)
	syncr.SetLogger(e.logger)
	syncr.Start(ctx)

	e.store = store
	e.monitor = monitor
	e.sync = syncr

	e.roadtrips = newRoadtripRepository(e.cfg, store, monitor, syncr)
	e.steps = newStepRepository(e.cfg, store, monitor, syncr)
	e.activities = newActivityRepository(e.cfg, store, monitor, syncr)
	e.accommodations = newAccommodationRepository(e.cfg, store, monitor, syncr)
	e.tasks = newTaskRepository(e.cfg, store, monitor, syncr)
	e.chat = newChatRepository(e.cfg, store, monitor, syncr)
	e.stories = newStoryRepository(e.cfg, store, monitor, syncr)
	e.auth = newAuthRepository(e.cfg, store, monitor, syncr)
	e.settings = newSettingsRepository(e.cfg, store, monitor, syncr)

	e.notifStore = offnotify.NewStore()
	fetcher := offnotify.NewHTTPFetcher(e.cfg.BaseURL, e.auth.Token)
	e.notifPoller = offnotify.NewPoller(fetcher, e.notifStore, offnotify.DefaultConfig())
	e.notifPoller.SetLogger(e.logger)

	e.initialized = true
	e.logger.Info("offline engine initialized",
		"database", e.cfg.DatabasePath, "connected", monitor.ConnectionInfo().IsConnected)

	// Anything left in the queue from the previous run drains as soon as
	// connectivity allows.
	if monitor.ConnectionInfo().IsConnected {
		go func() {
			if err := syncr.Sync(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn("startup sync failed", "error", err)
			}
		}()
	}
	return nil
}

// ensureInitialized lazily initializes the engine on first use.
func (e *Engine) ensureInitialized(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	if err := e.initializeLocked(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	}
	return nil
}

// Close stops the background loops and closes the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	e.notifPoller.Close()
	e.sync.Stop()
	e.monitor.Close()
	e.initialized = false
	return e.store.Close()
}

// Roadtrips returns the roadtrip repository.
func (e *Engine) Roadtrips(ctx context.Context) (*RoadtripRepository, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.roadtrips, nil
}

// Steps returns the step repository.
func (e *Engine) Steps(ctx context.Context) (*StepRepository, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.steps, nil
}

// Activities returns the activity repository.
func (e *Engine) Activities(ctx context.Context) (*ActivityRepository, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.activities, nil
}

// Accommodations returns the accommodation repository.
func (e *Engine) Accommodations(ctx context.Context) (*AccommodationRepository, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.accommodations, nil
}

// Tasks returns the task repository.
func (e *Engine) Tasks(ctx context.Context) (*TaskRepository, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.tasks, nil
}

// Chat returns the chat repository.
func (e *Engine) Chat(ctx context.Context) (*ChatRepository, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.chat, nil
}

// Stories returns the story repository.
func (e *Engine) Stories(ctx context.Context) (*StoryRepository, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.stories, nil
}

// Auth returns the auth repository.
func (e *Engine) Auth(ctx context.Context) (*AuthRepository, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.auth, nil
}

// Settings returns the settings repository.
func (e *Engine) Settings(ctx context.Context) (*SettingsRepository, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.settings, nil
}

// Monitor exposes the connectivity monitor for UI subscriptions.
func (e *Engine) Monitor(ctx context.Context) (*Monitor, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.monitor, nil
}

// Notifications exposes the notification poller; Watch a roadtrip to
// start receiving its notifications through NotificationStore.
func (e *Engine) Notifications(ctx context.Context) (*offnotify.Poller, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.notifPoller, nil
}

// NotificationStore exposes the deduplicating notification store the
// poller feeds.
func (e *Engine) NotificationStore(ctx context.Context) (*offnotify.Store, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.notifStore, nil
}

// GlobalStatus recomputes the aggregate status on demand.
func (e *Engine) GlobalStatus(ctx context.Context) (*GlobalStatus, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	info := e.monitor.ConnectionInfo()
	return &GlobalStatus{
		IsRunning:         e.sync.IsRunning(),
		IsConnected:       info.IsConnected,
		PendingOperations: stats.PendingOperations,
		CachedItems:       stats.CachedItems,
		Connectivity:      info,
		Repositories: []string{
			EntityRoadtrips, EntitySteps, EntityActivities, EntityAccommodations,
			EntityTasks, EntityChat, EntityStories, EntityAuth, EntitySettings,
		},
	}, nil
}

// ForceGlobalSync triggers one drain cycle; a no-op while disconnected or
// while a cycle is already running.
func (e *Engine) ForceGlobalSync(ctx context.Context) error {
	if err := e.ensureInitialized(ctx); err != nil {
		return err
	}
	return e.sync.Sync(ctx)
}

// ClearAllLocalData wipes the queue, cache and metadata. Used on sign-out.
func (e *Engine) ClearAllLocalData(ctx context.Context) error {
	if err := e.ensureInitialized(ctx); err != nil {
		return err
	}
	e.logger.Info("clearing all local data")
	return e.store.ClearAll(ctx)
}

// AddSyncStatusListener subscribes to synchronizer lifecycle events.
func (e *Engine) AddSyncStatusListener(ctx context.Context, fn SyncListener) (func(), error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return e.sync.AddListener(fn), nil
}

// RunDiagnostic assembles the pull-based troubleshooting snapshot.
func (e *Engine) RunDiagnostic(ctx context.Context) (*Diagnostic, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	stats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	breakdown, err := e.store.BreakdownByEntity(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := e.store.ListFailed(ctx, 20)
	if err != nil {
		return nil, err
	}
	deviceID, err := e.store.DeviceID(ctx)
	if err != nil {
		return nil, err
	}

	lastSync := make(map[string]time.Time)
	for _, entity := range []string{
		EntityRoadtrips, EntitySteps, EntityActivities, EntityAccommodations,
		EntityTasks, EntityStories, EntitySettings,
	} {
		t, ok, err := e.store.LastSync(ctx, entity)
		if err != nil {
			return nil, err
		}
		if ok {
			lastSync[entity] = t
		}
	}

	return &Diagnostic{
		Timestamp:        time.Now().UTC(),
		DeviceID:         deviceID,
		Connectivity:     e.monitor.ConnectionInfo(),
		SyncRunning:      e.sync.IsRunning(),
		Stats:            stats,
		PendingByEntity:  breakdown,
		FailedOperations: failed,
		LastSync:         lastSync,
	}, nil
}

// RequeueFailed reopens a permanently failed operation and triggers a
// drain cycle.
func (e *Engine) RequeueFailed(ctx context.Context, id int64) error {
	if err := e.ensureInitialized(ctx); err != nil {
		return err
	}
	if err := e.store.Requeue(ctx, id); err != nil {
		return err
	}
	return e.sync.Sync(ctx)
}
