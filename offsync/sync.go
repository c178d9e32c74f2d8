// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Synchronizer state values.
const (
	syncIdle      = "idle"
	syncScheduled = "scheduled"
	syncRunning   = "running"
)

// Synchronizer drains the pending-operation queue against the network, one
// operation at a time, oldest first. It is triggered by new operations
// arriving while connected, by the disconnected→connected transition, and
// by explicit ForceSync calls. Only one drain cycle runs at a time;
// re-entrant triggers are no-ops.
type Synchronizer struct {
	store   *Store
	monitor *Monitor
	cfg     *Config
	http    *http.Client
	clk     clock.Clock
	logger  *slog.Logger

	listeners *listenerSet[SyncEvent]

	mu         sync.Mutex
	state      string
	retryTimer *clock.Timer
	baseCtx    context.Context

	unsubscribeConn func()
}

// NewSynchronizer builds a synchronizer over the store and monitor.
func NewSynchronizer(store *Store, monitor *Monitor, cfg *Config) *Synchronizer {
	return &Synchronizer{
		store:     store,
		monitor:   monitor,
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.HTTPTimeout.Std()},
		clk:       clock.New(),
		logger:    slog.Default(),
		listeners: newListenerSet[SyncEvent](),
		state:     syncIdle,
		baseCtx:   context.Background(),
	}
}

func (s *Synchronizer) setClock(clk clock.Clock) { s.clk = clk }

// SetLogger replaces the synchronizer's logger.
func (s *Synchronizer) SetLogger(l *slog.Logger) { s.logger = l }

// SetHTTPClient replaces the HTTP client; tests install fake transports.
func (s *Synchronizer) SetHTTPClient(c *http.Client) { s.http = c }

// Start attaches the reconnect trigger. Drain cycles started by timers or
// connectivity events inherit ctx.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	s.unsubscribeConn = s.monitor.AddListener(func(info ConnectionInfo) {
		if info.IsConnected {
			go s.Sync(s.background())
		}
	})
}

// Stop detaches the reconnect trigger and cancels any scheduled retry.
func (s *Synchronizer) Stop() {
	if s.unsubscribeConn != nil {
		s.unsubscribeConn()
		s.unsubscribeConn = nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.state == syncScheduled {
		s.state = syncIdle
	}
}

// AddListener subscribes to lifecycle events and returns an unsubscribe
// func.
func (s *Synchronizer) AddListener(fn SyncListener) func() {
	return s.listeners.add(func(ev SyncEvent) { fn(ev) })
}

// IsRunning reports whether a drain cycle is active.
func (s *Synchronizer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == syncRunning
}

// NotifyQueued announces a freshly enqueued operation and, when connected,
// triggers a drain cycle.
func (s *Synchronizer) NotifyQueued(op *PendingOperation) {
	s.listeners.emit(SyncEvent{
		Type:        EventOperationQueued,
		OperationID: op.ID,
		EntityType:  op.EntityType,
		LocalID:     op.LocalID,
	})
	if s.monitor.ConnectionInfo().IsConnected {
		go s.Sync(s.background())
	}
}

// Sync runs one drain cycle. While disconnected, or while another cycle is
// running, it returns immediately without touching the queue.
func (s *Synchronizer) Sync(ctx context.Context) error {
	if !s.monitor.ConnectionInfo().IsConnected {
		return nil
	}
	if !s.begin() {
		return nil
	}
	defer s.finish()
	return s.drain(ctx)
}

// begin transitions idle/scheduled→running, cancelling a pending retry
// timer. Returns false when a cycle is already running.
func (s *Synchronizer) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == syncRunning {
		return false
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.state = syncRunning
	return true
}

func (s *Synchronizer) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == syncRunning {
		s.state = syncIdle
	}
}

func (s *Synchronizer) background() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// drain processes up to DrainLimit pending operations in enqueue order.
// Connectivity loss mid-loop aborts the remainder; those operations stay
// pending for the next trigger.
func (s *Synchronizer) drain(ctx context.Context) error {
	ops, err := s.store.ListPending(ctx, s.cfg.DrainLimit)
	if err != nil {
		return fmt.Errorf("list pending operations: %w", err)
	}
	if len(ops) == 0 {
		s.maintain(ctx)
		return nil
	}

	s.logger.Debug("drain cycle started", "pending", len(ops))

	var (
		retryDelay time.Duration
		hadRetry   bool
	)
	for i := range ops {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.monitor.ConnectionInfo().IsConnected {
			s.logger.Info("connectivity lost mid-drain, leaving remaining operations pending",
				"remaining", len(ops)-i)
			return nil
		}

		op := &ops[i]
		delay, aborted, err := s.execute(ctx, op)
		if err != nil {
			return err
		}
		if aborted {
			if delay > 0 {
				s.scheduleRetry(delay)
			}
			return nil
		}
		if delay > 0 && (!hadRetry || delay < retryDelay) {
			hadRetry = true
			retryDelay = delay
		}
	}

	if hadRetry {
		s.scheduleRetry(retryDelay)
	} else {
		s.maintain(ctx)
	}
	return nil
}

// execute performs one operation's HTTP call and records the outcome.
// It returns a positive delay when the operation failed retryably, and
// aborted=true on a transport error; an aborted result with a positive
// delay means the probe still reports connected and the caller should
// schedule a retry.
func (s *Synchronizer) execute(ctx context.Context, op *PendingOperation) (delay time.Duration, aborted bool, err error) {
	resp, httpErr := s.send(ctx, op)
	if httpErr != nil {
		// Transport-level failure: the link likely dropped. Refresh the
		// monitor state and abort the cycle without consuming the retry
		// budget.
		s.logger.Warn("operation transport error", "id", op.ID, "error", httpErr)
		info, probeErr := s.monitor.CheckConnection(ctx)
		if probeErr != nil {
			s.logger.Debug("connectivity re-probe failed", "error", probeErr)
		}
		if info.IsConnected {
			// Probe host reachable while the API call failed: retry on
			// the backoff schedule instead of waiting for another trigger.
			return s.cfg.backoffFor(op.RetryCount), true, nil
		}
		return 0, true, nil
	}

	if resp.status >= 200 && resp.status < 300 {
		if err := s.store.MarkCompleted(ctx, op.ID); err != nil {
			return 0, false, err
		}
		if err := s.store.SetLastSync(ctx, op.EntityType, s.clk.Now().UTC()); err != nil {
			s.logger.Warn("record last sync failed", "entity", op.EntityType, "error", err)
		}
		s.listeners.emit(SyncEvent{
			Type:        EventOperationCompleted,
			OperationID: op.ID,
			EntityType:  op.EntityType,
			LocalID:     op.LocalID,
		})
		if op.OperationType == OpCreate && op.LocalID != "" {
			if serverID := parseServerID(resp.body); serverID != "" {
				s.listeners.emit(SyncEvent{
					Type:        EventIDUpdated,
					OperationID: op.ID,
					EntityType:  op.EntityType,
					LocalID:     op.LocalID,
					ServerID:    serverID,
				})
			}
		}
		s.logger.Debug("operation completed", "id", op.ID, "entity", op.EntityType)
		return 0, false, nil
	}

	httpFailure := NewHTTPError(resp.status, string(resp.body))
	permanent := op.RetryCount+1 >= s.cfg.MaxRetries
	if err := s.store.MarkFailed(ctx, op.ID, httpFailure.Error(), permanent); err != nil {
		return 0, false, err
	}

	if permanent {
		s.logger.Warn("operation permanently failed",
			"id", op.ID, "entity", op.EntityType, "status", resp.status, "class", httpFailure.Class)
		s.listeners.emit(SyncEvent{
			Type:        EventOperationFailed,
			OperationID: op.ID,
			EntityType:  op.EntityType,
			LocalID:     op.LocalID,
			Class:       httpFailure.Class,
			Error:       httpFailure.Error(),
		})
		return 0, false, nil
	}

	s.logger.Debug("operation failed, will retry",
		"id", op.ID, "status", resp.status, "class", httpFailure.Class, "retries", op.RetryCount+1)
	return s.cfg.backoffFor(op.RetryCount), false, nil
}

type syncResponse struct {
	status int
	body   []byte
}

// send issues the stored HTTP call for one operation.
func (s *Synchronizer) send(ctx context.Context, op *PendingOperation) (*syncResponse, error) {
	var body io.Reader
	if len(op.Payload) > 0 {
		body = bytes.NewReader(op.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, op.HTTPMethod, op.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if len(op.Payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &syncResponse{status: resp.StatusCode, body: data}, nil
}

// scheduleRetry arms a cancellable delayed drain, transitioning
// idle→scheduled. An earlier trigger cancels the timer via begin.
func (s *Synchronizer) scheduleRetry(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == syncScheduled {
		return
	}
	s.state = syncScheduled
	s.logger.Debug("retry scheduled", "delay", delay)
	s.retryTimer = s.clk.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.state == syncScheduled {
			s.state = syncIdle
		}
		s.retryTimer = nil
		ctx := s.baseCtx
		s.mu.Unlock()
		if err := s.Sync(ctx); err != nil {
			s.logger.Warn("scheduled sync failed", "error", err)
		}
	})
}

// maintain runs the opportunistic sweeps after a clean drain cycle.
func (s *Synchronizer) maintain(ctx context.Context) {
	if n, err := s.store.PurgeCompleted(ctx, s.cfg.CompletedRetention.Std()); err != nil {
		s.logger.Warn("purge completed operations failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("purged completed operations", "count", n)
	}
	if _, err := s.store.PurgeExpiredCache(ctx); err != nil {
		s.logger.Warn("purge expired cache failed", "error", err)
	}
}

// parseServerID extracts the server-assigned id from a create response,
// tolerating both the {success, data} envelope and a bare payload.
func parseServerID(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	payload := body
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Success != nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}
	var record struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(payload, &record); err != nil {
		return ""
	}
	if record.MongoID != "" {
		return record.MongoID
	}
	return record.ID
}
