// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

// Package offsync implements the offline-first data layer used by the
// roadtrip mobile client: a durable pending-operation queue and response
// cache backed by SQLite, a connectivity monitor, a synchronizer that
// drains the queue with retry and backoff, per-entity repositories with
// read-through caching and optimistic writes, and an engine that wires
// the pieces together.
package offsync

import (
	"encoding/json"
	"time"
)

// Operation type constants for queued mutations.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Status constants for pending operations.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// PendingOperation is a durable record of one intended mutation. It is
// created by a repository write, drained by the Synchronizer, and retained
// after completion for diagnostics until the retention sweep purges it.
type PendingOperation struct {
	ID            int64             `json:"id"`
	OperationType string            `json:"operation_type"`
	EntityType    string            `json:"entity_type"`
	EntityID      string            `json:"entity_id,omitempty"`
	LocalID       string            `json:"local_id,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Endpoint      string            `json:"endpoint"`
	HTTPMethod    string            `json:"http_method"`
	Headers       map[string]string `json:"headers,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	RetryCount    int               `json:"retry_count"`
	LastError     string            `json:"last_error,omitempty"`
	Status        string            `json:"status"`
}

// CacheEntry is a cached read response. At most one live entry exists per
// key (upsert semantics). An expired entry is still usable as a stale
// fallback when the network is unreachable.
type CacheEntry struct {
	Key       string          `json:"cache_key"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the entry has outlived its TTL. Entries without
// an expiry never expire.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// StoreStats is the aggregate returned by Store.Stats.
type StoreStats struct {
	PendingOperations int `json:"pending_operations"`
	CachedItems       int `json:"cached_items"`
}

// EntityBreakdown counts pending operations for one (entity, operation)
// pair; used by the diagnostic surface.
type EntityBreakdown struct {
	EntityType    string `json:"entity_type"`
	OperationType string `json:"operation_type"`
	Count         int    `json:"count"`
}
