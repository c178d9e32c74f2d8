// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import "sync"

// Sync lifecycle event types delivered to Synchronizer listeners.
const (
	EventOperationQueued    = "operation_queued"
	EventOperationCompleted = "operation_completed"
	EventOperationFailed    = "operation_failed"
	EventIDUpdated          = "id_updated"
)

// SyncEvent describes one lifecycle transition of a queued operation.
// For EventIDUpdated, LocalID and ServerID carry the reconciled pair so
// repositories and UI can retarget optimistic records.
type SyncEvent struct {
	Type        string       `json:"type"`
	OperationID int64        `json:"operation_id,omitempty"`
	EntityType  string       `json:"entity_type,omitempty"`
	LocalID     string       `json:"local_id,omitempty"`
	ServerID    string       `json:"server_id,omitempty"`
	Class       FailureClass `json:"class,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// SyncListener receives lifecycle events. Callbacks run on the goroutine
// that produced the event and must not block.
type SyncListener func(SyncEvent)

// listenerSet is a small fan-out registry shared by the synchronizer and
// the connectivity monitor.
type listenerSet[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(T)
}

func newListenerSet[T any]() *listenerSet[T] {
	return &listenerSet[T]{subs: make(map[int]func(T))}
}

// add registers a callback and returns its unsubscribe func.
func (l *listenerSet[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

// emit invokes every registered callback with ev.
func (l *listenerSet[T]) emit(ev T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
