// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offnotify

import (
	"sort"
	"sync"
	"time"
)

// Store event types delivered to subscribers.
const (
	EventNewNotification      = "new_notification"
	EventNotificationsUpdated = "notifications_updated"
)

// StoreEvent describes one change in the notification store. For
// EventNewNotification, Notification carries the new item; for
// EventNotificationsUpdated, UnreadCount carries the subject's fresh
// unread total.
type StoreEvent struct {
	Type         string        `json:"type"`
	RoadtripID   string        `json:"roadtrip_id"`
	Notification *Notification `json:"notification,omitempty"`
	UnreadCount  int           `json:"unread_count"`
}

// Store is the in-memory pub/sub holder for delivered notifications,
// keyed by roadtrip and deduplicated by notification id on every ingest.
type Store struct {
	mu       sync.Mutex
	subjects map[string]map[string]Notification

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(StoreEvent)
}

// NewStore creates an empty notification store.
func NewStore() *Store {
	return &Store{
		subjects: make(map[string]map[string]Notification),
		subs:     make(map[int]func(StoreEvent)),
	}
}

// Subscribe registers a callback for store events and returns its
// unsubscribe func. Callbacks run on the ingesting goroutine and must not
// block.
func (s *Store) Subscribe(fn func(StoreEvent)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) publish(ev StoreEvent) {
	s.subMu.Lock()
	fns := make([]func(StoreEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Ingest merges one poll result for a roadtrip. Known ids update in place
// without a new_notification event; unseen ids are stored and announced.
// A notifications_updated event follows whenever anything changed.
// Returns the number of newly seen notifications.
func (s *Store) Ingest(roadtripID string, notifications []Notification) int {
	s.mu.Lock()
	byID, ok := s.subjects[roadtripID]
	if !ok {
		byID = make(map[string]Notification)
		s.subjects[roadtripID] = byID
	}

	var fresh []Notification
	changed := false
	for _, n := range notifications {
		if n.ID == "" {
			continue
		}
		existing, seen := byID[n.ID]
		if !seen {
			byID[n.ID] = n
			fresh = append(fresh, n)
			changed = true
			continue
		}
		if existing.Read != n.Read || existing.Message != n.Message {
			byID[n.ID] = n
			changed = true
		}
	}
	unread := unreadLocked(byID)
	s.mu.Unlock()

	for i := range fresh {
		s.publish(StoreEvent{
			Type:         EventNewNotification,
			RoadtripID:   roadtripID,
			Notification: &fresh[i],
			UnreadCount:  unread,
		})
	}
	if changed {
		s.publish(StoreEvent{
			Type:        EventNotificationsUpdated,
			RoadtripID:  roadtripID,
			UnreadCount: unread,
		})
	}
	return len(fresh)
}

// List returns the roadtrip's notifications, newest first.
func (s *Store) List(roadtripID string) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.subjects[roadtripID]
	out := make([]Notification, 0, len(byID))
	for _, n := range byID {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// UnreadCount returns how many of the roadtrip's notifications are
// unread.
func (s *Store) UnreadCount(roadtripID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unreadLocked(s.subjects[roadtripID])
}

// MarkRead flags one notification as read and announces the update.
func (s *Store) MarkRead(roadtripID, id string) {
	s.mu.Lock()
	byID := s.subjects[roadtripID]
	n, ok := byID[id]
	if !ok || n.Read {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	n.Read = true
	n.ReadAt = &now
	byID[id] = n
	unread := unreadLocked(byID)
	s.mu.Unlock()

	s.publish(StoreEvent{
		Type:        EventNotificationsUpdated,
		RoadtripID:  roadtripID,
		UnreadCount: unread,
	})
}

// Clear drops every notification for a roadtrip.
func (s *Store) Clear(roadtripID string) {
	s.mu.Lock()
	delete(s.subjects, roadtripID)
	s.mu.Unlock()

	s.publish(StoreEvent{
		Type:        EventNotificationsUpdated,
		RoadtripID:  roadtripID,
		UnreadCount: 0,
	})
}

func unreadLocked(byID map[string]Notification) int {
	count := 0
	for _, n := range byID {
		if !n.Read {
			count++
		}
	}
	return count
}
