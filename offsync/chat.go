// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChatMessage is one user message in the per-conversation journal.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatRepository serves the interactive roadtrip assistant. Queries are
// always synchronous because the answer is needed immediately; messages
// that cannot be sent are kept in a per-conversation journal, separate
// from the response cache, and replayed once connectivity returns.
type ChatRepository struct {
	client  *EntityClient
	store   *Store
	monitor *Monitor
	logger  *slog.Logger

	mu sync.Mutex // serializes journal read-modify-write sequences
}

func newChatRepository(engine *Config, store *Store, monitor *Monitor, syncr *Synchronizer) *ChatRepository {
	return &ChatRepository{
		client: NewEntityClient(EntityConfig{
			Name:       EntityChat,
			BasePath:   "/chat",
			CacheTTL:   ttlPlanning,
			Optimistic: false,
		}, engine, store, monitor, syncr),
		store:   store,
		monitor: monitor,
		logger:  slog.Default(),
	}
}

// SetHTTPClient replaces the HTTP client; tests install fake transports.
func (r *ChatRepository) SetHTTPClient(h *http.Client) { r.client.SetHTTPClient(h) }

// Query sends one user message and returns the assistant response. When
// the device is offline, or the send fails in transit, the message is
// journaled for replay and the error is surfaced to the caller.
func (r *ChatRepository) Query(ctx context.Context, conversationID, content, token string) (json.RawMessage, error) {
	message := ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	if !r.monitor.ConnectionInfo().IsConnected {
		if err := r.journal(ctx, message); err != nil {
			return nil, err
		}
		return nil, ErrOffline
	}

	response, err := r.send(ctx, message, token)
	if err != nil {
		if journalErr := r.journal(ctx, message); journalErr != nil {
			r.logger.Warn("journal unsent chat message failed", "error", journalErr)
		}
		return nil, err
	}
	return response, nil
}

// History fetches the conversation transcript through the cache.
func (r *ChatRepository) History(ctx context.Context, conversationID, token string) (json.RawMessage, error) {
	return r.client.Get(ctx, "/chat/"+conversationID+"/messages", GetOptions{
		Token:    token,
		UseCache: true,
	})
}

// Unsent returns the journaled messages for one conversation, oldest
// first.
func (r *ChatRepository) Unsent(ctx context.Context, conversationID string) ([]ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readJournal(ctx, conversationID)
}

// ReplayUnsent re-sends journaled messages for one conversation in order,
// dropping each from the journal on success. It stops at the first
// failure, leaving the remainder for the next attempt. Replay is never
// triggered automatically on reconnect; the caller decides when re-sending
// a stale prompt is still wanted, typically when the conversation screen
// regains focus with connectivity up.
func (r *ChatRepository) ReplayUnsent(ctx context.Context, conversationID, token string) (int, error) {
	if !r.monitor.ConnectionInfo().IsConnected {
		return 0, ErrOffline
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	messages, err := r.readJournal(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, message := range messages {
		if _, err := r.send(ctx, message, token); err != nil {
			if writeErr := r.writeJournal(ctx, conversationID, messages[sent:]); writeErr != nil {
				r.logger.Warn("rewrite chat journal failed", "error", writeErr)
			}
			return sent, fmt.Errorf("replay message %s: %w", message.ID, err)
		}
		sent++
	}
	if err := r.writeJournal(ctx, conversationID, nil); err != nil {
		return sent, err
	}
	return sent, nil
}

func (r *ChatRepository) send(ctx context.Context, message ChatMessage, token string) (json.RawMessage, error) {
	optimistic := false
	result, err := r.client.Create(ctx, map[string]string{
		"message_id": message.ID,
		"content":    message.Content,
	}, WriteOptions{
		Token:      token,
		Endpoint:   r.client.endpoint("/chat/"+message.ConversationID+"/query", nil),
		Optimistic: &optimistic,
	})
	if err != nil {
		return nil, err
	}
	return result.Record, nil
}

func (r *ChatRepository) journal(ctx context.Context, message ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	messages, err := r.readJournal(ctx, message.ConversationID)
	if err != nil {
		return err
	}
	messages = append(messages, message)
	return r.writeJournal(ctx, message.ConversationID, messages)
}

func (r *ChatRepository) readJournal(ctx context.Context, conversationID string) ([]ChatMessage, error) {
	raw, ok, err := r.store.getMeta(ctx, journalKey(conversationID))
	if err != nil || !ok {
		return nil, err
	}
	var messages []ChatMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("decode chat journal: %w", err)
	}
	return messages, nil
}

func (r *ChatRepository) writeJournal(ctx context.Context, conversationID string, messages []ChatMessage) error {
	if len(messages) == 0 {
		return r.store.setMeta(ctx, journalKey(conversationID), "[]")
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode chat journal: %w", err)
	}
	return r.store.setMeta(ctx, journalKey(conversationID), string(raw))
}

func journalKey(conversationID string) string {
	return "chat_journal:" + conversationID
}
