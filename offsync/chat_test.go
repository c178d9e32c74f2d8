// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

type chatHarness struct {
	repo    *ChatRepository
	store   *Store
	monitor *Monitor
}

func newChatHarness(t *testing.T) *chatHarness {
	t.Helper()
	store, mock := newTestStore(t)
	monitor := NewMonitor(&staticProbe{}, MonitorConfig{})
	monitor.SetState(ConnectionInfo{IsConnected: true, Type: ConnWifi})

	cfg := DefaultConfig("https://api.test", "x.db")
	syncr := NewSynchronizer(store, monitor, cfg)
	syncr.setClock(mock)

	repo := newChatRepository(cfg, store, monitor, syncr)
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)
	repo.SetHTTPClient(hc)

	return &chatHarness{repo: repo, store: store, monitor: monitor}
}

func (h *chatHarness) disconnect() {
	h.monitor.SetState(ConnectionInfo{IsConnected: false, Type: ConnUnknown})
}

func TestChatQueryReturnsAssistantResponse(t *testing.T) {
	h := newChatHarness(t)
	httpmock.RegisterResponder("POST", "https://api.test/chat/conv-1/query",
		httpmock.NewStringResponder(200, `{"success":true,"data":{"reply":"Take the coastal road."}}`))

	response, err := h.repo.Query(context.Background(), "conv-1", "best route to Nice?", "tok")
	require.NoError(t, err)
	require.JSONEq(t, `{"reply":"Take the coastal road."}`, string(response))

	unsent, err := h.repo.Unsent(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Empty(t, unsent)
}

func TestChatQueryOfflineJournalsMessage(t *testing.T) {
	h := newChatHarness(t)
	h.disconnect()

	_, err := h.repo.Query(context.Background(), "conv-1", "best route to Nice?", "tok")
	require.ErrorIs(t, err, ErrOffline)

	unsent, err := h.repo.Unsent(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, unsent, 1)
	require.Equal(t, "best route to Nice?", unsent[0].Content)
	require.Equal(t, "conv-1", unsent[0].ConversationID)
	require.NotEmpty(t, unsent[0].ID)

	// The journal lives outside the response cache and the operation
	// queue.
	ops, err := h.store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, ops)
	stats, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.CachedItems)
}

func TestChatQueryJournalsOnTransportFailure(t *testing.T) {
	h := newChatHarness(t)
	httpmock.RegisterResponder("POST", "https://api.test/chat/conv-1/query",
		httpmock.NewStringResponder(502, `{"error":"bad gateway"}`))

	_, err := h.repo.Query(context.Background(), "conv-1", "hello?", "tok")
	require.Error(t, err)

	unsent, err := h.repo.Unsent(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, unsent, 1)
}

func TestChatJournalsAreIndependentPerConversation(t *testing.T) {
	h := newChatHarness(t)
	h.disconnect()

	_, err := h.repo.Query(context.Background(), "conv-1", "first", "tok")
	require.ErrorIs(t, err, ErrOffline)
	_, err = h.repo.Query(context.Background(), "conv-2", "second", "tok")
	require.ErrorIs(t, err, ErrOffline)

	unsent, err := h.repo.Unsent(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, unsent, 1)
	require.Equal(t, "first", unsent[0].Content)

	unsent, err = h.repo.Unsent(context.Background(), "conv-2")
	require.NoError(t, err)
	require.Len(t, unsent, 1)
	require.Equal(t, "second", unsent[0].Content)
}

func TestChatReplayUnsentInOrder(t *testing.T) {
	h := newChatHarness(t)
	h.disconnect()

	for _, content := range []string{"first", "second", "third"} {
		_, err := h.repo.Query(context.Background(), "conv-1", content, "tok")
		require.ErrorIs(t, err, ErrOffline)
	}

	h.monitor.SetState(ConnectionInfo{IsConnected: true, Type: ConnWifi})

	var sentContents []string
	httpmock.RegisterResponder("POST", "https://api.test/chat/conv-1/query",
		func(req *http.Request) (*http.Response, error) {
			var body struct {
				Content string `json:"content"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				return nil, err
			}
			sentContents = append(sentContents, body.Content)
			return httpmock.NewStringResponse(200, `{"success":true,"data":{"reply":"ok"}}`), nil
		})

	sent, err := h.repo.ReplayUnsent(context.Background(), "conv-1", "tok")
	require.NoError(t, err)
	require.Equal(t, 3, sent)
	require.Equal(t, []string{"first", "second", "third"}, sentContents)

	unsent, err := h.repo.Unsent(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Empty(t, unsent)
}

func TestChatReplayStopsAtFirstFailure(t *testing.T) {
	h := newChatHarness(t)
	h.disconnect()

	for _, content := range []string{"first", "second", "third"} {
		_, err := h.repo.Query(context.Background(), "conv-1", content, "tok")
		require.ErrorIs(t, err, ErrOffline)
	}

	h.monitor.SetState(ConnectionInfo{IsConnected: true, Type: ConnWifi})

	calls := 0
	httpmock.RegisterResponder("POST", "https://api.test/chat/conv-1/query",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls >= 2 {
				return httpmock.NewStringResponse(500, `{"error":"boom"}`), nil
			}
			return httpmock.NewStringResponse(200, `{"success":true,"data":{"reply":"ok"}}`), nil
		})

	sent, err := h.repo.ReplayUnsent(context.Background(), "conv-1", "tok")
	require.Error(t, err)
	require.Equal(t, 1, sent)

	// Failed and unsent messages stay in the journal, still in order.
	unsent, err := h.repo.Unsent(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, unsent, 2)
	require.Equal(t, "second", unsent[0].Content)
	require.Equal(t, "third", unsent[1].Content)
}

func TestChatReplayRequiresConnectivity(t *testing.T) {
	h := newChatHarness(t)
	h.disconnect()

	_, err := h.repo.ReplayUnsent(context.Background(), "conv-1", "tok")
	require.ErrorIs(t, err, ErrOffline)
}
