// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

// Package offnotify keeps notification visibility near-real-time without a
// server push channel: an adaptive-frequency poller watches roadtrips and
// feeds a deduplicating pub/sub store that the UI subscribes to.
package offnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Severity levels carried by a notification icon.
const (
	SeveritySuccess = "success"
	SeverityError   = "error"
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// Notification is one delivered notification, keyed by its server id and
// owned by a roadtrip subject.
type Notification struct {
	ID         string         `json:"_id"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Type       string         `json:"type"`
	Icon       string         `json:"icon"`
	Read       bool           `json:"read"`
	RoadtripID string         `json:"roadtripId"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ReadAt     *time.Time     `json:"readAt,omitempty"`
}

// Fetcher retrieves the current notifications for one roadtrip. The HTTP
// implementation talks to the backend; tests substitute a fake. Selecting
// the implementation is configuration, not subclassing.
type Fetcher interface {
	Fetch(ctx context.Context, roadtripID string) ([]Notification, error)
}

// HTTPFetcher fetches notifications from the REST API.
type HTTPFetcher struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	Client  *http.Client
}

// NewHTTPFetcher builds a fetcher against baseURL using token for
// authorization.
func NewHTTPFetcher(baseURL string, token func(ctx context.Context) (string, error)) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Fetch returns the roadtrip's notifications, tolerating both the
// {success, data} envelope and a bare array.
func (f *HTTPFetcher) Fetch(ctx context.Context, roadtripID string) ([]Notification, error) {
	url := fmt.Sprintf("%s/roadtrips/%s/notifications", f.BaseURL, roadtripID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.Token != nil {
		token, err := f.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	payload := json.RawMessage(raw)
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Success != nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var notifications []Notification
	if err := json.Unmarshal(payload, &notifications); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return notifications, nil
}
