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
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Optimistic record markers added to locally synthesized results.
const (
	localIDPrefix  = "local_"
	fieldID        = "_id"
	fieldIsLocal   = "_isLocal"
	fieldIsPending = "_isPending"
)

// EntityConfig parameterizes an EntityClient: which entity it serves,
// where its endpoints live and how its reads and writes behave by default.
type EntityConfig struct {
	// Name is the entity tag used in queued operations and cache keys,
	// e.g. "roadtrips".
	Name string
	// BasePath is the entity's path under the API base URL, e.g.
	// "/roadtrips".
	BasePath string
	// CacheTTL is the default freshness window for cached reads.
	CacheTTL time.Duration
	// Optimistic selects the default write mode. Synchronous-only
	// entities (auth, chat) set it false.
	Optimistic bool
}

// GetOptions controls one repository read.
type GetOptions struct {
	Token        string
	UseCache     bool
	CacheTTL     time.Duration // overrides EntityConfig.CacheTTL when > 0
	Params       url.Values
	ForceRefresh bool
}

// FilePart is one file in a multipart write.
type FilePart struct {
	FieldName string
	FileName  string
	Content   []byte
}

// WriteOptions controls one repository write.
type WriteOptions struct {
	Token    string
	Endpoint string // absolute URL override; defaults to BasePath-derived
	Method   string // UPDATE only; defaults to PUT
	// Optimistic overrides the entity default when non-nil.
	Optimistic *bool
	// Files makes the call multipart. Multipart writes always execute
	// synchronously: the upload needs the bytes now, queuing them for
	// replay is not supported.
	Files []FilePart
	// Fields carries extra form fields for multipart requests.
	Fields map[string]string
}

// WriteResult is what a repository write returns. For optimistic writes
// Record is the locally synthesized state and OperationID the queued
// operation handle; for synchronous writes Record is the server response.
type WriteResult struct {
	Record      json.RawMessage `json:"record"`
	OperationID int64           `json:"operation_id,omitempty"`
	LocalID     string          `json:"local_id,omitempty"`
	Pending     bool            `json:"pending"`
}

// EntityClient is the shared read/write façade composed into every entity
// repository: read-through cache with stale-while-error fallback, and
// optimistic or synchronous writes against the pending-operation queue.
type EntityClient struct {
	cfg     EntityConfig
	engine  *Config
	store   *Store
	monitor *Monitor
	sync    *Synchronizer
	http    *http.Client
	clk     clock.Clock
	logger  *slog.Logger
}

// NewEntityClient composes a client for one entity type.
func NewEntityClient(cfg EntityConfig, engine *Config, store *Store, monitor *Monitor, sync *Synchronizer) *EntityClient {
	return &EntityClient{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		monitor: monitor,
		sync:    sync,
		http:    &http.Client{Timeout: engine.HTTPTimeout.Std()},
		clk:     clock.New(),
		logger:  slog.Default(),
	}
}

func (c *EntityClient) setClock(clk clock.Clock) { c.clk = clk }

// SetHTTPClient replaces the HTTP client; tests install fake transports.
func (c *EntityClient) SetHTTPClient(h *http.Client) { c.http = h }

// Name returns the entity tag this client serves.
func (c *EntityClient) Name() string { return c.cfg.Name }

// Get performs a read for path (relative to the API base URL) with
// read-through caching:
//
//  1. fresh cache hit (unless ForceRefresh) returns immediately;
//  2. connected: issue the GET, unwrap the {success, data} envelope,
//     cache on success; on failure fall back to the cache entry even when
//     expired (stale-while-error);
//  3. disconnected: return cached data ignoring expiry, or
//     ErrNoOfflineData.
func (c *EntityClient) Get(ctx context.Context, path string, opts GetOptions) (json.RawMessage, error) {
	endpoint := c.endpoint(path, opts.Params)
	key := cacheKey(c.cfg.Name, http.MethodGet, endpoint)

	if opts.UseCache && !opts.ForceRefresh {
		data, ok, err := c.store.GetCache(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return data, nil
		}
	}

	if !c.monitor.ConnectionInfo().IsConnected {
		return c.cachedFallback(ctx, key)
	}

	payload, err := c.request(ctx, http.MethodGet, endpoint, nil, opts.Token, "")
	if err != nil {
		if opts.UseCache {
			if stale, fallbackErr := c.cachedFallback(ctx, key); fallbackErr == nil {
				c.logger.Debug("serving stale cache after network error",
					"entity", c.cfg.Name, "key", key, "error", err)
				return stale, nil
			}
		}
		return nil, err
	}

	if opts.UseCache {
		ttl := c.cfg.CacheTTL
		if opts.CacheTTL > 0 {
			ttl = opts.CacheTTL
		}
		if err := c.store.SetCache(ctx, key, payload, ttl); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// Create writes a new record. The optimistic path synthesizes a local id,
// tags the record as pending, queues a CREATE and returns without touching
// the network; the synchronous path requires connectivity.
func (c *EntityClient) Create(ctx context.Context, data any, opts WriteOptions) (*WriteResult, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = c.endpoint(c.cfg.BasePath, nil)
	}
	if c.optimistic(opts) {
		return c.queueWrite(ctx, OpCreate, "", endpoint, http.MethodPost, data, opts)
	}
	return c.syncWrite(ctx, http.MethodPost, endpoint, data, opts)
}

// Update writes changes to an existing record, PUT by default. Entity
// methods override Method for partial PATCH updates.
func (c *EntityClient) Update(ctx context.Context, id string, data any, opts WriteOptions) (*WriteResult, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodPut
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = c.endpoint(c.cfg.BasePath+"/"+id, nil)
	}
	if c.optimistic(opts) {
		return c.queueWrite(ctx, OpUpdate, id, endpoint, method, data, opts)
	}
	return c.syncWrite(ctx, method, endpoint, data, opts)
}

// Delete removes a record. The optimistic path returns a success marker
// plus the operation handle immediately.
func (c *EntityClient) Delete(ctx context.Context, id string, opts WriteOptions) (*WriteResult, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = c.endpoint(c.cfg.BasePath+"/"+id, nil)
	}
	if c.optimistic(opts) {
		return c.queueWrite(ctx, OpDelete, id, endpoint, http.MethodDelete, nil, opts)
	}
	return c.syncWrite(ctx, http.MethodDelete, endpoint, nil, opts)
}

// InvalidateCache drops every cached read for this entity.
func (c *EntityClient) InvalidateCache(ctx context.Context) error {
	return c.store.InvalidateCache(ctx, c.cfg.Name+":")
}

func (c *EntityClient) optimistic(opts WriteOptions) bool {
	if len(opts.Files) > 0 {
		return false
	}
	if opts.Optimistic != nil {
		return *opts.Optimistic
	}
	return c.cfg.Optimistic
}

// queueWrite enqueues a durable operation and returns the optimistic
// record. An enqueue failure propagates: the mutation is not durable and
// must not be reported as accepted.
func (c *EntityClient) queueWrite(ctx context.Context, opType, entityID, endpoint, method string, data any, opts WriteOptions) (*WriteResult, error) {
	var (
		payload json.RawMessage
		record  json.RawMessage
		localID string
		err     error
	)

	switch opType {
	case OpCreate:
		localID = localIDPrefix + uuid.NewString()
		payload, err = marshalBody(data)
		if err != nil {
			return nil, err
		}
		record, err = tagOptimistic(payload, localID)
		if err != nil {
			return nil, err
		}
	case OpUpdate:
		payload, err = marshalBody(data)
		if err != nil {
			return nil, err
		}
		record, err = tagOptimistic(payload, entityID)
		if err != nil {
			return nil, err
		}
	case OpDelete:
		record = json.RawMessage(fmt.Sprintf(`{"success":true,%q:%q,%q:true}`, fieldID, entityID, fieldIsPending))
	}

	op := &PendingOperation{
		OperationType: opType,
		EntityType:    c.cfg.Name,
		EntityID:      entityID,
		LocalID:       localID,
		Payload:       payload,
		Endpoint:      endpoint,
		HTTPMethod:    method,
		Headers:       authHeaders(opts.Token),
	}
	if _, err := c.store.Enqueue(ctx, op); err != nil {
		return nil, err
	}

	if err := c.InvalidateCache(ctx); err != nil {
		c.logger.Warn("cache invalidation failed", "entity", c.cfg.Name, "error", err)
	}

	c.sync.NotifyQueued(op)
	return &WriteResult{
		Record:      record,
		OperationID: op.ID,
		LocalID:     localID,
		Pending:     true,
	}, nil
}

// syncWrite executes the HTTP call immediately; it fails with ErrOffline
// when no connection is available.
func (c *EntityClient) syncWrite(ctx context.Context, method, endpoint string, data any, opts WriteOptions) (*WriteResult, error) {
	if !c.monitor.ConnectionInfo().IsConnected {
		return nil, ErrOffline
	}

	var (
		contentType string
		body        io.Reader
	)
	if len(opts.Files) > 0 {
		buf, ct, err := buildMultipart(data, opts)
		if err != nil {
			return nil, err
		}
		body = buf
		contentType = ct
	} else if data != nil {
		raw, err := marshalBody(data)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	respPayload, err := c.requestBody(ctx, method, endpoint, body, opts.Token, contentType)
	if err != nil {
		return nil, err
	}

	if err := c.InvalidateCache(ctx); err != nil {
		c.logger.Warn("cache invalidation failed", "entity", c.cfg.Name, "error", err)
	}
	return &WriteResult{Record: respPayload}, nil
}

// request issues a JSON request and unwraps the response envelope.
func (c *EntityClient) request(ctx context.Context, method, endpoint string, data json.RawMessage, token, contentType string) (json.RawMessage, error) {
	var body io.Reader
	if len(data) > 0 {
		body = bytes.NewReader(data)
		if contentType == "" {
			contentType = "application/json"
		}
	}
	return c.requestBody(ctx, method, endpoint, body, token, contentType)
}

func (c *EntityClient) requestBody(ctx context.Context, method, endpoint string, body io.Reader, token, contentType string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewHTTPError(resp.StatusCode, string(raw))
	}
	return unwrapEnvelope(raw), nil
}

// cachedFallback returns the cache entry for key ignoring expiry; used
// both for offline reads and the stale-while-error path.
func (c *EntityClient) cachedFallback(ctx context.Context, key string) (json.RawMessage, error) {
	entry, err := c.store.GetCacheStale(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNoOfflineData
	}
	return entry.Data, nil
}

// endpoint joins the API base URL, a path and encoded query params.
// url.Values.Encode sorts keys, keeping cache keys deterministic.
func (c *EntityClient) endpoint(path string, params url.Values) string {
	endpoint := strings.TrimSuffix(c.engine.BaseURL, "/") + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return endpoint
}

// cacheKey derives the deterministic cache key for one read.
func cacheKey(entity, method, endpoint string) string {
	return entity + ":" + method + ":" + endpoint
}

func authHeaders(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func marshalBody(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// tagOptimistic merges the optimistic markers into a payload copy.
func tagOptimistic(payload json.RawMessage, id string) (json.RawMessage, error) {
	record := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object for optimistic writes: %w", err)
		}
	}
	if id != "" {
		record[fieldID] = id
	}
	record[fieldIsLocal] = true
	record[fieldIsPending] = true
	tagged, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal optimistic record: %w", err)
	}
	return tagged, nil
}

// unwrapEnvelope extracts data from a {success, data} envelope, tolerating
// a bare payload for backward compatibility.
func unwrapEnvelope(raw []byte) json.RawMessage {
	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Success != nil && len(envelope.Data) > 0 {
		return envelope.Data
	}
	return raw
}

func buildMultipart(data any, opts WriteOptions) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	for key, value := range opts.Fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("write form field %s: %w", key, err)
		}
	}
	if data != nil {
		raw, err := marshalBody(data)
		if err != nil {
			return nil, "", err
		}
		if err := writer.WriteField("data", string(raw)); err != nil {
			return nil, "", fmt.Errorf("write data field: %w", err)
		}
	}
	for _, file := range opts.Files {
		part, err := writer.CreateFormFile(file.FieldName, file.FileName)
		if err != nil {
			return nil, "", fmt.Errorf("create form file %s: %w", file.FileName, err)
		}
		if _, err := part.Write(file.Content); err != nil {
			return nil, "", fmt.Errorf("write form file %s: %w", file.FileName, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("finalize multipart body: %w", err)
	}
	return buf, writer.FormDataContentType(), nil
}
