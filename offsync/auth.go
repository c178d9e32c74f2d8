// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session holds the tokens returned by the auth endpoints.
type Session struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

// AuthRepository serves login, registration and token refresh. Every call
// is synchronous: credentials are never queued, and all of them fail with
// ErrOffline when disconnected.
type AuthRepository struct {
	client *EntityClient

	mu      sync.Mutex
	session *Session
}

func newAuthRepository(engine *Config, store *Store, monitor *Monitor, syncr *Synchronizer) *AuthRepository {
	return &AuthRepository{
		client: NewEntityClient(EntityConfig{
			Name:       EntityAuth,
			BasePath:   "/auth",
			Optimistic: false,
		}, engine, store, monitor, syncr),
	}
}

// SetHTTPClient replaces the HTTP client; tests install fake transports.
func (r *AuthRepository) SetHTTPClient(h *http.Client) { r.client.SetHTTPClient(h) }

// Login authenticates and stores the resulting session.
func (r *AuthRepository) Login(ctx context.Context, email, password string) (*Session, error) {
	return r.sessionCall(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

// Register creates an account and stores the resulting session.
func (r *AuthRepository) Register(ctx context.Context, data any) (*Session, error) {
	return r.sessionCall(ctx, "/auth/register", data)
}

// Refresh exchanges the stored refresh token for a new session.
func (r *AuthRepository) Refresh(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	current := r.session
	r.mu.Unlock()
	if current == nil || current.RefreshToken == "" {
		return nil, fmt.Errorf("no session to refresh")
	}
	return r.sessionCall(ctx, "/auth/refresh", map[string]string{
		"refresh_token": current.RefreshToken,
	})
}

// Logout invalidates the session server-side and drops it locally. The
// local session is cleared even when the server call fails.
func (r *AuthRepository) Logout(ctx context.Context) error {
	r.mu.Lock()
	session := r.session
	r.session = nil
	r.mu.Unlock()

	if session == nil {
		return nil
	}
	optimistic := false
	_, err := r.client.Create(ctx, nil, WriteOptions{
		Token:      session.AccessToken,
		Endpoint:   r.client.endpoint("/auth/logout", nil),
		Optimistic: &optimistic,
	})
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Session returns the current session, or nil when signed out.
func (r *AuthRepository) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// SetSession installs a session restored from secure storage by the app.
func (r *AuthRepository) SetSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = s
}

// Token returns a usable access token, refreshing it first when the JWT
// exp claim says it has (almost) run out.
func (r *AuthRepository) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return "", fmt.Errorf("not signed in")
	}
	if !TokenExpired(session.AccessToken, 30*time.Second) {
		return session.AccessToken, nil
	}
	refreshed, err := r.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh expired token: %w", err)
	}
	return refreshed.AccessToken, nil
}

func (r *AuthRepository) sessionCall(ctx context.Context, path string, body any) (*Session, error) {
	optimistic := false
	result, err := r.client.Create(ctx, body, WriteOptions{
		Endpoint:   r.client.endpoint(path, nil),
		Optimistic: &optimistic,
	})
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(result.Record, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if session.AccessToken == "" {
		return nil, fmt.Errorf("auth response missing token")
	}
	r.mu.Lock()
	r.session = &session
	r.mu.Unlock()
	return &session, nil
}

// TokenExpired reports whether the JWT expires within leeway. The claim is
// read without signature verification; only the server can validate the
// token, this is a local heuristic for proactive refresh. Tokens without
// an exp claim never read as expired.
func TokenExpired(tokenString string, leeway time.Duration) bool {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().Add(leeway).After(exp.Time)
}
