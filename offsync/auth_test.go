// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

type authHarness struct {
	repo    *AuthRepository
	store   *Store
	monitor *Monitor
}

func newAuthHarness(t *testing.T) *authHarness {
	t.Helper()
	store, mock := newTestStore(t)
	monitor := NewMonitor(&staticProbe{}, MonitorConfig{})
	monitor.SetState(ConnectionInfo{IsConnected: true, Type: ConnWifi})

	cfg := DefaultConfig("https://api.test", "x.db")
	syncr := NewSynchronizer(store, monitor, cfg)
	syncr.setClock(mock)

	repo := newAuthRepository(cfg, store, monitor, syncr)
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)
	repo.SetHTTPClient(hc)

	return &authHarness{repo: repo, store: store, monitor: monitor}
}

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(expiresIn).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestLoginStoresSession(t *testing.T) {
	h := newAuthHarness(t)
	accessToken := signedToken(t, time.Hour)
	httpmock.RegisterResponder("POST", "https://api.test/auth/login",
		httpmock.NewStringResponder(200, fmt.Sprintf(
			`{"success":true,"data":{"token":%q,"refresh_token":"r1","user_id":"u1"}}`, accessToken)))

	session, err := h.repo.Login(context.Background(), "ana@example.com", "secret")
	require.NoError(t, err)
	require.Equal(t, accessToken, session.AccessToken)
	require.Equal(t, "r1", session.RefreshToken)
	require.Equal(t, "u1", session.UserID)
	require.Equal(t, session, h.repo.Session())
}

func TestLoginRejectsResponseWithoutToken(t *testing.T) {
	h := newAuthHarness(t)
	httpmock.RegisterResponder("POST", "https://api.test/auth/login",
		httpmock.NewStringResponder(200, `{"success":true,"data":{"user_id":"u1"}}`))

	_, err := h.repo.Login(context.Background(), "ana@example.com", "secret")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing token")
	require.Nil(t, h.repo.Session())
}

func TestLoginNeverQueuesCredentials(t *testing.T) {
	h := newAuthHarness(t)
	h.monitor.SetState(ConnectionInfo{IsConnected: false, Type: ConnUnknown})

	_, err := h.repo.Login(context.Background(), "ana@example.com", "secret")
	require.ErrorIs(t, err, ErrOffline)

	ops, err := h.store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestLoginSurfacesAuthFailure(t *testing.T) {
	h := newAuthHarness(t)
	httpmock.RegisterResponder("POST", "https://api.test/auth/login",
		httpmock.NewStringResponder(401, `{"error":"bad credentials"}`))

	_, err := h.repo.Login(context.Background(), "ana@example.com", "wrong")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, FailureAuth, httpErr.Class)
}

func TestTokenRefreshesWhenAlmostExpired(t *testing.T) {
	h := newAuthHarness(t)
	oldToken := signedToken(t, 5*time.Second) // inside the 30s leeway
	newToken := signedToken(t, time.Hour)
	h.repo.SetSession(&Session{AccessToken: oldToken, RefreshToken: "r1"})

	httpmock.RegisterResponder("POST", "https://api.test/auth/refresh",
		httpmock.NewStringResponder(200, fmt.Sprintf(
			`{"success":true,"data":{"token":%q,"refresh_token":"r2"}}`, newToken)))

	got, err := h.repo.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, newToken, got)
	require.Equal(t, "r2", h.repo.Session().RefreshToken)
}

func TestTokenReturnsCurrentWhileFresh(t *testing.T) {
	h := newAuthHarness(t)
	accessToken := signedToken(t, time.Hour)
	h.repo.SetSession(&Session{AccessToken: accessToken, RefreshToken: "r1"})

	got, err := h.repo.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, accessToken, got)
	require.Zero(t, httpmock.GetTotalCallCount())
}

func TestTokenFailsWhenSignedOut(t *testing.T) {
	h := newAuthHarness(t)
	_, err := h.repo.Token(context.Background())
	require.Error(t, err)
}

func TestRefreshRequiresStoredRefreshToken(t *testing.T) {
	h := newAuthHarness(t)
	h.repo.SetSession(&Session{AccessToken: signedToken(t, time.Hour)})

	_, err := h.repo.Refresh(context.Background())
	require.Error(t, err)
}

func TestLogoutClearsSessionEvenWhenServerUnreachable(t *testing.T) {
	h := newAuthHarness(t)
	h.repo.SetSession(&Session{AccessToken: signedToken(t, time.Hour)})
	h.monitor.SetState(ConnectionInfo{IsConnected: false, Type: ConnUnknown})

	err := h.repo.Logout(context.Background())
	require.ErrorIs(t, err, ErrOffline)
	require.Nil(t, h.repo.Session())
}

func TestLogoutInvalidatesServerSide(t *testing.T) {
	h := newAuthHarness(t)
	h.repo.SetSession(&Session{AccessToken: signedToken(t, time.Hour)})
	httpmock.RegisterResponder("POST", "https://api.test/auth/logout",
		httpmock.NewStringResponder(200, `{"success":true}`))

	require.NoError(t, h.repo.Logout(context.Background()))
	require.Nil(t, h.repo.Session())
	require.Equal(t, 1, httpmock.GetTotalCallCount())

	// Logging out twice is harmless and stays local.
	require.NoError(t, h.repo.Logout(context.Background()))
	require.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestTokenExpired(t *testing.T) {
	require.False(t, TokenExpired(signedToken(t, time.Hour), 30*time.Second))
	require.True(t, TokenExpired(signedToken(t, 10*time.Second), 30*time.Second))
	require.True(t, TokenExpired(signedToken(t, -time.Minute), 30*time.Second))

	// Malformed tokens and tokens without exp are left for the server to
	// reject.
	require.False(t, TokenExpired("not-a-jwt", 30*time.Second))
	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	signed, err := noExp.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	require.False(t, TokenExpired(signed, 30*time.Second))
}
