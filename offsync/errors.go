// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when a repository or the engine is used
	// before Initialize has completed.
	ErrNotInitialized = errors.New("offline engine not initialized")

	// ErrNoOfflineData is returned by reads that miss the cache while the
	// device is disconnected.
	ErrNoOfflineData = errors.New("no offline data available")

	// ErrOffline is returned by synchronous-only calls (optimistic updates
	// disabled) made without connectivity.
	ErrOffline = errors.New("operation requires an active connection")

	// ErrWaitTimeout is returned by Monitor.WaitForConnection when the
	// timeout elapses before connectivity is restored.
	ErrWaitTimeout = errors.New("timed out waiting for connection")

	// ErrSyncRunning reports that a drain cycle is already in progress.
	ErrSyncRunning = errors.New("sync cycle already running")
)

// FailureClass partitions HTTP failures for retry handling and UI surfacing.
type FailureClass string

const (
	FailureAuth     FailureClass = "auth"     // 401: prompt re-auth, retryable
	FailureConflict FailureClass = "conflict" // 409: no auto-merge, retryable
	FailureServer   FailureClass = "server"   // 5xx: retryable
	FailureGeneric  FailureClass = "generic"  // other 4xx: retryable
)

// HTTPError carries a classified non-2xx response from a drained operation
// or a synchronous repository call.
type HTTPError struct {
	StatusCode int
	Class      FailureClass
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned status %d (%s)", e.StatusCode, e.Class)
}

// ClassifyStatus maps an HTTP status code to its failure class.
func ClassifyStatus(code int) FailureClass {
	switch {
	case code == 401:
		return FailureAuth
	case code == 409:
		return FailureConflict
	case code >= 500:
		return FailureServer
	default:
		return FailureGeneric
	}
}

// NewHTTPError builds a classified error from a response status and body.
func NewHTTPError(code int, body string) *HTTPError {
	return &HTTPError{StatusCode: code, Class: ClassifyStatus(code), Body: body}
}
