// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want FailureClass
	}{
		{401, FailureAuth},
		{409, FailureConflict},
		{500, FailureServer},
		{502, FailureServer},
		{503, FailureServer},
		{400, FailureGeneric},
		{403, FailureGeneric},
		{404, FailureGeneric},
		{422, FailureGeneric},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ClassifyStatus(tt.code), "status %d", tt.code)
	}
}

func TestHTTPErrorCarriesClassAndBody(t *testing.T) {
	err := NewHTTPError(401, `{"error":"token expired"}`)
	require.Equal(t, 401, err.StatusCode)
	require.Equal(t, FailureAuth, err.Class)
	require.Contains(t, err.Body, "token expired")
	require.Equal(t, "server returned status 401 (auth)", err.Error())

	var httpErr *HTTPError
	require.True(t, errors.As(error(err), &httpErr))
}

func TestListenerSetAddEmitUnsubscribe(t *testing.T) {
	set := newListenerSet[int]()

	var got []int
	unsubscribe := set.add(func(v int) { got = append(got, v) })

	set.emit(1)
	set.emit(2)
	unsubscribe()
	set.emit(3)

	require.Equal(t, []int{1, 2}, got)
}
