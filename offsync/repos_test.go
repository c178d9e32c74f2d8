// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

type repoHarness struct {
	cfg     *Config
	store   *Store
	monitor *Monitor
	sync    *Synchronizer
	clock   *clock.Mock
	http    *http.Client
}

func newRepoHarness(t *testing.T) *repoHarness {
	t.Helper()
	store, mock := newTestStore(t)
	monitor := NewMonitor(&staticProbe{}, MonitorConfig{})
	monitor.SetState(ConnectionInfo{IsConnected: false, Type: ConnUnknown})

	cfg := DefaultConfig("https://api.test", "x.db")
	syncr := NewSynchronizer(store, monitor, cfg)
	syncr.setClock(mock)

	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)

	return &repoHarness{cfg: cfg, store: store, monitor: monitor, sync: syncr, clock: mock, http: hc}
}

func (h *repoHarness) connect() {
	h.monitor.SetState(ConnectionInfo{IsConnected: true, Type: ConnWifi})
}

func (h *repoHarness) lastQueued(t *testing.T) PendingOperation {
	t.Helper()
	ops, err := h.store.ListPending(context.Background(), 100)
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	return ops[len(ops)-1]
}

func TestAddStepQueuesUnderOwningRoadtrip(t *testing.T) {
	h := newRepoHarness(t)
	repo := newStepRepository(h.cfg, h.store, h.monitor, h.sync)

	result, err := repo.AddStep(context.Background(), "rt-1", map[string]string{"name": "Lyon"}, "tok")
	require.NoError(t, err)
	require.True(t, result.Pending)

	op := h.lastQueued(t)
	require.Equal(t, EntitySteps, op.EntityType)
	require.Equal(t, OpCreate, op.OperationType)
	require.Equal(t, http.MethodPost, op.HTTPMethod)
	require.Equal(t, "https://api.test/roadtrips/rt-1/steps", op.Endpoint)
}

func TestUpdateActivityDatesUsesPatch(t *testing.T) {
	h := newRepoHarness(t)
	repo := newActivityRepository(h.cfg, h.store, h.monitor, h.sync)

	_, err := repo.UpdateActivityDates(context.Background(), "ac-1", map[string]string{
		"startDateTime": "2025-07-01T09:00:00Z",
		"endDateTime":   "2025-07-01T11:00:00Z",
	}, "tok")
	require.NoError(t, err)

	op := h.lastQueued(t)
	require.Equal(t, EntityActivities, op.EntityType)
	require.Equal(t, http.MethodPatch, op.HTTPMethod)
	require.Equal(t, "https://api.test/activities/ac-1/dates", op.Endpoint)
}

func TestUpdateAccommodationDatesUsesPatch(t *testing.T) {
	h := newRepoHarness(t)
	repo := newAccommodationRepository(h.cfg, h.store, h.monitor, h.sync)

	_, err := repo.UpdateAccommodationDates(context.Background(), "ho-1", map[string]string{
		"arrivalDateTime": "2025-07-01T17:00:00Z",
	}, "tok")
	require.NoError(t, err)

	op := h.lastQueued(t)
	require.Equal(t, EntityAccommodations, op.EntityType)
	require.Equal(t, http.MethodPatch, op.HTTPMethod)
	require.Equal(t, "https://api.test/accommodations/ho-1/dates", op.Endpoint)
}

func TestToggleTaskQueuesCompletionPatch(t *testing.T) {
	h := newRepoHarness(t)
	repo := newTaskRepository(h.cfg, h.store, h.monitor, h.sync)

	_, err := repo.ToggleTask(context.Background(), "tk-1", true, "tok")
	require.NoError(t, err)

	op := h.lastQueued(t)
	require.Equal(t, EntityTasks, op.EntityType)
	require.Equal(t, http.MethodPatch, op.HTTPMethod)
	require.Equal(t, "https://api.test/tasks/tk-1", op.Endpoint)
	require.JSONEq(t, `{"completed":true}`, string(op.Payload))
}

func TestUpdateSettingsQueuesDocumentUpdate(t *testing.T) {
	h := newRepoHarness(t)
	repo := newSettingsRepository(h.cfg, h.store, h.monitor, h.sync)

	_, err := repo.UpdateSettings(context.Background(), map[string]string{"language": "fr"}, "tok")
	require.NoError(t, err)

	op := h.lastQueued(t)
	require.Equal(t, EntitySettings, op.EntityType)
	require.Equal(t, OpUpdate, op.OperationType)
	require.Equal(t, http.MethodPut, op.HTTPMethod)
	require.Equal(t, "https://api.test/settings", op.Endpoint)
}

func TestRequestStoryIsSynchronous(t *testing.T) {
	h := newRepoHarness(t)
	repo := newStoryRepository(h.cfg, h.store, h.monitor, h.sync)

	// Offline: generation cannot be queued.
	_, err := repo.RequestStory(context.Background(), "rt-1", map[string]string{"tone": "fun"}, "tok")
	require.ErrorIs(t, err, ErrOffline)

	ops, err := h.store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, ops)

	h.connect()
	repo.SetHTTPClient(h.http)
	httpmock.RegisterResponder("POST", "https://api.test/roadtrips/rt-1/stories",
		httpmock.NewStringResponder(202, `{"success":true,"data":{"jobId":"job-7"}}`))

	result, err := repo.RequestStory(context.Background(), "rt-1", map[string]string{"tone": "fun"}, "tok")
	require.NoError(t, err)
	require.False(t, result.Pending)
	require.JSONEq(t, `{"jobId":"job-7"}`, string(result.Record))
}

func TestGetStoryJobStatusUsesShortTTL(t *testing.T) {
	h := newRepoHarness(t)
	h.connect()
	repo := newStoryRepository(h.cfg, h.store, h.monitor, h.sync)
	repo.SetHTTPClient(h.http)

	httpmock.RegisterResponder("GET", "https://api.test/stories/jobs/job-7",
		httpmock.NewStringResponder(200, `{"success":true,"data":{"status":"processing"}}`))

	_, err := repo.GetStoryJobStatus(context.Background(), "job-7", "tok")
	require.NoError(t, err)
	_, err = repo.GetStoryJobStatus(context.Background(), "job-7", "tok")
	require.NoError(t, err)
	require.Equal(t, 1, httpmock.GetTotalCallCount())

	// Job status goes stale in seconds, not minutes.
	h.clock.Add(31 * time.Second)
	_, err = repo.GetStoryJobStatus(context.Background(), "job-7", "tok")
	require.NoError(t, err)
	require.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestUploadStoryPhotoRequiresConnectivity(t *testing.T) {
	h := newRepoHarness(t)
	repo := newStoryRepository(h.cfg, h.store, h.monitor, h.sync)

	photo := FilePart{FieldName: "photo", FileName: "summit.jpg", Content: []byte("jpegbytes")}
	_, err := repo.UploadStoryPhoto(context.Background(), "story-1", photo, "tok")
	require.ErrorIs(t, err, ErrOffline)

	h.connect()
	repo.SetHTTPClient(h.http)
	httpmock.RegisterResponder("POST", "https://api.test/stories/story-1/photos",
		httpmock.NewStringResponder(200, `{"success":true,"data":{"_id":"story-1"}}`))

	result, err := repo.UploadStoryPhoto(context.Background(), "story-1", photo, "tok")
	require.NoError(t, err)
	require.False(t, result.Pending)
}
