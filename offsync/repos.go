// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Entity tags for the repository set.
const (
	EntityRoadtrips      = "roadtrips"
	EntitySteps          = "steps"
	EntityActivities     = "activities"
	EntityAccommodations = "accommodations"
	EntityTasks          = "tasks"
	EntityChat           = "chat"
	EntityStories        = "stories"
	EntityAuth           = "auth"
	EntitySettings       = "settings"
)

// Default cache TTLs per entity. Volatile data (story job status) stays
// fresh for seconds, settings for minutes.
const (
	ttlRoadtrips = 5 * time.Minute
	ttlSteps     = 5 * time.Minute
	ttlPlanning  = 2 * time.Minute
	ttlTasks     = 1 * time.Minute
	ttlStories   = 5 * time.Minute
	ttlJobStatus = 30 * time.Second
	ttlSettings  = 15 * time.Minute
)

// RoadtripRepository serves the top-level roadtrip entity.
type RoadtripRepository struct {
	*EntityClient
}

func newRoadtripRepository(engine *Config, store *Store, monitor *Monitor, sync *Synchronizer) *RoadtripRepository {
	return &RoadtripRepository{NewEntityClient(EntityConfig{
		Name:       EntityRoadtrips,
		BasePath:   "/roadtrips",
		CacheTTL:   ttlRoadtrips,
		Optimistic: true,
	}, engine, store, monitor, sync)}
}

// GetAllRoadtrips lists the user's roadtrips through the cache.
func (r *RoadtripRepository) GetAllRoadtrips(ctx context.Context, token string) (json.RawMessage, error) {
	return r.Get(ctx, "/roadtrips", GetOptions{Token: token, UseCache: true})
}

// GetRoadtrip fetches one roadtrip by id.
func (r *RoadtripRepository) GetRoadtrip(ctx context.Context, id, token string) (json.RawMessage, error) {
	return r.Get(ctx, "/roadtrips/"+id, GetOptions{Token: token, UseCache: true})
}

// CreateRoadtrip queues an optimistic create.
func (r *RoadtripRepository) CreateRoadtrip(ctx context.Context, data any, token string) (*WriteResult, error) {
	return r.Create(ctx, data, WriteOptions{Token: token})
}

// UpdateRoadtrip queues an optimistic update.
func (r *RoadtripRepository) UpdateRoadtrip(ctx context.Context, id string, data any, token string) (*WriteResult, error) {
	return r.Update(ctx, id, data, WriteOptions{Token: token})
}

// DeleteRoadtrip queues an optimistic delete.
func (r *RoadtripRepository) DeleteRoadtrip(ctx context.Context, id, token string) (*WriteResult, error) {
	return r.Delete(ctx, id, WriteOptions{Token: token})
}

// StepRepository serves the steps of a roadtrip.
type StepRepository struct {
	*EntityClient
}

func newStepRepository(engine *Config, store *Store, monitor *Monitor, sync *Synchronizer) *StepRepository {
	return &StepRepository{NewEntityClient(EntityConfig{
		Name:       EntitySteps,
		BasePath:   "/steps",
		CacheTTL:   ttlSteps,
		Optimistic: true,
	}, engine, store, monitor, sync)}
}

// GetStepsForRoadtrip lists the steps of one roadtrip.
func (r *StepRepository) GetStepsForRoadtrip(ctx context.Context, roadtripID, token string) (json.RawMessage, error) {
	return r.Get(ctx, "/roadtrips/"+roadtripID+"/steps", GetOptions{Token: token, UseCache: true})
}

// GetStep fetches one step by id.
func (r *StepRepository) GetStep(ctx context.Context, id, token string) (json.RawMessage, error) {
	return r.Get(ctx, "/steps/"+id, GetOptions{Token: token, UseCache: true})
}

// AddStep queues an optimistic create under the owning roadtrip.
func (r *StepRepository) AddStep(ctx context.Context, roadtripID string, data any, token string) (*WriteResult, error) {
	return r.Create(ctx, data, WriteOptions{
		Token:    token,
		Endpoint: r.endpoint("/roadtrips/"+roadtripID+"/steps", nil),
	})
}

// UpdateStep queues an optimistic update.
func (r *StepRepository) UpdateStep(ctx context.Context, id string, data any, token string) (*WriteResult, error) {
	return r.Update(ctx, id, data, WriteOptions{Token: token})
}

// DeleteStep queues an optimistic delete.
func (r *StepRepository) DeleteStep(ctx context.Context, id, token string) (*WriteResult, error) {
	return r.Delete(ctx, id, WriteOptions{Token: token})
}

// ActivityRepository serves activities attached to steps.
type ActivityRepository struct {
	*EntityClient
}

func newActivityRepository(engine *Config, store *Store, monitor *Monitor, sync *Synchronizer) *ActivityRepository {
	return &ActivityRepository{NewEntityClient(EntityConfig{
		Name:       EntityActivities,
		BasePath:   "/activities",
		CacheTTL:   ttlPlanning,
		Optimistic: true,
	}, engine, store, monitor, sync)}
}

// GetActivity fetches one activity by id.
func (r *ActivityRepository) GetActivity(ctx context.Context, id, token string) (json.RawMessage, error) {
	return r.Get(ctx, "/activities/"+id, GetOptions{Token: token, UseCache: true})
}

// UpdateActivity queues an optimistic full update.
func (r *ActivityRepository) UpdateActivity(ctx context.Context, id string, data any, token string) (*WriteResult, error) {
	return r.Update(ctx, id, data, WriteOptions{Token: token})
}

// UpdateActivityDates queues a partial date-only update via PATCH.
func (r *ActivityRepository) UpdateActivityDates(ctx context.Context, id string, dates any, token string) (*WriteResult, error) {
	return r.Update(ctx, id, dates, WriteOptions{
		Token:    token,
		Method:   http.MethodPatch,
		Endpoint: r.endpoint("/activities/"+id+"/dates", nil),
	})
}

// AddActivity queues an optimistic create under the owning step.
func (r *ActivityRepository) AddActivity(ctx context.Context, stepID string, data any, token string) (*WriteResult, error) {
	return r.Create(ctx, data, WriteOptions{
		Token:    token,
		Endpoint: r.endpoint("/steps/"+stepID+"/activities", nil),
	})
}

// DeleteActivity queues an optimistic delete.
func (r *ActivityRepository) DeleteActivity(ctx context.Context, id, token string) (*WriteResult, error) {
	return r.Delete(ctx, id, WriteOptions{Token: token})
}

// AccommodationRepository serves accommodations attached to steps.
type AccommodationRepository struct {
	*EntityClient
}

func newAccommodationRepository(engine *Config, store *Store, monitor *Monitor, sync *Synchronizer) *AccommodationRepository {
	return &AccommodationRepository{NewEntityClient(EntityConfig{
		Name:       EntityAccommodations,
		BasePath:   "/accommodations",
		CacheTTL:   ttlPlanning,
		Optimistic: true,
	}, engine, store, monitor, sync)}
}

// GetAccommodation fetches one accommodation by id.
func (r *AccommodationRepository) GetAccommodation(ctx context.Context, id, token string) (json.RawMessage, error) {
	return r.Get(ctx, "/accommodations/"+id, GetOptions{Token: token, UseCache: true})
}

// UpdateAccommodation queues an optimistic update.
func (r *AccommodationRepository) UpdateAccommodation(ctx context.Context, id string, data any, token string) (*WriteResult, error) {
	return r.Update(ctx, id, data, WriteOptions{Token: token})
}

// UpdateAccommodationDates queues a partial date-only update via PATCH.
func (r *AccommodationRepository) UpdateAccommodationDates(ctx context.Context, id string, dates any, token string) (*WriteResult, error) {
	return r.Update(ctx, id, dates, WriteOptions{
		Token:    token,
		Method:   http.MethodPatch,
		Endpoint: r.endpoint("/accommodations/"+id+"/dates", nil),
	})
}

// AddAccommodation queues an optimistic create under the owning step.
func (r *AccommodationRepository) AddAccommodation(ctx context.Context, stepID string, data any, token string) (*WriteResult, error) {
	return r.Create(ctx, data, WriteOptions{
		Token:    token,
		Endpoint: r.endpoint("/steps/"+stepID+"/accommodations", nil),
	})
}

// DeleteAccommodation queues an optimistic delete.
func (r *AccommodationRepository) DeleteAccommodation(ctx context.Context, id, token string) (*WriteResult, error) {
	return r.Delete(ctx, id, WriteOptions{Token: token})
}

// TaskRepository serves the task checklist of a roadtrip.
type TaskRepository struct {
	*EntityClient
}

func newTaskRepository(engine *Config, store *Store, monitor *Monitor, sync *Synchronizer) *TaskRepository {
	return &TaskRepository{NewEntityClient(EntityConfig{
		Name:       EntityTasks,
		BasePath:   "/tasks",
		CacheTTL:   ttlTasks,
		Optimistic: true,
	}, engine, store, monitor, sync)}
}

// GetTasksForRoadtrip lists the tasks of one roadtrip.
func (r *TaskRepository) GetTasksForRoadtrip(ctx context.Context, roadtripID, token string) (json.RawMessage, error) {
	return r.Get(ctx, "/roadtrips/"+roadtripID+"/tasks", GetOptions{Token: token, UseCache: true})
}

// AddTask queues an optimistic create under the owning roadtrip.
func (r *TaskRepository) AddTask(ctx context.Context, roadtripID string, data any, token string) (*WriteResult, error) {
	return r.Create(ctx, data, WriteOptions{
		Token:    token,
		Endpoint: r.endpoint("/roadtrips/"+roadtripID+"/tasks", nil),
	})
}

// ToggleTask queues a partial completion toggle via PATCH.
func (r *TaskRepository) ToggleTask(ctx context.Context, id string, done bool, token string) (*WriteResult, error) {
	return r.Update(ctx, id, map[string]bool{"completed": done}, WriteOptions{
		Token:  token,
		Method: http.MethodPatch,
	})
}

// DeleteTask queues an optimistic delete.
func (r *TaskRepository) DeleteTask(ctx context.Context, id, token string) (*WriteResult, error) {
	return r.Delete(ctx, id, WriteOptions{Token: token})
}

// StoryRepository serves generated travel stories and their generation
// jobs. Job status is volatile, so its reads use a short TTL.
type StoryRepository struct {
	*EntityClient
}

func newStoryRepository(engine *Config, store *Store, monitor *Monitor, sync *Synchronizer) *StoryRepository {
	return &StoryRepository{NewEntityClient(EntityConfig{
		Name:       EntityStories,
		BasePath:   "/stories",
		CacheTTL:   ttlStories,
		Optimistic: true,
	}, engine, store, monitor, sync)}
}

// GetStoriesForRoadtrip lists the stories of one roadtrip.
func (r *StoryRepository) GetStoriesForRoadtrip(ctx context.Context, roadtripID, token string) (json.RawMessage, error) {
	return r.Get(ctx, "/roadtrips/"+roadtripID+"/stories", GetOptions{Token: token, UseCache: true})
}

// GetStoryJobStatus polls a generation job; cached for seconds only.
func (r *StoryRepository) GetStoryJobStatus(ctx context.Context, jobID, token string) (json.RawMessage, error) {
	return r.Get(ctx, "/stories/jobs/"+jobID, GetOptions{
		Token:    token,
		UseCache: true,
		CacheTTL: ttlJobStatus,
	})
}

// RequestStory starts story generation. Generation happens server-side,
// so this is a synchronous call.
func (r *StoryRepository) RequestStory(ctx context.Context, roadtripID string, data any, token string) (*WriteResult, error) {
	optimistic := false
	return r.Create(ctx, data, WriteOptions{
		Token:      token,
		Endpoint:   r.endpoint("/roadtrips/"+roadtripID+"/stories", nil),
		Optimistic: &optimistic,
	})
}

// DeleteStory queues an optimistic delete.
func (r *StoryRepository) DeleteStory(ctx context.Context, id, token string) (*WriteResult, error) {
	return r.Delete(ctx, id, WriteOptions{Token: token})
}

// UploadStoryPhoto attaches a photo to a story. Multipart, therefore
// synchronous.
func (r *StoryRepository) UploadStoryPhoto(ctx context.Context, storyID string, photo FilePart, token string) (*WriteResult, error) {
	return r.Update(ctx, storyID, nil, WriteOptions{
		Token:    token,
		Endpoint: r.endpoint("/stories/"+storyID+"/photos", nil),
		Method:   http.MethodPost,
		Files:    []FilePart{photo},
	})
}

// SettingsRepository serves the user settings document.
type SettingsRepository struct {
	*EntityClient
}

func newSettingsRepository(engine *Config, store *Store, monitor *Monitor, sync *Synchronizer) *SettingsRepository {
	return &SettingsRepository{NewEntityClient(EntityConfig{
		Name:       EntitySettings,
		BasePath:   "/settings",
		CacheTTL:   ttlSettings,
		Optimistic: true,
	}, engine, store, monitor, sync)}
}

// GetSettings fetches the settings document; it changes rarely, so the
// cache window is long.
func (r *SettingsRepository) GetSettings(ctx context.Context, token string) (json.RawMessage, error) {
	return r.Get(ctx, "/settings", GetOptions{Token: token, UseCache: true})
}

// UpdateSettings queues an optimistic settings update.
func (r *SettingsRepository) UpdateSettings(ctx context.Context, data any, token string) (*WriteResult, error) {
	return r.Update(ctx, "", data, WriteOptions{
		Token:    token,
		Endpoint: r.endpoint("/settings", nil),
	})
}
