// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offnotify

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// Config holds the poller frequencies and failure budget.
type Config struct {
	// Foreground is the poll interval while the app is active.
	Foreground time.Duration
	// Background is the poll interval while the app is backgrounded.
	Background time.Duration
	// Boost is the temporary fast interval forced by Boost calls.
	Boost time.Duration
	// MaxRetries is the non-network failure budget per subject; once
	// spent, the subject's polling stops entirely.
	MaxRetries int
	// NetworkRetryInitial seeds the growing delay applied after network
	// errors, which do not consume the retry budget.
	NetworkRetryInitial time.Duration
	// NetworkRetryMax caps that delay.
	NetworkRetryMax time.Duration
}

// DefaultConfig returns the poller defaults.
func DefaultConfig() Config {
	return Config{
		Foreground:          3 * time.Second,
		Background:          30 * time.Second,
		Boost:               1 * time.Second,
		MaxRetries:          3,
		NetworkRetryInitial: 5 * time.Second,
		NetworkRetryMax:     2 * time.Minute,
	}
}

// subject is the per-roadtrip polling state.
type subject struct {
	id         string
	ctx        context.Context
	cancel     context.CancelFunc
	timer      *clock.Timer
	inflight   bool
	retries    int
	lastHash   uint64
	boostUntil time.Time
	netDelay   *backoff.ExponentialBackOff
}

// Poller runs one self-rescheduling poll loop per watched roadtrip.
// Different subjects poll independently; within one subject an in-flight
// guard prevents overlapping requests.
type Poller struct {
	fetcher Fetcher
	store   *Store
	cfg     Config
	clk     clock.Clock
	logger  *slog.Logger

	mu         sync.Mutex
	foreground bool
	subjects   map[string]*subject
}

// NewPoller creates a poller feeding store from fetcher. The app starts
// in the foreground state.
func NewPoller(fetcher Fetcher, store *Store, cfg Config) *Poller {
	if cfg.Foreground <= 0 {
		cfg = DefaultConfig()
	}
	return &Poller{
		fetcher:    fetcher,
		store:      store,
		cfg:        cfg,
		clk:        clock.New(),
		logger:     slog.Default(),
		foreground: true,
		subjects:   make(map[string]*subject),
	}
}

// SetClock swaps the time source; tests drive it manually.
func (p *Poller) SetClock(clk clock.Clock) { p.clk = clk }

// SetLogger replaces the poller's logger.
func (p *Poller) SetLogger(l *slog.Logger) { p.logger = l }

// Watch starts polling a roadtrip. Watching an already watched subject is
// a no-op. The first poll fires immediately.
func (p *Poller) Watch(ctx context.Context, roadtripID string) {
	p.mu.Lock()
	if _, ok := p.subjects[roadtripID]; ok {
		p.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	netDelay := backoff.NewExponentialBackOff()
	netDelay.InitialInterval = p.cfg.NetworkRetryInitial
	netDelay.MaxInterval = p.cfg.NetworkRetryMax
	netDelay.MaxElapsedTime = 0
	sub := &subject{
		id:       roadtripID,
		ctx:      subCtx,
		cancel:   cancel,
		netDelay: netDelay,
	}
	p.subjects[roadtripID] = sub
	p.mu.Unlock()

	p.logger.Debug("watching roadtrip notifications", "roadtrip", roadtripID)
	go p.poll(sub)
}

// Unwatch cancels a roadtrip's poll loop.
func (p *Poller) Unwatch(roadtripID string) {
	p.mu.Lock()
	sub, ok := p.subjects[roadtripID]
	if ok {
		delete(p.subjects, roadtripID)
		if sub.timer != nil {
			sub.timer.Stop()
		}
		sub.cancel()
	}
	p.mu.Unlock()
	if ok {
		p.logger.Debug("stopped watching roadtrip notifications", "roadtrip", roadtripID)
	}
}

// Close stops every subject's poll loop.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sub := range p.subjects {
		delete(p.subjects, id)
		if sub.timer != nil {
			sub.timer.Stop()
		}
		sub.cancel()
	}
}

// Watched reports whether a roadtrip is currently being polled.
func (p *Poller) Watched(roadtripID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subjects[roadtripID]
	return ok
}

// Boost forces the fast interval for duration, then the subject falls
// back to its normal frequency. Used when the notification screen opens.
func (p *Poller) Boost(roadtripID string, duration time.Duration) {
	p.mu.Lock()
	sub, ok := p.subjects[roadtripID]
	if !ok {
		p.mu.Unlock()
		return
	}
	sub.boostUntil = p.clk.Now().Add(duration)
	p.rescheduleLocked(sub, p.cfg.Boost)
	p.mu.Unlock()
}

// SetForeground switches every subject between the foreground and
// background frequencies. Armed timers are rescheduled so the next poll
// already uses the new interval.
func (p *Poller) SetForeground(foreground bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.foreground == foreground {
		return
	}
	p.foreground = foreground
	for _, sub := range p.subjects {
		p.rescheduleLocked(sub, p.intervalLocked(sub))
	}
}

// poll performs one fetch for a subject and schedules the next one.
func (p *Poller) poll(sub *subject) {
	p.mu.Lock()
	if p.subjects[sub.id] != sub {
		p.mu.Unlock()
		return
	}
	if sub.inflight {
		p.mu.Unlock()
		return
	}
	sub.inflight = true
	p.mu.Unlock()

	notifications, err := p.fetcher.Fetch(sub.ctx, sub.id)

	p.mu.Lock()
	if p.subjects[sub.id] != sub {
		p.mu.Unlock()
		return
	}
	sub.inflight = false

	if err != nil {
		if sub.ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		if isNetworkError(err) {
			delay := sub.netDelay.NextBackOff()
			p.logger.Debug("notification poll network error, slowing down",
				"roadtrip", sub.id, "delay", delay, "error", err)
			p.scheduleLocked(sub, delay)
			p.mu.Unlock()
			return
		}
		sub.retries++
		if sub.retries >= p.cfg.MaxRetries {
			delete(p.subjects, sub.id)
			sub.cancel()
			p.mu.Unlock()
			p.logger.Warn("notification polling stopped after repeated failures",
				"roadtrip", sub.id, "retries", sub.retries, "error", err)
			return
		}
		p.logger.Debug("notification poll failed",
			"roadtrip", sub.id, "retries", sub.retries, "error", err)
		p.scheduleLocked(sub, p.intervalLocked(sub))
		p.mu.Unlock()
		return
	}

	sub.retries = 0
	sub.netDelay.Reset()
	hash := hashNotifications(notifications)
	fresh := hash != sub.lastHash
	sub.lastHash = hash
	p.scheduleLocked(sub, p.intervalLocked(sub))
	p.mu.Unlock()

	if fresh {
		p.store.Ingest(sub.id, notifications)
	}
}

// intervalLocked picks the current interval for a subject: boost while
// active, otherwise foreground or background frequency.
func (p *Poller) intervalLocked(sub *subject) time.Duration {
	if p.clk.Now().Before(sub.boostUntil) {
		return p.cfg.Boost
	}
	if p.foreground {
		return p.cfg.Foreground
	}
	return p.cfg.Background
}

func (p *Poller) scheduleLocked(sub *subject, delay time.Duration) {
	sub.timer = p.clk.AfterFunc(delay, func() { p.poll(sub) })
}

func (p *Poller) rescheduleLocked(sub *subject, delay time.Duration) {
	if sub.timer != nil {
		sub.timer.Stop()
	}
	if !sub.inflight {
		p.scheduleLocked(sub, delay)
	}
}

// hashNotifications fingerprints a poll payload so unchanged responses
// skip the ingest path.
func hashNotifications(notifications []Notification) uint64 {
	h := fnv.New64a()
	for _, n := range notifications {
		h.Write([]byte(n.ID))
		if n.Read {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		h.Write([]byte(n.Message))
	}
	return h.Sum64()
}

// isNetworkError reports whether err is a transport-level failure, which
// slows polling down without consuming the retry budget.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
