// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// Connection type tags reported by the monitor.
const (
	ConnWifi     = "wifi"
	ConnCellular = "cellular"
	ConnOther    = "other"
	ConnUnknown  = "unknown"
)

// ConnectionInfo is a snapshot of network reachability. IsConnected
// requires both a link and actual reachability to the internet.
type ConnectionInfo struct {
	IsConnected bool   `json:"is_connected"`
	Type        string `json:"type"`
}

// Probe performs one reachability check. Implementations must be safe for
// concurrent use.
type Probe interface {
	Check(ctx context.Context) (ConnectionInfo, error)
}

// HTTPProbe checks reachability by issuing a HEAD request against a
// lightweight endpoint (a generate_204-style URL). The link type is
// supplied by an optional hook since Go cannot see the radio; it defaults
// to unknown.
type HTTPProbe struct {
	URL      string
	Client   *http.Client
	LinkType func() string
}

// NewHTTPProbe builds a probe against url with a short request timeout.
func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Check reports connected when the probe endpoint answers at all; any
// HTTP status is proof of reachability, transport errors are not.
func (p *HTTPProbe) Check(ctx context.Context) (ConnectionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return ConnectionInfo{Type: ConnUnknown}, fmt.Errorf("create probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return ConnectionInfo{IsConnected: false, Type: ConnUnknown}, nil
	}
	resp.Body.Close()

	connType := ConnUnknown
	if p.LinkType != nil {
		connType = p.LinkType()
	}
	return ConnectionInfo{IsConnected: true, Type: connType}, nil
}

// MonitorConfig holds connectivity monitor settings.
type MonitorConfig struct {
	// ProbeInterval is the period between background reachability checks.
	ProbeInterval time.Duration
	// ExpensiveTypes lists connection types that gate non-essential
	// uploads (HasGoodConnection). Defaults to cellular.
	ExpensiveTypes []string
}

// Monitor is the single source of truth for network reachability. It
// relays transition events to listeners; callbacks run on the goroutine
// that observed the change and must not block.
type Monitor struct {
	probe     Probe
	clk       clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	expensive map[string]bool

	mu          sync.Mutex
	info        ConnectionInfo
	initialized bool
	cancel      context.CancelFunc

	listeners *listenerSet[ConnectionInfo]
}

// NewMonitor creates a connectivity monitor over probe. Zero-value config
// fields fall back to a 15s probe interval and {cellular} as expensive.
func NewMonitor(probe Probe, cfg MonitorConfig) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if len(cfg.ExpensiveTypes) == 0 {
		cfg.ExpensiveTypes = []string{ConnCellular}
	}
	expensive := make(map[string]bool, len(cfg.ExpensiveTypes))
	for _, t := range cfg.ExpensiveTypes {
		expensive[t] = true
	}
	return &Monitor{
		probe:     probe,
		clk:       clock.New(),
		logger:    slog.Default(),
		interval:  cfg.ProbeInterval,
		expensive: expensive,
		info:      ConnectionInfo{Type: ConnUnknown},
		listeners: newListenerSet[ConnectionInfo](),
	}
}

func (m *Monitor) setClock(clk clock.Clock) { m.clk = clk }

// SetLogger replaces the monitor's logger.
func (m *Monitor) SetLogger(l *slog.Logger) { m.logger = l }

// Initialize fetches the current state and starts the background re-probe
// loop. Idempotent.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.mu.Unlock()

	// Initial probe with a few quick retries so startup on a flaky link
	// still lands on an accurate state.
	initial := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	info := ConnectionInfo{Type: ConnUnknown}
	err := backoff.Retry(func() error {
		var probeErr error
		info, probeErr = m.probe.Check(ctx)
		return probeErr
	}, initial)
	if err != nil {
		m.logger.Warn("initial connectivity probe failed", "error", err)
	}
	m.applyState(info)

	go m.probeLoop(loopCtx)
	return nil
}

// Close stops the re-probe loop.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.initialized = false
}

func (m *Monitor) probeLoop(ctx context.Context) {
	ticker := m.clk.Ticker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := m.probe.Check(ctx)
			if err != nil {
				m.logger.Debug("connectivity probe error", "error", err)
				continue
			}
			m.applyState(info)
		}
	}
}

// ConnectionInfo returns the current reachability snapshot.
func (m *Monitor) ConnectionInfo() ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// CheckConnection forces a fresh probe, bypassing the cached state.
func (m *Monitor) CheckConnection(ctx context.Context) (ConnectionInfo, error) {
	info, err := m.probe.Check(ctx)
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("connectivity probe: %w", err)
	}
	m.applyState(info)
	return info, nil
}

// SetState feeds an externally observed state into the monitor. Embedders
// that receive OS reachability callbacks call this instead of waiting for
// the next probe tick.
func (m *Monitor) SetState(info ConnectionInfo) {
	m.applyState(info)
}

// AddListener registers a callback invoked only on connected↔disconnected
// transitions, not on every raw event. The returned func unsubscribes.
func (m *Monitor) AddListener(fn func(ConnectionInfo)) func() {
	return m.listeners.add(fn)
}

// HasGoodConnection reports whether the device is connected on a link not
// designated expensive; used to gate non-essential uploads.
func (m *Monitor) HasGoodConnection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.IsConnected && !m.expensive[m.info.Type]
}

// WaitForConnection blocks until connectivity is (re)established or the
// timeout elapses. The listener is removed on every return path.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	ready := make(chan struct{}, 1)
	unsubscribe := m.AddListener(func(info ConnectionInfo) {
		if info.IsConnected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if m.ConnectionInfo().IsConnected {
		return nil
	}

	timer := m.clk.Timer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyState stores the new state and notifies listeners when the
// connected flag actually flipped.
func (m *Monitor) applyState(info ConnectionInfo) {
	m.mu.Lock()
	transition := m.info.IsConnected != info.IsConnected
	m.info = info
	m.mu.Unlock()

	if transition {
		m.logger.Info("connectivity changed", "connected", info.IsConnected, "type", info.Type)
		m.listeners.emit(info)
	}
}
