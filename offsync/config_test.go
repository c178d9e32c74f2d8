// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("https://api.test", "sync.db")

	require.Equal(t, "https://api.test", cfg.BaseURL)
	require.Equal(t, "https://api.test/health", cfg.ProbeURL)
	require.Equal(t, 50, cfg.DrainLimit)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, []Duration{
		Duration(time.Second),
		Duration(3 * time.Second),
		Duration(10 * time.Second),
		Duration(30 * time.Second),
		Duration(60 * time.Second),
	}, cfg.RetryBackoff)
	require.NoError(t, cfg.validate())
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url: https://api.example.com
database_path: /data/sync.db
http_timeout: 10s
max_retries: 3
retry_backoff: [2s, 4s, 8s]
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com", cfg.BaseURL)
	require.Equal(t, "/data/sync.db", cfg.DatabasePath)
	require.Equal(t, 10*time.Second, cfg.HTTPTimeout.Std())
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, []Duration{
		Duration(2 * time.Second),
		Duration(4 * time.Second),
		Duration(8 * time.Second),
	}, cfg.RetryBackoff)

	// Unset fields keep their defaults.
	require.Equal(t, 50, cfg.DrainLimit)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url: https://api.example.com
max_retries: 3
`), 0o644))

	t.Setenv("OFFSYNC_MAX_RETRIES", "9")
	t.Setenv("OFFSYNC_HTTP_TIMEOUT", "5s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.MaxRetries)
	require.Equal(t, 5*time.Second, cfg.HTTPTimeout.Std())
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("OFFSYNC_BASE_URL", "https://api.example.com")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com", cfg.BaseURL)
	require.Equal(t, "roadtrip-offline.db", cfg.DatabasePath)
}

func TestLoadConfigRejectsMissingBaseURL(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "base_url")
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`1m30s`), &d))
	require.Equal(t, 90*time.Second, d.Std())

	out, err := yaml.Marshal(d)
	require.NoError(t, err)
	require.Equal(t, "1m30s\n", string(out))

	require.Error(t, yaml.Unmarshal([]byte(`soon`), &d))
}

func TestBackoffTable(t *testing.T) {
	cfg := DefaultConfig("https://api.test", "sync.db")

	require.Equal(t, time.Second, cfg.backoffFor(0))
	require.Equal(t, 3*time.Second, cfg.backoffFor(1))
	require.Equal(t, 10*time.Second, cfg.backoffFor(2))
	require.Equal(t, 30*time.Second, cfg.backoffFor(3))
	require.Equal(t, 60*time.Second, cfg.backoffFor(4))
	// The last entry repeats for further retries.
	require.Equal(t, 60*time.Second, cfg.backoffFor(17))
	require.Equal(t, time.Second, cfg.backoffFor(-1))
}
