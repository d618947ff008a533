package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultSendWorkers, cfg.Queues.Send.Workers)
	assert.Equal(t, DefaultFetchWorkers, cfg.Queues.Fetch.Workers)
	assert.Equal(t, "sqlite", cfg.Broker.Backend)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	body := `
storage:
  path: /tmp/test-courier.db
broker:
  backend: memory
queues:
  send:
    workers: 3
    max_attempts: 2
    backoff_base_ms: 50
driver:
  target_url: https://chat.example.com
  pacing_delay_ms: 100
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queues.Send.Workers)
	assert.Equal(t, 2, cfg.Queues.Send.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Queues.Send.BackoffBase())
	assert.Equal(t, 100*time.Millisecond, cfg.Driver.PacingDelay())

	// Untouched sections still get defaults.
	assert.Equal(t, DefaultFetchWorkers, cfg.Queues.Fetch.Workers)
	assert.Equal(t, time.Duration(DefaultStallTimeoutMs)*time.Millisecond, cfg.Queues.Fetch.StallTimeout())
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := Default()
	cfg.Broker.Backend = "kafka"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())
}
