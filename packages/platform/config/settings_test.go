package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadFabricConfig_Defaults(t *testing.T) {
	cfg, err := LoadFabricConfig("")
	assert.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Outbox.BaseBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Outbox.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Outbox.LeaseDuration)

	assert.True(t, cfg.Inbox.ReplayEnabled)
	assert.Equal(t, 30*time.Second, cfg.Inbox.PollInterval)

	assert.Equal(t, 16, cfg.Bus.WorkerConcurrency)
	assert.Equal(t, 10*time.Second, cfg.Bus.PublishTimeout)
}
