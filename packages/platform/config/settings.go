package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FabricConfig is the fabric's full tunable surface, loaded from file,
// environment, and defaults via viper, matching the named options in the
// external interface.
type FabricConfig struct {
	Outbox OutboxConfig
	Inbox  InboxConfig
	Bus    BusConfig
}

type OutboxConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	LeaseDuration time.Duration
}

type InboxConfig struct {
	Retention     time.Duration
	PollInterval  time.Duration
	ReplayEnabled bool
}

type BusConfig struct {
	PublishTimeout     time.Duration
	WorkerConcurrency  int
}

// LoadFabricConfig reads configPath (if non-empty) plus the FABRIC_-
// prefixed environment, falling back to the defaults below for anything
// unset.
func LoadFabricConfig(configPath string) (*FabricConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("FABRIC")
	v.AutomaticEnv()

	v.SetDefault("outbox.pollinterval", time.Second)
	v.SetDefault("outbox.batchsize", 100)
	v.SetDefault("outbox.maxattempts", 10)
	v.SetDefault("outbox.basebackoff", 2*time.Second)
	v.SetDefault("outbox.maxbackoff", 5*time.Minute)
	v.SetDefault("outbox.leaseduration", 30*time.Second)

	v.SetDefault("inbox.retention", 30*24*time.Hour)
	v.SetDefault("inbox.pollinterval", 30*time.Second)
	v.SetDefault("inbox.replayenabled", true)

	v.SetDefault("bus.publishtimeout", 10*time.Second)
	v.SetDefault("bus.workerconcurrency", 16)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	cfg := &FabricConfig{
		Outbox: OutboxConfig{
			PollInterval:  v.GetDuration("outbox.pollinterval"),
			BatchSize:     v.GetInt("outbox.batchsize"),
			MaxAttempts:   v.GetInt("outbox.maxattempts"),
			BaseBackoff:   v.GetDuration("outbox.basebackoff"),
			MaxBackoff:    v.GetDuration("outbox.maxbackoff"),
			LeaseDuration: v.GetDuration("outbox.leaseduration"),
		},
		Inbox: InboxConfig{
			Retention:     v.GetDuration("inbox.retention"),
			PollInterval:  v.GetDuration("inbox.pollinterval"),
			ReplayEnabled: v.GetBool("inbox.replayenabled"),
		},
		Bus: BusConfig{
			PublishTimeout:    v.GetDuration("bus.publishtimeout"),
			WorkerConcurrency: v.GetInt("bus.workerconcurrency"),
		},
	}
	return cfg, nil
}
