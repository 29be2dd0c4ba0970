// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the quota engine configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"quotaengine/internal/quota/core"
	"quotaengine/internal/quota/persistence"
	"quotaengine/internal/quota/usage"
)

// EnvPrefix prefixes every variable, e.g. QE_REDIS_ADDR.
const EnvPrefix = "qe"

// Config represents the application configuration structure.
type Config struct {
	Environment    string `default:"development"`
	ListenAddress  string `split_words:"true" default:":8080"`
	MetricsAddress string `split_words:"true" default:""`

	RedisAddr     string `split_words:"true" default:"127.0.0.1:6379"`
	RedisPassword string `split_words:"true"`
	RedisDB       int    `split_words:"true" default:"0"`
	RedisPoolSize int    `split_words:"true" default:"20"`

	DurableAdapter string `split_words:"true" default:"memory"`
	PostgresDSN    string `split_words:"true"`

	ReconcileInterval  time.Duration `split_words:"true" default:"1m"`
	ReconcileChunkSize int           `split_words:"true" default:"100"`
	DailyReset         bool          `split_words:"true" default:"true"`
	ShutdownTimeout    time.Duration `split_words:"true" default:"15s"`

	UrgentBatchSize     int           `split_words:"true" default:"25"`
	UrgentFlushInterval time.Duration `split_words:"true" default:"50ms"`
	HighBatchSize       int           `split_words:"true" default:"50"`
	HighFlushInterval   time.Duration `split_words:"true" default:"500ms"`
	MediumBatchSize     int           `split_words:"true" default:"100"`
	MediumFlushInterval time.Duration `split_words:"true" default:"1s"`
	LowBatchSize        int           `split_words:"true" default:"200"`
	LowFlushInterval    time.Duration `split_words:"true" default:"2s"`

	// TierLimits is a tier:limit list, e.g. "anonymous:10,free:100,pro:1000".
	TierLimits usage.Limits `split_words:"true" default:"anonymous:10,free:100,pro:1000,enterprise:10000"`

	RateLimitWindow time.Duration `split_words:"true" default:"1m"`
	RateLimitMax    int64         `split_words:"true" default:"60"`
}

// LoadFromEnv loads a new configuration structure using environment variables and an optional .env file
func LoadFromEnv() (*Config, error) {
	// Load a .env file if it exists
	_ = godotenv.Overload()

	cfg := new(Config)
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate rejects unusable values.
func (c *Config) Validate() error {
	for _, t := range c.TierConfigs() {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for tier, n := range c.TierLimits {
		if !tier.Valid() {
			return fmt.Errorf("tier limit: unknown tier %q", tier)
		}
		if n <= 0 {
			return fmt.Errorf("tier limit %s: must be positive, got %d", tier, n)
		}
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", c.ReconcileInterval)
	}
	if c.DurableAdapter == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("durable adapter postgres requires QE_POSTGRES_DSN")
	}
	return nil
}

// TierConfigs returns the per-priority batching configuration.
func (c *Config) TierConfigs() []core.TierConfig {
	return []core.TierConfig{
		{Priority: core.Urgent, MaxBatchSize: c.UrgentBatchSize, FlushInterval: c.UrgentFlushInterval},
		{Priority: core.High, MaxBatchSize: c.HighBatchSize, FlushInterval: c.HighFlushInterval},
		{Priority: core.Medium, MaxBatchSize: c.MediumBatchSize, FlushInterval: c.MediumFlushInterval},
		{Priority: core.Low, MaxBatchSize: c.LowBatchSize, FlushInterval: c.LowFlushInterval},
	}
}

// Limits returns the tier→daily limit map. Tiers not configured keep their built-in limit.
func (c *Config) Limits() usage.Limits {
	limits := usage.DefaultLimits()
	for tier, n := range c.TierLimits {
		limits[tier] = n
	}
	return limits
}

// RedisOptions returns the cache client options.
func (c *Config) RedisOptions() persistence.RedisOptions {
	return persistence.RedisOptions{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		PoolSize: c.RedisPoolSize,
	}
}
