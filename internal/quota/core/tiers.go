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

package core

import (
	"fmt"
	"time"
)

// Priority is the tier a request is routed to.
type Priority string

const (
	Urgent Priority = "urgent"
	High   Priority = "high"
	Medium Priority = "medium"
	Low    Priority = "low"
)

// Priorities lists every tier from most to least urgent.
func Priorities() []Priority { return []Priority{Urgent, High, Medium, Low} }

const (
	// NearRealTime is the flush interval at or below which any non-empty buffer flushes
	// immediately on submit.
	NearRealTime = 50 * time.Millisecond
	// DefaultWaitFloor is the minimum bounded wait of a future.
	DefaultWaitFloor = time.Second
	maxPollInterval  = 250 * time.Millisecond
	minPollInterval  = time.Millisecond
)

// TierConfig is the static configuration of one priority tier.
type TierConfig struct {
	Priority      Priority
	MaxBatchSize  int
	FlushInterval time.Duration
	// WaitTimeout overrides the bounded wait of futures (default max(2×FlushInterval, 1s)).
	WaitTimeout time.Duration
	// FlushTimeout bounds the round trips of one operation group (default WaitTimeout).
	FlushTimeout time.Duration
}

// DefaultTiers returns the built-in tier configuration.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Priority: Urgent, MaxBatchSize: 25, FlushInterval: 50 * time.Millisecond},
		{Priority: High, MaxBatchSize: 50, FlushInterval: 500 * time.Millisecond},
		{Priority: Medium, MaxBatchSize: 100, FlushInterval: time.Second},
		{Priority: Low, MaxBatchSize: 200, FlushInterval: 2 * time.Second},
	}
}

// Validate rejects unusable configurations.
func (c TierConfig) Validate() error {
	if c.Priority == "" {
		return fmt.Errorf("tier config: empty priority")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("tier %s: max batch size must be positive, got %d", c.Priority, c.MaxBatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("tier %s: flush interval must be positive, got %s", c.Priority, c.FlushInterval)
	}
	return nil
}

func (c TierConfig) nearRealTime() bool { return c.FlushInterval <= NearRealTime }

// pollInterval is how often the flush loop wakes to check the interval.
func (c TierConfig) pollInterval() time.Duration {
	d := c.FlushInterval / 4
	if d > maxPollInterval {
		d = maxPollInterval
	}
	if d < minPollInterval {
		d = minPollInterval
	}
	return d
}

func (c TierConfig) waitTimeout() time.Duration {
	if c.WaitTimeout > 0 {
		return c.WaitTimeout
	}
	d := 2 * c.FlushInterval
	if d < DefaultWaitFloor {
		d = DefaultWaitFloor
	}
	return d
}

func (c TierConfig) flushTimeout() time.Duration {
	if c.FlushTimeout > 0 {
		return c.FlushTimeout
	}
	return c.waitTimeout()
}
