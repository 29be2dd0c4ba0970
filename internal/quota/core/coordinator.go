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
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Submitter is the enqueue contract consumed by collaborators.
type Submitter interface {
	Enqueue(kind OperationKind, payload any, priority Priority) (*Future, error)
	Submit(ctx context.Context, kind OperationKind, payload any, priority Priority) (Outcome, error)
}

// Coordinator owns one Processor per priority tier. Construct it once at process start
// and pass it to every collaborator.
type Coordinator struct {
	tiers map[Priority]*Processor
	order []Priority
	log   zerolog.Logger

	stopped atomic.Bool
}

var _ Submitter = (*Coordinator)(nil)

// NewCoordinator builds a processor for every tier config. Priorities must be unique.
func NewCoordinator(configs []TierConfig, execs Executors, defaults *Defaults, logger zerolog.Logger) (*Coordinator, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("coordinator: no tiers configured")
	}
	if defaults == nil {
		defaults = NewDefaults(nil)
	}
	c := &Coordinator{
		tiers: make(map[Priority]*Processor, len(configs)),
		log:   logger.With().Str("component", "coordinator").Logger(),
	}
	for _, cfg := range configs {
		if _, dup := c.tiers[cfg.Priority]; dup {
			return nil, fmt.Errorf("coordinator: duplicate tier %s", cfg.Priority)
		}
		p, err := NewProcessor(cfg, execs, defaults, logger)
		if err != nil {
			return nil, err
		}
		c.tiers[cfg.Priority] = p
		c.order = append(c.order, cfg.Priority)
	}
	return c, nil
}

// Start launches every tier's flush loop. If any tier fails to start, the tiers already
// started are stopped again and the error is returned; the host must abort startup.
func (c *Coordinator) Start() error {
	for i, prio := range c.order {
		if err := c.tiers[prio].Start(); err != nil {
			for _, started := range c.order[:i] {
				c.tiers[started].Stop()
			}
			return fmt.Errorf("start %s tier: %w", prio, err)
		}
	}
	c.log.Info().Int("tiers", len(c.order)).Msg("coordinator started")
	return nil
}

// Stop stops every tier concurrently and returns once all flush loops have exited and
// every outstanding future is resolved. Enqueue is rejected afterwards.
func (c *Coordinator) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	var drained atomic.Int64
	var wg sync.WaitGroup
	wg.Add(len(c.order))
	for _, prio := range c.order {
		go func(p *Processor) {
			defer wg.Done()
			drained.Add(int64(p.Stop()))
		}(c.tiers[prio])
	}
	wg.Wait()
	c.log.Info().Int64("canceled", drained.Load()).Msg("coordinator stopped")
}

// Tier returns the processor of priority.
func (c *Coordinator) Tier(priority Priority) (*Processor, bool) {
	p, ok := c.tiers[priority]
	return p, ok
}

// Enqueue routes an operation to its tier and returns the future without waiting.
func (c *Coordinator) Enqueue(kind OperationKind, payload any, priority Priority) (*Future, error) {
	p, ok := c.tiers[priority]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPriority, priority)
	}
	return p.Enqueue(kind, payload)
}

// Submit routes an operation to its tier and awaits the outcome with the tier's bounded wait.
func (c *Coordinator) Submit(ctx context.Context, kind OperationKind, payload any, priority Priority) (Outcome, error) {
	f, err := c.Enqueue(kind, payload, priority)
	if err != nil {
		return Outcome{}, err
	}
	return f.Await(ctx), nil
}
