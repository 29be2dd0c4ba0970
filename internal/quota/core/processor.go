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
	"time"

	"github.com/rs/zerolog"

	"quotaengine/internal/quota/telemetry"
)

const loopStartTimeout = 5 * time.Second

type processorState int

const (
	stateIdle processorState = iota
	stateRunning
	stateStopped
)

// Processor buffers the operations of one priority tier and flushes them as grouped
// backing-store round trips. Only its own flush loop executes flushes, so at most one
// flush of a tier is in progress at any time.
type Processor struct {
	cfg      TierConfig
	execs    Executors
	defaults *Defaults
	log      zerolog.Logger
	now      func() time.Time

	// mu guards the buffer and the lifecycle state. It is held only for the in-memory
	// append or swap, never across a round trip.
	mu         sync.Mutex
	buf        []*Item
	generation uint64
	lastFlush  time.Time
	state      processorState

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewProcessor creates the processor of one tier. Call Start before Enqueue.
func NewProcessor(cfg TierConfig, execs Executors, defaults *Defaults, logger zerolog.Logger) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if defaults == nil {
		defaults = NewDefaults(nil)
	}
	return &Processor{
		cfg:      cfg,
		execs:    execs,
		defaults: defaults,
		log:      logger.With().Str("component", "processor").Str("priority", string(cfg.Priority)).Logger(),
		now:      time.Now,
		buf:      make([]*Item, 0, cfg.MaxBatchSize),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Config returns the tier configuration.
func (p *Processor) Config() TierConfig { return p.cfg }

// Start launches the background flush loop and waits until it runs.
func (p *Processor) Start() error {
	p.mu.Lock()
	switch p.state {
	case stateRunning:
		p.mu.Unlock()
		return ErrAlreadyStarted
	case stateStopped:
		p.mu.Unlock()
		return ErrStopped
	}
	p.state = stateRunning
	p.lastFlush = p.now()
	p.mu.Unlock()

	ready := make(chan struct{})
	go p.loop(ready)
	select {
	case <-ready:
		return nil
	case <-time.After(loopStartTimeout):
		return fmt.Errorf("%s tier: flush loop did not start", p.cfg.Priority)
	}
}

// Enqueue buffers an operation and returns its future. It never blocks on the backing store.
func (p *Processor) Enqueue(kind OperationKind, payload any) (*Future, error) {
	it := &Item{Kind: kind, Payload: payload, defaults: p.defaults}
	it.future = newFuture(kind, p.cfg.waitTimeout(), it.fallback)

	p.mu.Lock()
	if p.state != stateRunning {
		state := p.state
		p.mu.Unlock()
		if state == stateStopped {
			return nil, ErrStopped
		}
		return nil, ErrNotStarted
	}
	it.ID = CorrelationID{Generation: p.generation, Seq: len(p.buf)}
	p.buf = append(p.buf, it)
	n := len(p.buf)
	p.mu.Unlock()

	telemetry.SetBuffered(string(p.cfg.Priority), n)
	if n >= p.cfg.MaxBatchSize || p.cfg.nearRealTime() {
		p.trigger()
	}
	return it.future, nil
}

// Submit enqueues an operation and awaits its outcome with the tier's bounded wait.
// The only error is a rejected enqueue; backing-store trouble surfaces as a fallback outcome.
func (p *Processor) Submit(ctx context.Context, kind OperationKind, payload any) (Outcome, error) {
	f, err := p.Enqueue(kind, payload)
	if err != nil {
		return Outcome{}, err
	}
	return f.Await(ctx), nil
}

// Stop ends the flush loop, waits for an in-flight flush to finish and resolves every
// still-buffered item with its fallback and ErrCanceled. It returns the number of items
// drained that way. Stop is idempotent.
func (p *Processor) Stop() int {
	p.mu.Lock()
	prev := p.state
	p.state = stateStopped
	p.mu.Unlock()

	if prev == stateRunning {
		p.stopOnce.Do(func() { close(p.stop) })
		<-p.done
	}
	items := p.swap()
	failAll(items, ErrCanceled)
	if len(items) > 0 {
		p.log.Info().Int("items", len(items)).Msg("canceled buffered items on stop")
	}
	return len(items)
}

// Buffered reports the number of items waiting for the next flush.
func (p *Processor) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *Processor) trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// loop flushes on kicks (size or near-real-time triggers) and whenever the flush interval
// elapsed since the last flush.
func (p *Processor) loop(ready chan<- struct{}) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.pollInterval())
	defer ticker.Stop()
	close(ready)

	for {
		select {
		case <-p.stop:
			return
		case <-p.kick:
			p.flush()
		case <-ticker.C:
			if p.due() {
				p.flush()
			}
		}
	}
}

func (p *Processor) due() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) > 0 && p.now().Sub(p.lastFlush) >= p.cfg.FlushInterval
}

// swap replaces the buffer with an empty one and starts a new generation.
func (p *Processor) swap() []*Item {
	p.mu.Lock()
	items := p.buf
	if len(items) == 0 {
		p.mu.Unlock()
		return nil
	}
	p.buf = make([]*Item, 0, p.cfg.MaxBatchSize)
	p.generation++
	p.lastFlush = p.now()
	p.mu.Unlock()
	telemetry.SetBuffered(string(p.cfg.Priority), 0)
	return items
}

// flush drains the buffer and runs the operation groups one after another, so executor
// calls of a tier never overlap.
func (p *Processor) flush() {
	items := p.swap()
	if len(items) == 0 {
		return
	}
	start := time.Now()
	groups := groupByKind(items)
	for _, g := range groups {
		p.executeWithTimeout(g)
	}

	took := time.Since(start)
	telemetry.ObserveFlush(string(p.cfg.Priority), len(items), took)
	p.log.Debug().Int("items", len(items)).Int("groups", len(groups)).Dur("took", took).Msg("flushed")
}

func (p *Processor) executeWithTimeout(g group) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.flushTimeout())
	defer cancel()
	p.execute(ctx, g)
}

// execute runs one group and guarantees that no item of it stays pending.
func (p *Processor) execute(ctx context.Context, g group) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s executor panic: %v", g.kind, r)
			p.log.Error().Err(err).Int("items", len(g.items)).Msg("operation group failed")
			failAll(g.items, err)
		}
		failAll(g.items, ErrUnresolved)
	}()

	exec, ok := p.execs[g.kind]
	if !ok {
		p.log.Warn().Str("kind", string(g.kind)).Int("items", len(g.items)).Msg("unknown operation kind")
		failAll(g.items, fmt.Errorf("%w: %q", ErrUnknownOperation, g.kind))
		return
	}
	if err := exec(ctx, g.items); err != nil {
		p.log.Error().Err(err).Str("kind", string(g.kind)).Int("items", len(g.items)).Msg("operation group failed")
		failAll(g.items, err)
	}
}

type group struct {
	kind  OperationKind
	items []*Item
}

// groupByKind splits items into per-kind groups, keeping submission order within each
// group and ordering groups by first appearance.
func groupByKind(items []*Item) []group {
	index := make(map[OperationKind]int)
	var groups []group
	for _, it := range items {
		i, ok := index[it.Kind]
		if !ok {
			i = len(groups)
			index[it.Kind] = i
			groups = append(groups, group{kind: it.Kind})
		}
		groups[i].items = append(groups[i].items, it)
	}
	return groups
}
