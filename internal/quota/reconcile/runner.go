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

package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"quotaengine/internal/quota/core"
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Interval between cache→durable passes. Defaults to one minute.
	Interval time.Duration
	// DailyReset submits reset-daily-usage for identity keys last reset before the current
	// UTC day: once after start and again on every rollover.
	DailyReset bool
	// ResetPriority is the tier reset chunks are submitted on. Defaults to core.Low.
	ResetPriority core.Priority
	Now           func() time.Time
}

// Runner runs the reconciliation job on a schedule and once more on Stop.
type Runner struct {
	job    *Job
	submit core.Submitter
	opts   RunnerOptions
	log    zerolog.Logger

	// mu serializes passes so the periodic and final passes never overlap.
	mu sync.Mutex
	// resetDay is the last UTC day whose reset completed in this process; zero until the
	// first pass.
	resetDay time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
}

// NewRunner returns a runner for job. submit may be nil when DailyReset is off.
func NewRunner(job *Job, submit core.Submitter, opts RunnerOptions, logger zerolog.Logger) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.ResetPriority == "" {
		opts.ResetPriority = core.Low
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		job:      job,
		submit:   submit,
		opts:     opts,
		log:      logger.With().Str("component", "reconcile-runner").Logger(),
		stopChan: make(chan struct{}),
	}
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Start launches the periodic loop.
func (r *Runner) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
}

// Stop ends the loop and runs a final cache→durable pass with ctx.
func (r *Runner) Stop(ctx context.Context) (Report, error) {
	if !r.stopped.CompareAndSwap(false, true) {
		return Report{}, nil
	}
	close(r.stopChan)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.SyncCacheToDurable(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("reconcile pass failed")
			}
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce reconciles the cache into the durable store, then resets the daily counters of
// every record last reset before today (UTC) unless this process already completed
// today's reset. The first pass after start always checks, so a restart after midnight
// still resets yesterday's counters.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep, err := r.job.SyncCacheToDurable(ctx)
	if err != nil {
		return rep, err
	}
	if !r.opts.DailyReset || r.submit == nil {
		return rep, nil
	}
	today := utcDay(r.opts.Now())
	if !r.resetDay.Before(today) {
		return rep, nil
	}
	if err := r.resetAll(ctx, today); err != nil {
		return rep, err
	}
	r.resetDay = today
	return rep, nil
}

// resetAll submits one reset-daily-usage item per chunk of identity keys and waits for
// every chunk. Records already reset on or after day are skipped by the executor, so a
// retry after a failed chunk only touches what is still stale.
func (r *Runner) resetAll(ctx context.Context, day time.Time) error {
	var futures []*core.Future
	err := r.job.ScanIdentityKeys(ctx, func(keys []string) error {
		f, err := r.submit.Enqueue(core.OpResetDailyUsage, core.ResetPayload{Keys: keys, Before: day}, r.opts.ResetPriority)
		if err != nil {
			return err
		}
		futures = append(futures, f)
		return nil
	})
	if err != nil {
		return fmt.Errorf("daily reset: %w", err)
	}
	failed := 0
	for _, f := range futures {
		if o := f.Await(ctx); o.Fallback() {
			failed++
			r.log.Error().Err(o.Reason).Msg("daily reset chunk failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("daily reset: %d of %d chunks failed", failed, len(futures))
	}
	r.log.Info().Int("chunks", len(futures)).Msg("daily usage reset")
	return nil
}
