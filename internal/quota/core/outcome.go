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
	"errors"
	"sync"
	"time"

	"quotaengine/internal/quota/telemetry"
	"quotaengine/internal/quota/usage"
)

var (
	ErrStopped          = errors.New("coordinator stopped")
	ErrNotStarted       = errors.New("coordinator not started")
	ErrAlreadyStarted   = errors.New("already started")
	ErrTimeout          = errors.New("result wait timed out")
	ErrCanceled         = errors.New("canceled by shutdown")
	ErrUnknownOperation = errors.New("unknown operation kind")
	ErrUnknownPriority  = errors.New("unknown priority")
	ErrBadPayload       = errors.New("payload does not match operation kind")
	ErrUnresolved       = errors.New("executor left item unresolved")
)

// Outcome is the per-item result: either a real value (Reason == nil) or the kind's
// fallback default together with the reason the real value is unavailable.
type Outcome struct {
	Kind   OperationKind
	Value  any
	Reason error
}

// OK reports whether Value is a real result.
func (o Outcome) OK() bool { return o.Reason == nil }

// Fallback reports whether Value is a fallback default.
func (o Outcome) Fallback() bool { return o.Reason != nil }

// Record returns the usage record carried by lookup, increment and write kinds.
func (o Outcome) Record() (usage.Record, bool) {
	r, ok := o.Value.(usage.Record)
	return r, ok
}

// Bool returns the boolean value of check and write kinds; false when absent.
func (o Outcome) Bool() bool {
	b, _ := o.Value.(bool)
	return b
}

// Token returns the stored active token; ok is false when none is stored.
func (o Outcome) Token() (string, bool) {
	s, ok := o.Value.(string)
	return s, ok
}

// Artifact returns the value of a generate-artifact item.
func (o Outcome) Artifact() (ArtifactResult, bool) {
	a, ok := o.Value.(ArtifactResult)
	return a, ok
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrUnknownOperation):
		return "unknown_operation"
	case errors.Is(err, ErrBadPayload):
		return "bad_payload"
	case errors.Is(err, ErrUnresolved):
		return "unresolved"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "context"
	}
	var de *usage.DecodeError
	if errors.As(err, &de) {
		return "decode"
	}
	return "backend"
}

// Future is the handle a submitter awaits. It resolves exactly once.
type Future struct {
	kind     OperationKind
	done     chan struct{}
	once     sync.Once
	out      Outcome
	wait     time.Duration
	fallback func(reason error) Outcome
}

func newFuture(kind OperationKind, wait time.Duration, fallback func(error) Outcome) *Future {
	return &Future{kind: kind, done: make(chan struct{}), wait: wait, fallback: fallback}
}

func (f *Future) resolve(o Outcome) bool {
	resolved := false
	f.once.Do(func() {
		f.out = o
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Resolved reports whether the future already holds an outcome.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await returns the outcome, waiting at most the tier's bounded wait. A timeout or a
// canceled ctx yields the kind's fallback instead of blocking the caller.
func (f *Future) Await(ctx context.Context) Outcome {
	select {
	case <-f.done:
		return f.out
	default:
	}
	timer := time.NewTimer(f.wait)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.out
	case <-timer.C:
		telemetry.ObserveOutcome(string(f.kind), "timeout")
		return f.fallback(ErrTimeout)
	case <-ctx.Done():
		return f.fallback(ctx.Err())
	}
}
