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

	"quotaengine/internal/quota/telemetry"
)

// CorrelationID identifies an item within the buffer generation that accepted it.
type CorrelationID struct {
	Generation uint64
	Seq        int
}

func (c CorrelationID) String() string { return fmt.Sprintf("%d/%d", c.Generation, c.Seq) }

// Item is one buffered operation. Executors resolve it with Resolve or Fail; whichever
// comes first wins and later calls are ignored.
type Item struct {
	Kind    OperationKind
	Payload any
	ID      CorrelationID

	future   *Future
	defaults *Defaults
}

// ExecFunc executes one group of same-kind items in submission order. It must resolve
// every item; a returned error fails every item still pending with the kind's fallback.
type ExecFunc func(ctx context.Context, items []*Item) error

// Executors binds each operation kind to its executor.
type Executors map[OperationKind]ExecFunc

// NewItem builds a standalone item whose future waits at most DefaultWaitFloor.
// Processors build their own items; this is for executors driven directly.
func NewItem(kind OperationKind, payload any, defaults *Defaults) *Item {
	if defaults == nil {
		defaults = NewDefaults(nil)
	}
	it := &Item{Kind: kind, Payload: payload, defaults: defaults}
	it.future = newFuture(kind, DefaultWaitFloor, it.fallback)
	return it
}

// Future returns the handle resolved by this item.
func (it *Item) Future() *Future { return it.future }

// Resolve settles the item with a real value.
func (it *Item) Resolve(v any) {
	it.settle(Outcome{Kind: it.Kind, Value: v})
}

// Fail settles the item with the kind's fallback and reason.
func (it *Item) Fail(reason error) {
	if reason == nil {
		reason = ErrUnresolved
	}
	it.settle(it.fallback(reason))
}

// Resolved reports whether the item was already settled.
func (it *Item) Resolved() bool { return it.future.Resolved() }

func (it *Item) settle(o Outcome) {
	if it.future.resolve(o) {
		telemetry.ObserveOutcome(string(it.Kind), reasonLabel(o.Reason))
	}
}

func (it *Item) fallback(reason error) Outcome {
	return it.defaults.Outcome(it.Kind, it.Payload, reason)
}

// BadPayload fails it because its payload has the wrong shape and returns the error.
func (it *Item) BadPayload() error {
	err := fmt.Errorf("%w: %s got %T", ErrBadPayload, it.Kind, it.Payload)
	it.Fail(err)
	return err
}

func failAll(items []*Item, reason error) {
	for _, it := range items {
		it.Fail(reason)
	}
}
