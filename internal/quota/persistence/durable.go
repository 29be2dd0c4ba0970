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

package persistence

import (
	"context"

	"quotaengine/internal/quota/usage"
)

// Durable is the relational system of record the cache reconciles into.
type Durable interface {
	// Begin opens a session scoped to one unit of reconciliation work.
	Begin(ctx context.Context) (Session, error)
	// Close releases the store's resources.
	Close()
}

// Session is a transaction against the durable store. It is never shared with the
// request path; callers Commit or Rollback it within their own scope.
type Session interface {
	// UpsertUsage inserts or updates the rows of records keyed by identity. Calling it twice
	// with the same records leaves the same rows.
	UpsertUsage(ctx context.Context, records []usage.Record) error
	// ListIdentities returns every known user identity with its username.
	ListIdentities(ctx context.Context) ([]usage.Identity, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// durableKey is the row key of a record: the user id, or ip:<normalized addr> for
// anonymous records. Records without a usable identity have no row.
func durableKey(r usage.Record) (string, bool) {
	if !r.Anonymous() {
		return r.ID, true
	}
	key, err := r.Key()
	if err != nil {
		return "", false
	}
	return key, true
}

// keepUsername carries the username of prev into next when next has none. Records created
// by increments or defaults may not know the username the durable row already holds.
func keepUsername(prev, next usage.Record) usage.Record {
	if next.Username == "" {
		next.Username = prev.Username
	}
	return next
}
