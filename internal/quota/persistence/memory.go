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
	"errors"
	"sort"
	"sync"

	"quotaengine/internal/quota/usage"
)

var errSessionDone = errors.New("session already committed or rolled back")

// MemoryStore is an in-process durable store for development and tests. Writes staged in a
// session become visible on Commit.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[string]usage.Record
	commits int64
}

var _ Durable = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]usage.Record)}
}

// Seed stores records directly, outside any session.
func (m *MemoryStore) Seed(records ...usage.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if key, ok := durableKey(r); ok {
			m.rows[key] = r
		}
	}
}

// Rows returns a copy of the stored rows by row key.
func (m *MemoryStore) Rows() map[string]usage.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]usage.Record, len(m.rows))
	for k, v := range m.rows {
		out[k] = v
	}
	return out
}

// Commits reports how many sessions committed.
func (m *MemoryStore) Commits() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *MemoryStore) Begin(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memSession{store: m, staged: make(map[string]usage.Record)}, nil
}

func (m *MemoryStore) Close() {}

type memSession struct {
	store  *MemoryStore
	staged map[string]usage.Record
	order  []string
	done   bool
}

func (s *memSession) UpsertUsage(ctx context.Context, records []usage.Record) error {
	if s.done {
		return errSessionDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range records {
		key, ok := durableKey(r)
		if !ok {
			continue
		}
		r, _ = r.Normalized()
		if prev, seen := s.staged[key]; seen {
			r = keepUsername(prev, r)
		} else {
			s.order = append(s.order, key)
		}
		r.LastRequestAt = r.LastRequestAt.UTC()
		r.LastResetAt = r.LastResetAt.UTC()
		s.staged[key] = r
	}
	return nil
}

func (s *memSession) ListIdentities(ctx context.Context) ([]usage.Identity, error) {
	if s.done {
		return nil, errSessionDone
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	var out []usage.Identity
	for _, r := range s.store.rows {
		if r.Anonymous() || r.Username == "" {
			continue
		}
		out = append(out, usage.Identity{UserID: r.ID, Username: r.Username, Tier: r.Tier})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memSession) Commit(ctx context.Context) error {
	if s.done {
		return errSessionDone
	}
	s.done = true
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for _, key := range s.order {
		s.store.rows[key] = keepUsername(s.store.rows[key], s.staged[key])
	}
	s.store.commits++
	return nil
}

func (s *memSession) Rollback(ctx context.Context) error {
	s.done = true
	s.staged = nil
	return nil
}
