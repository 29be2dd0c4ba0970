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
	"fmt"
)

// DurableOptions selects and configures a durable store.
type DurableOptions struct {
	PostgresDSN string
}

// BuildDurable constructs the durable store named by adapter.
// Supported adapters:
//   - "memory": in-process store (default); rows are lost on exit
//   - "postgres": PostgreSQL via pgx, schema migrated on open
func BuildDurable(ctx context.Context, adapter string, opts DurableOptions) (Durable, error) {
	switch adapter {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if opts.PostgresDSN == "" {
			return nil, errors.New("postgres adapter requires a DSN")
		}
		s := NewPostgresStore(opts.PostgresDSN)
		if err := s.Open(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown durable adapter: %s", adapter)
	}
}
