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
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quotaengine/internal/quota/usage"
)

//go:embed migrations/*.sql
var migrations embed.FS

const usageTable = "usage_records"

var usageColumns = []string{
	"identity_key", "user_id", "username", "ip_address", "tier",
	"requests_today", "remaining_requests", "last_request_at", "last_reset_at",
}

// upsertSuffix overwrites every mutable column except an empty username, which keeps the
// stored one. Re-applying unchanged records is a no-op on the stored values.
const upsertSuffix = `ON CONFLICT (identity_key) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	username = COALESCE(NULLIF(EXCLUDED.username, ''), usage_records.username),
	ip_address = EXCLUDED.ip_address,
	tier = EXCLUDED.tier,
	requests_today = EXCLUDED.requests_today,
	remaining_requests = EXCLUDED.remaining_requests,
	last_request_at = EXCLUDED.last_request_at,
	last_reset_at = EXCLUDED.last_reset_at`

// PostgresStore is the PostgreSQL durable store.
type PostgresStore struct {
	dsn            string
	db             *pgxpool.Pool
	defaultTimeout time.Duration
}

var _ Durable = (*PostgresStore)(nil)

// NewPostgresStore creates an unopened store. Call Open before Begin.
func NewPostgresStore(dsn string) *PostgresStore {
	return &PostgresStore{dsn: dsn, defaultTimeout: 10 * time.Second}
}

// Open migrates the schema and connects the pool.
func (p *PostgresStore) Open(ctx context.Context) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	migrator, err := migrate.NewWithSourceInstance("iofs", source, p.dsn)
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	defer migrator.Close()
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres migrate up: %w", err)
	}

	pool, err := pgxpool.Connect(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	p.db = pool
	return nil
}

// Begin starts a read-committed transaction.
func (p *PostgresStore) Begin(ctx context.Context) (Session, error) {
	if p.db == nil {
		return nil, errors.New("postgres store is not open")
	}
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &pgSession{tx: tx, defaultTimeout: p.defaultTimeout}, nil
}

// Close closes the pool.
func (p *PostgresStore) Close() {
	if p.db != nil {
		p.db.Close()
		p.db = nil
	}
}

type pgSession struct {
	tx             pgx.Tx
	defaultTimeout time.Duration
}

func (s *pgSession) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && s.defaultTimeout > 0 {
		return context.WithTimeout(ctx, s.defaultTimeout)
	}
	return ctx, func() {}
}

// UpsertUsage writes records with a single multi-row INSERT ... ON CONFLICT.
func (s *pgSession) UpsertUsage(ctx context.Context, records []usage.Record) error {
	query, args, err := buildUpsert(records)
	if err != nil || query == "" {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if _, err := s.tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %d usage rows: %w", len(records), err)
	}
	return nil
}

// buildUpsert renders the upsert of records. Records sharing a row key collapse to the
// last one, since one statement may not touch a row twice.
func buildUpsert(records []usage.Record) (string, []interface{}, error) {
	index := make(map[string]int, len(records))
	var rows []usage.Record
	for _, r := range records {
		key, ok := durableKey(r)
		if !ok {
			continue
		}
		r, _ = r.Normalized()
		if i, dup := index[key]; dup {
			rows[i] = keepUsername(rows[i], r)
			continue
		}
		index[key] = len(rows)
		rows = append(rows, r)
	}
	if len(rows) == 0 {
		return "", nil, nil
	}

	q := squirrel.Insert(usageTable).Columns(usageColumns...).PlaceholderFormat(squirrel.Dollar)
	for _, r := range rows {
		key, _ := durableKey(r)
		var userID interface{}
		if !r.Anonymous() {
			userID = r.ID
		}
		q = q.Values(key, userID, r.Username, r.IPAddress, string(r.Tier),
			r.RequestsToday, r.RemainingRequests, r.LastRequestAt.UTC(), r.LastResetAt.UTC())
	}
	return q.Suffix(upsertSuffix).ToSql()
}

// ListIdentities returns every user row that carries a username.
func (s *pgSession) ListIdentities(ctx context.Context) ([]usage.Identity, error) {
	query, args, err := squirrel.Select("user_id", "username", "tier").
		From(usageTable).
		Where(squirrel.And{squirrel.NotEq{"user_id": nil}, squirrel.NotEq{"username": ""}}).
		OrderBy("user_id").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []usage.Identity
	for rows.Next() {
		var id usage.Identity
		var tier string
		if err := rows.Scan(&id.UserID, &id.Username, &tier); err != nil {
			return nil, err
		}
		id.Tier = usage.Tier(tier)
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *pgSession) Commit(ctx context.Context) error   { return s.tx.Commit(ctx) }
func (s *pgSession) Rollback(ctx context.Context) error { return s.tx.Rollback(ctx) }
