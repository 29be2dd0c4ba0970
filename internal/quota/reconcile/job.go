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

// Package reconcile folds cache-resident usage records into the durable store and seeds
// the cache's lookup mappings from it.
package reconcile

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quotaengine/internal/quota/persistence"
	"quotaengine/internal/quota/telemetry"
	"quotaengine/internal/quota/usage"
)

const (
	DefaultChunkSize = 100
	scanCount        = 500

	directionToDurable = "cache_to_durable"
	directionToCache   = "durable_to_cache"
)

// Report summarizes one cache→durable pass.
type Report struct {
	Scanned      int
	Upserted     int
	Undecodable  int
	FailedChunks int
}

// Job moves usage state between the cache and the durable store.
type Job struct {
	rdb       redis.Cmdable
	store     persistence.Durable
	chunkSize int
	log       zerolog.Logger
}

// NewJob returns a job over rdb and store. chunkSize <= 0 uses DefaultChunkSize.
func NewJob(rdb redis.Cmdable, store persistence.Durable, chunkSize int, logger zerolog.Logger) *Job {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Job{rdb: rdb, store: store, chunkSize: chunkSize, log: logger.With().Str("component", "reconcile").Logger()}
}

// ScanIdentityKeys calls fn with chunks of distinct identity record keys currently in the
// cache. Keys of another shape are skipped.
func (j *Job) ScanIdentityKeys(ctx context.Context, fn func(keys []string) error) error {
	seen := make(map[string]struct{})
	chunk := make([]string, 0, j.chunkSize)
	for _, pattern := range usage.IdentityPatterns() {
		iter := j.rdb.Scan(ctx, 0, pattern, scanCount).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			if _, dup := seen[key]; dup || usage.KeyShape(key) == usage.ShapeUnknown {
				continue
			}
			seen[key] = struct{}{}
			chunk = append(chunk, key)
			if len(chunk) == j.chunkSize {
				if err := fn(chunk); err != nil {
					return err
				}
				chunk = make([]string, 0, j.chunkSize)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
	}
	if len(chunk) > 0 {
		return fn(chunk)
	}
	return nil
}

// SyncCacheToDurable upserts every decodable cache record into the durable store, one
// transaction per chunk. A failing chunk is logged and skipped. The error is non-nil only
// when the cache could not be scanned.
func (j *Job) SyncCacheToDurable(ctx context.Context) (Report, error) {
	var rep Report
	index := 0
	err := j.ScanIdentityKeys(ctx, func(keys []string) error {
		index++
		rep.Scanned += len(keys)
		records, undecodable, err := j.readRecords(ctx, keys)
		rep.Undecodable += undecodable
		if err == nil {
			err = j.upsertChunk(ctx, records)
		}
		if err != nil {
			rep.FailedChunks++
			j.log.Error().Err(err).Int("chunk", index).Int("keys", len(keys)).Msg("reconcile chunk skipped")
			telemetry.ObserveReconcile(directionToDurable, 0, 1)
			return nil
		}
		rep.Upserted += len(records)
		telemetry.ObserveReconcile(directionToDurable, len(records), 0)
		return nil
	})
	if err != nil {
		return rep, err
	}
	j.log.Info().
		Int("scanned", rep.Scanned).
		Int("upserted", rep.Upserted).
		Int("undecodable", rep.Undecodable).
		Int("failed_chunks", rep.FailedChunks).
		Msg("cache reconciled into durable store")
	return rep, nil
}

// readRecords fetches and decodes one chunk. Keys that expired in the meantime are
// dropped; undecodable records are counted and dropped.
func (j *Job) readRecords(ctx context.Context, keys []string) ([]usage.Record, int, error) {
	pipe := j.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, fmt.Errorf("read chunk: %w", err)
	}
	records := make([]usage.Record, 0, len(keys))
	undecodable := 0
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := usage.Decode(keys[i], fields)
		if err != nil {
			undecodable++
			j.log.Warn().Err(err).Str("key", keys[i]).Msg("skipping undecodable record")
			continue
		}
		records = append(records, rec)
	}
	return records, undecodable, nil
}

func (j *Job) upsertChunk(ctx context.Context, records []usage.Record) error {
	if len(records) == 0 {
		return nil
	}
	sess, err := j.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := sess.UpsertUsage(ctx, records); err != nil {
		_ = sess.Rollback(ctx)
		return err
	}
	if err := sess.Commit(ctx); err != nil {
		_ = sess.Rollback(ctx)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SyncDurableToCache writes the username→id mapping of every durable identity into the
// cache and returns how many mappings were written.
func (j *Job) SyncDurableToCache(ctx context.Context) (int, error) {
	sess, err := j.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	ids, err := sess.ListIdentities(ctx)
	_ = sess.Rollback(ctx)
	if err != nil {
		return 0, fmt.Errorf("list identities: %w", err)
	}

	written := 0
	for start := 0; start < len(ids); start += j.chunkSize {
		end := start + j.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		pipe := j.rdb.Pipeline()
		n := 0
		for _, id := range ids[start:end] {
			if id.Username == "" || id.Anonymous() {
				continue
			}
			pipe.Set(ctx, usage.UsernameKey(id.Username), id.UserID, 0)
			n++
		}
		if n == 0 {
			continue
		}
		if _, err := pipe.Exec(ctx); err != nil {
			telemetry.ObserveReconcile(directionToCache, written, 1)
			return written, fmt.Errorf("write username mappings: %w", err)
		}
		written += n
	}
	telemetry.ObserveReconcile(directionToCache, written, 0)
	j.log.Info().Int("mappings", written).Msg("cache seeded from durable store")
	return written, nil
}
