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

// Package persistence binds the batching engine to its stores: the Redis cache that
// executes every operation kind, and the durable record sink the cache reconciles into.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"quotaengine/internal/quota/core"
	"quotaengine/internal/quota/usage"
)

const jobProcessedField = "processed"

// Cache executes operation groups against Redis. Every group costs a bounded number of
// pipelined round trips regardless of its size.
type Cache struct {
	rdb    redis.Cmdable
	limits usage.Limits
	now    func() time.Time
	log    zerolog.Logger
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) CacheOption { return func(c *Cache) { c.now = now } }

// WithLogger sets the logger of the cache.
func WithLogger(l zerolog.Logger) CacheOption {
	return func(c *Cache) { c.log = l.With().Str("component", "cache").Logger() }
}

// NewCache returns a cache executing against rdb with the given tier limits.
func NewCache(rdb redis.Cmdable, limits usage.Limits, opts ...CacheOption) *Cache {
	if limits == nil {
		limits = usage.DefaultLimits()
	}
	c := &Cache{
		rdb:    rdb,
		limits: limits,
		now:    time.Now,
		log:    log.Logger.With().Str("component", "cache").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// LoadScripts registers the atomic scripts with the server.
func (c *Cache) LoadScripts(ctx context.Context) error { return LoadScripts(ctx, c.rdb) }

// Executors returns the executor of every operation kind.
func (c *Cache) Executors() core.Executors {
	return core.Executors{
		core.OpGetUserData:       func(ctx context.Context, items []*core.Item) error { return c.getUserData(ctx, items, false) },
		core.OpGetUserDataByIP:   func(ctx context.Context, items []*core.Item) error { return c.getUserData(ctx, items, true) },
		core.OpSetUserData:       c.setUserData,
		core.OpIncrementUsage:    c.incrementUsage,
		core.OpCheckRateLimit:    c.checkRateLimit,
		core.OpCheckActiveToken:  c.checkActiveToken,
		core.OpGetActiveToken:    c.getActiveToken,
		core.OpSetActiveToken:    c.setActiveToken,
		core.OpRemoveActiveToken: c.removeActiveToken,
		core.OpResetDailyUsage:   c.resetDailyUsage,
		core.OpSetUsernameMap:    c.setUsernameMapping,
		core.OpGenerateArtifact:  c.generateArtifact,
	}
}

func (c *Cache) nowISO() string { return c.now().UTC().Format(usage.TimeLayout) }

func ttlSeconds() int64 { return int64(usage.RecordTTL / time.Second) }

// pending pairs an item with the key it operates on.
type pending struct {
	item  *core.Item
	key   string
	id    usage.Identity
	token string
}

// identities extracts the identity payload of each item and derives its key. Items that
// cannot be keyed are failed and left out.
func (c *Cache) identities(ctx context.Context, items []*core.Item, byIP bool) ([]pending, error) {
	ps := make([]pending, 0, len(items))
	for _, it := range items {
		id, ok := it.Payload.(usage.Identity)
		if !ok {
			it.BadPayload()
			continue
		}
		ps = append(ps, pending{item: it, id: id})
	}
	return c.keyed(ctx, ps, byIP)
}

// keyed resolves username-only identities and derives every key. The result keeps input
// order except that username-resolved entries come last.
func (c *Cache) keyed(ctx context.Context, ps []pending, byIP bool) ([]pending, error) {
	out := make([]pending, 0, len(ps))
	var byName []pending
	for _, p := range ps {
		if byIP {
			p.id.UserID = ""
		}
		if !byIP && p.id.Anonymous() && p.id.IP == "" && p.id.Username != "" {
			byName = append(byName, p)
			continue
		}
		out = append(out, p)
	}
	if len(byName) > 0 {
		resolved, err := c.resolveUsernames(ctx, byName)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved...)
	}

	ready := out[:0]
	for _, p := range out {
		key, err := p.id.Key()
		if err != nil {
			p.item.Fail(err)
			continue
		}
		p.key = key
		ready = append(ready, p)
	}
	return ready, nil
}

// resolveUsernames looks up the user id of username-only identities in one round trip.
func (c *Cache) resolveUsernames(ctx context.Context, ps []pending) ([]pending, error) {
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ps))
	for i, p := range ps {
		cmds[i] = pipe.Get(ctx, usage.UsernameKey(p.id.Username))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) && allFailed(cmds) {
		return nil, fmt.Errorf("resolve usernames: %w", err)
	}
	out := make([]pending, 0, len(ps))
	for i, p := range ps {
		uid, err := cmds[i].Result()
		switch {
		case errors.Is(err, redis.Nil):
			p.item.Fail(fmt.Errorf("username %q: %w", p.id.Username, usage.ErrNoIdentity))
		case err != nil:
			p.item.Fail(err)
		default:
			p.id.UserID = uid
			out = append(out, p)
		}
	}
	return out, nil
}

func allFailed[T interface{ Err() error }](cmds []T) bool {
	for _, c := range cmds {
		if err := c.Err(); err == nil || errors.Is(err, redis.Nil) {
			return false
		}
	}
	return true
}

// getUserData reads each record with one pipelined HGETALL. Absent records are created from
// defaults atomically so a later lookup sees the same record.
func (c *Cache) getUserData(ctx context.Context, items []*core.Item, byIP bool) error {
	ps, err := c.identities(ctx, items, byIP)
	if err != nil || len(ps) == 0 {
		return err
	}
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ps))
	for i, p := range ps {
		cmds[i] = pipe.HGetAll(ctx, p.key)
	}
	if _, err := pipe.Exec(ctx); err != nil && allFailed(cmds) {
		return fmt.Errorf("hgetall %d records: %w", len(ps), err)
	}

	var missing []pending
	for i, p := range ps {
		fields, err := cmds[i].Result()
		if err != nil {
			p.item.Fail(err)
			continue
		}
		if len(fields) == 0 {
			missing = append(missing, p)
			continue
		}
		rec, err := usage.Decode(p.key, fields)
		if err != nil {
			c.log.Warn().Err(err).Str("key", p.key).Msg("undecodable record")
			p.item.Fail(err)
			continue
		}
		p.item.Resolve(rec)
	}
	if len(missing) == 0 {
		return nil
	}

	calls := make([]scriptCall, len(missing))
	for i, p := range missing {
		def := usage.NewDefault(p.id, c.limits, c.now())
		calls[i] = scriptCall{keys: []string{p.key}, args: append([]interface{}{ttlSeconds()}, def.Fields()...)}
	}
	created := c.runScript(ctx, createScript, calls)
	for i, p := range missing {
		c.resolveRecordReply(p.item, p.key, created[i])
	}
	return nil
}

func (c *Cache) resolveRecordReply(it *core.Item, key string, cmd *redis.Cmd) {
	flat, err := cmd.Slice()
	if err != nil {
		it.Fail(err)
		return
	}
	rec, err := usage.DecodeFlat(key, flat)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("undecodable script reply")
		it.Fail(err)
		return
	}
	it.Resolve(rec)
}

// setUserData writes each record and re-applies the record TTL.
func (c *Cache) setUserData(ctx context.Context, items []*core.Item) error {
	type write struct {
		item *core.Item
		hset *redis.IntCmd
		exp  *redis.BoolCmd
	}
	pipe := c.rdb.Pipeline()
	var writes []write
	for _, it := range items {
		rec, ok := it.Payload.(usage.Record)
		if !ok {
			it.BadPayload()
			continue
		}
		rec, err := rec.Normalized()
		if err != nil {
			it.Fail(err)
			continue
		}
		key, err := rec.Key()
		if err != nil {
			it.Fail(err)
			continue
		}
		writes = append(writes, write{
			item: it,
			hset: pipe.HSet(ctx, key, rec.Fields()...),
			exp:  pipe.Expire(ctx, key, usage.RecordTTL),
		})
	}
	if len(writes) == 0 {
		return nil
	}
	_, _ = pipe.Exec(ctx)
	for _, w := range writes {
		if err := firstErr(w.hset, w.exp); err != nil {
			w.item.Fail(err)
			continue
		}
		w.item.Resolve(true)
	}
	return nil
}

// incrementUsage runs the atomic increment script once per item inside one pipeline. A
// failed script call only fails its own item.
func (c *Cache) incrementUsage(ctx context.Context, items []*core.Item) error {
	ps, err := c.identities(ctx, items, false)
	if err != nil || len(ps) == 0 {
		return err
	}
	now := c.nowISO()
	calls := make([]scriptCall, len(ps))
	for i, p := range ps {
		tier := p.id.EffectiveTier()
		id := p.id.UserID
		if p.id.Anonymous() {
			id = usage.AnonymousID
		}
		ip := ""
		if p.id.IP != "" {
			ip, _ = usage.NormalizeIP(p.id.IP)
		}
		calls[i] = scriptCall{
			keys: []string{p.key},
			args: []interface{}{id, ip, c.limits.For(tier), now, ttlSeconds(), string(tier), p.id.Username},
		}
	}
	replies := c.runScript(ctx, incrementScript, calls)
	for i, p := range ps {
		c.resolveRecordReply(p.item, p.key, replies[i])
	}
	return nil
}

// checkRateLimit resolves true while the subject stays within its sliding window limit.
func (c *Cache) checkRateLimit(ctx context.Context, items []*core.Item) error {
	var (
		valid []*core.Item
		calls []scriptCall
	)
	for _, it := range items {
		p, ok := it.Payload.(core.RateLimitPayload)
		if !ok || p.Subject == "" || p.Window < time.Second || p.Limit <= 0 {
			it.BadPayload()
			continue
		}
		valid = append(valid, it)
		calls = append(calls, scriptCall{
			keys: []string{usage.RateKey(p.Subject)},
			args: []interface{}{int64(p.Window / time.Second), p.Limit},
		})
	}
	if len(calls) == 0 {
		return nil
	}
	replies := c.runScript(ctx, slidingWindowScript, calls)
	for i, it := range valid {
		n, err := replies[i].Int64()
		if err != nil {
			it.Fail(err)
			continue
		}
		it.Resolve(n != RateLimited)
	}
	return nil
}

// tokenTargets derives the record key of token payloads.
func (c *Cache) tokenTargets(ctx context.Context, items []*core.Item) ([]pending, error) {
	ps := make([]pending, 0, len(items))
	for _, it := range items {
		p, ok := it.Payload.(core.TokenPayload)
		if !ok {
			it.BadPayload()
			continue
		}
		ps = append(ps, pending{item: it, id: p.Identity, token: p.Token})
	}
	return c.keyed(ctx, ps, false)
}

// checkActiveToken compares the stored token with the provided one. An absent record or
// token is "not active".
func (c *Cache) checkActiveToken(ctx context.Context, items []*core.Item) error {
	targets, err := c.tokenTargets(ctx, items)
	if err != nil || len(targets) == 0 {
		return err
	}
	cmds := c.hgetTokens(ctx, targets)
	for i, t := range targets {
		stored, err := cmds[i].Result()
		switch {
		case errors.Is(err, redis.Nil):
			t.item.Resolve(false)
		case err != nil:
			t.item.Fail(err)
		default:
			t.item.Resolve(t.token != "" && stored == t.token)
		}
	}
	return nil
}

// getActiveToken resolves the stored token, or nil when none is stored.
func (c *Cache) getActiveToken(ctx context.Context, items []*core.Item) error {
	ps, err := c.identities(ctx, items, false)
	if err != nil || len(ps) == 0 {
		return err
	}
	cmds := c.hgetTokens(ctx, ps)
	for i, p := range ps {
		tok, err := cmds[i].Result()
		switch {
		case errors.Is(err, redis.Nil), err == nil && tok == "":
			p.item.Resolve(nil)
		case err != nil:
			p.item.Fail(err)
		default:
			p.item.Resolve(tok)
		}
	}
	return nil
}

func (c *Cache) hgetTokens(ctx context.Context, ps []pending) []*redis.StringCmd {
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ps))
	for i, p := range ps {
		cmds[i] = pipe.HGet(ctx, p.key, usage.FieldActiveToken)
	}
	_, _ = pipe.Exec(ctx)
	return cmds
}

// setActiveToken stores the token on the identity's record, creating the record from
// defaults when it does not exist yet.
func (c *Cache) setActiveToken(ctx context.Context, items []*core.Item) error {
	targets, err := c.tokenTargets(ctx, items)
	if err != nil || len(targets) == 0 {
		return err
	}
	type write struct {
		create *redis.Cmd
		hset   *redis.IntCmd
	}
	pipe := c.rdb.Pipeline()
	writes := make([]write, len(targets))
	for i, t := range targets {
		def := usage.NewDefault(t.id, c.limits, c.now())
		writes[i] = write{
			create: createScript.Eval(ctx, pipe, []string{t.key}, append([]interface{}{ttlSeconds()}, def.Fields()...)...),
			hset:   pipe.HSet(ctx, t.key, usage.FieldActiveToken, t.token),
		}
	}
	_, _ = pipe.Exec(ctx)
	for i, t := range targets {
		if err := firstErr(writes[i].create, writes[i].hset); err != nil {
			t.item.Fail(err)
			continue
		}
		t.item.Resolve(true)
	}
	return nil
}

// removeActiveToken clears the token field. Removing an absent token succeeds.
func (c *Cache) removeActiveToken(ctx context.Context, items []*core.Item) error {
	ps, err := c.identities(ctx, items, false)
	if err != nil || len(ps) == 0 {
		return err
	}
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(ps))
	for i, p := range ps {
		cmds[i] = pipe.HDel(ctx, p.key, usage.FieldActiveToken)
	}
	_, _ = pipe.Exec(ctx)
	for i, p := range ps {
		if err := cmds[i].Err(); err != nil {
			p.item.Fail(err)
			continue
		}
		p.item.Resolve(true)
	}
	return nil
}

// resetDailyUsage restores the full quota of every listed key. Keys that are not identity
// record keys, or records without a tier, are deleted.
func (c *Cache) resetDailyUsage(ctx context.Context, items []*core.Item) error {
	now := c.nowISO()
	for _, it := range items {
		p, ok := it.Payload.(core.ResetPayload)
		if !ok {
			it.BadPayload()
			continue
		}
		if err := c.resetKeys(ctx, p.Keys, p.Before, now); err != nil {
			it.Fail(err)
			continue
		}
		it.Resolve(true)
	}
	return nil
}

// limitArgs renders the tier limits as resetLua arguments.
func (c *Cache) limitArgs() []interface{} {
	args := []interface{}{c.limits.For(usage.TierFree)}
	for tier, limit := range c.limits {
		args = append(args, string(tier), limit)
	}
	return args
}

// resetKeys resets one chunk. A non-zero before skips records reset on or after that UTC day.
func (c *Cache) resetKeys(ctx context.Context, keys []string, before time.Time, now string) error {
	if len(keys) == 0 {
		return nil
	}
	cutoff := ""
	if !before.IsZero() {
		cutoff = before.UTC().Format("2006-01-02")
	}
	head := []interface{}{cutoff, now, ttlSeconds()}
	limits := c.limitArgs()

	var (
		calls []scriptCall
		drop  []string
	)
	for _, k := range keys {
		if usage.KeyShape(k) == usage.ShapeUnknown {
			drop = append(drop, k)
			continue
		}
		args := make([]interface{}, 0, len(head)+len(limits))
		args = append(append(args, head...), limits...)
		calls = append(calls, scriptCall{keys: []string{k}, args: args})
	}
	if len(drop) > 0 {
		c.log.Warn().Strs("keys", drop).Msg("deleting keys of unexpected shape on reset")
		if err := c.rdb.Del(ctx, drop...).Err(); err != nil {
			return fmt.Errorf("delete %d keys: %w", len(drop), err)
		}
	}
	if len(calls) == 0 {
		return nil
	}
	for i, reply := range c.runScript(ctx, resetScript, calls) {
		n, err := reply.Int64()
		if err != nil {
			return fmt.Errorf("reset %s: %w", calls[i].keys[0], err)
		}
		if n < 0 {
			c.log.Warn().Str("key", calls[i].keys[0]).Msg("deleted record without tier on reset")
		}
	}
	return nil
}

// setUsernameMapping binds username:<name> to a user id without expiry.
func (c *Cache) setUsernameMapping(ctx context.Context, items []*core.Item) error {
	type write struct {
		item *core.Item
		cmd  *redis.StatusCmd
	}
	pipe := c.rdb.Pipeline()
	var writes []write
	for _, it := range items {
		m, ok := it.Payload.(core.UsernameMapping)
		if !ok || m.Username == "" || m.UserID == "" {
			it.BadPayload()
			continue
		}
		writes = append(writes, write{item: it, cmd: pipe.Set(ctx, usage.UsernameKey(m.Username), m.UserID, 0)})
	}
	if len(writes) == 0 {
		return nil
	}
	_, _ = pipe.Exec(ctx)
	for _, w := range writes {
		if err := w.cmd.Err(); err != nil {
			w.item.Fail(err)
			continue
		}
		w.item.Resolve(true)
	}
	return nil
}

// generateArtifact runs each unit of work in submission order, then records every result
// in its job's results list and bumps the job's processed count in one round trip.
func (c *Cache) generateArtifact(ctx context.Context, items []*core.Item) error {
	type done struct {
		item    *core.Item
		payload core.ArtifactPayload
		data    []byte
		incr    *redis.IntCmd
		push    *redis.IntCmd
	}
	var finished []*done
	for _, it := range items {
		p, ok := it.Payload.(core.ArtifactPayload)
		if !ok || p.JobID == "" || p.Work == nil {
			it.BadPayload()
			continue
		}
		data, err := p.Work(ctx)
		if err != nil {
			c.log.Error().Err(err).Str("job", p.JobID).Msg("artifact work failed")
			it.Fail(err)
			continue
		}
		finished = append(finished, &done{item: it, payload: p, data: data})
	}
	if len(finished) == 0 {
		return nil
	}

	pipe := c.rdb.Pipeline()
	for _, d := range finished {
		resultsKey, jobKey := usage.JobResultsKey(d.payload.JobID), usage.JobKey(d.payload.JobID)
		d.push = pipe.RPush(ctx, resultsKey, d.data)
		d.incr = pipe.HIncrBy(ctx, jobKey, jobProcessedField, 1)
		pipe.Expire(ctx, resultsKey, usage.RecordTTL)
		pipe.Expire(ctx, jobKey, usage.RecordTTL)
	}
	_, _ = pipe.Exec(ctx)
	for _, d := range finished {
		if err := firstErr(d.push, d.incr); err != nil {
			d.item.Fail(err)
			continue
		}
		d.item.Resolve(core.ArtifactResult{JobID: d.payload.JobID, Processed: d.incr.Val(), Data: d.data})
	}
	return nil
}

// JobProcessed returns the processed-count of an artifact job.
func (c *Cache) JobProcessed(ctx context.Context, jobID string) (int64, error) {
	n, err := c.rdb.HGet(ctx, usage.JobKey(jobID), jobProcessedField).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func firstErr(cmds ...redis.Cmder) error {
	for _, c := range cmds {
		if err := c.Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
	}
	return nil
}
