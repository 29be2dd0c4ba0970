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
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// RateLimited is the reply of the sliding-window script when the limit is exceeded.
const RateLimited int64 = -1

// incrementLua increments the usage counters of one record hash and returns the whole
// hash as a flat field/value list.
//
//	KEYS[1]  record key
//	ARGV[1]  identity id ("-1" for anonymous)
//	ARGV[2]  ip address (may be empty)
//	ARGV[3]  daily limit
//	ARGV[4]  now, RFC3339
//	ARGV[5]  ttl seconds
//	ARGV[6]  tier used when the record is created
//	ARGV[7]  username (may be empty)
//
// remaining_requests is floored at zero; requests_today keeps counting. A non-empty
// username fills a record that has none.
const incrementLua = `
local key = KEYS[1]
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[5])
if redis.call('EXISTS', key) == 1 then
  local today = tonumber(redis.call('HGET', key, 'requests_today') or '0') or 0
  local remaining = tonumber(redis.call('HGET', key, 'remaining_requests') or '0') or 0
  remaining = remaining - 1
  if remaining < 0 then
    remaining = 0
  end
  redis.call('HSET', key,
    'requests_today', today + 1,
    'remaining_requests', remaining,
    'last_request', ARGV[4])
  if ARGV[7] ~= '' and (redis.call('HGET', key, 'username') or '') == '' then
    redis.call('HSET', key, 'username', ARGV[7])
  end
else
  local remaining = limit - 1
  if remaining < 0 then
    remaining = 0
  end
  redis.call('HSET', key,
    'id', ARGV[1],
    'username', ARGV[7],
    'ip_address', ARGV[2],
    'tier', ARGV[6],
    'requests_today', 1,
    'remaining_requests', remaining,
    'last_request', ARGV[4],
    'last_reset', ARGV[4])
end
if ttl and ttl > 0 then
  redis.call('EXPIRE', key, ttl)
end
return redis.call('HGETALL', key)
`

// slidingWindowLua counts a hit in one-second buckets of a hash and trims buckets that
// fell out of the window. It returns the post-increment count, or -1 when that count is
// over the limit.
//
//	KEYS[1]  bucket hash key
//	ARGV[1]  window seconds
//	ARGV[2]  limit
//
// Rejected hits are counted too, so a subject that keeps hammering stays throttled until
// its rate drops below the limit for a whole window.
const slidingWindowLua = `
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(redis.call('TIME')[1])
local cutoff = now - window
local total = 0
local buckets = redis.call('HGETALL', key)
for i = 1, #buckets, 2 do
  local ts = tonumber(buckets[i])
  if ts == nil or ts <= cutoff then
    redis.call('HDEL', key, buckets[i])
  else
    total = total + tonumber(buckets[i + 1])
  end
end
local fresh = redis.call('EXISTS', key) == 0
redis.call('HINCRBY', key, tostring(now), 1)
if fresh then
  redis.call('EXPIRE', key, window)
end
total = total + 1
if total > limit then
  return -1
end
return total
`

// resetLua restores the full daily quota of one record hash.
//
//	KEYS[1]  record key
//	ARGV[1]  cutoff day YYYY-MM-DD, or "" to reset unconditionally
//	ARGV[2]  now, RFC3339
//	ARGV[3]  ttl seconds
//	ARGV[4]  limit of tiers missing from the pairs
//	ARGV[5:] tier, limit pairs
//
// Returns 1 when reset, 0 when absent or already reset on or after the cutoff day, and
// -1 when the record had no tier and was deleted. Timestamps are UTC, so their first ten
// characters order by day.
const resetLua = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return 0
end
local tier = redis.call('HGET', key, 'tier')
if not tier then
  redis.call('DEL', key)
  return -1
end
local cutoff = ARGV[1]
if cutoff ~= '' then
  local last = redis.call('HGET', key, 'last_reset') or ''
  if string.len(last) >= 10 and string.sub(last, 1, 10) >= cutoff then
    return 0
  end
end
local limit = tonumber(ARGV[4])
for i = 5, #ARGV, 2 do
  if ARGV[i] == tier then
    limit = tonumber(ARGV[i + 1])
  end
end
redis.call('HSET', key,
  'requests_today', 0,
  'remaining_requests', limit,
  'last_reset', ARGV[2])
redis.call('EXPIRE', key, tonumber(ARGV[3]))
return 1
`

// createLua writes a default record unless the key already exists and returns the stored
// hash. ARGV[1] is the ttl in seconds, the rest are field/value pairs.
const createLua = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  redis.call('HSET', key, unpack(ARGV, 2))
  redis.call('EXPIRE', key, tonumber(ARGV[1]))
end
return redis.call('HGETALL', key)
`

var (
	incrementScript     = redis.NewScript(incrementLua)
	slidingWindowScript = redis.NewScript(slidingWindowLua)
	createScript        = redis.NewScript(createLua)
	resetScript         = redis.NewScript(resetLua)
)

// LoadScripts registers the scripts with the server so pipelined EVALSHA calls hit.
func LoadScripts(ctx context.Context, rdb redis.Scripter) error {
	scripts := []struct {
		name   string
		script *redis.Script
	}{
		{"increment", incrementScript},
		{"sliding-window", slidingWindowScript},
		{"create", createScript},
		{"reset", resetScript},
	}
	for _, s := range scripts {
		if err := s.script.Load(ctx, rdb).Err(); err != nil {
			return fmt.Errorf("load %s script: %w", s.name, err)
		}
	}
	return nil
}

type scriptCall struct {
	keys []string
	args []interface{}
}

// runScript evaluates one script call per entry in a single pipeline and returns the
// replies in call order. Calls rejected with NOSCRIPT are retried once with the full body.
func (c *Cache) runScript(ctx context.Context, s *redis.Script, calls []scriptCall) []*redis.Cmd {
	cmds := make([]*redis.Cmd, len(calls))
	pipe := c.rdb.Pipeline()
	for i, call := range calls {
		cmds[i] = s.EvalSha(ctx, pipe, call.keys, call.args...)
	}
	_, _ = pipe.Exec(ctx)

	var retry []int
	for i, cmd := range cmds {
		if redis.HasErrorPrefix(cmd.Err(), "NOSCRIPT") {
			retry = append(retry, i)
		}
	}
	if len(retry) == 0 {
		return cmds
	}
	pipe = c.rdb.Pipeline()
	for _, i := range retry {
		cmds[i] = s.Eval(ctx, pipe, calls[i].keys, calls[i].args...)
	}
	_, _ = pipe.Exec(ctx)
	return cmds
}
