//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quotaengine/internal/quota/core"
	"quotaengine/internal/quota/persistence"
	"quotaengine/internal/quota/usage"
)

// TestRedisCoalescedIncrementsE2E drives the coordinator and cache executors against a
// real Redis: concurrent increments on every tier land exactly once and remaining floors
// at zero.
func TestRedisCoalescedIncrementsE2E(t *testing.T) {
	rc := requireRedis(t)
	ctx := context.Background()
	if err := persistence.LoadScripts(ctx, rc); err != nil {
		t.Fatalf("load scripts: %v", err)
	}

	limits := usage.Limits{usage.TierFree: 10}
	cache := persistence.NewCache(rc, limits, persistence.WithLogger(zerolog.Nop()))
	coord, err := core.NewCoordinator(core.DefaultTiers(), cache.Executors(), core.NewDefaults(limits), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := coord.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer coord.Stop()

	user := uniqueUser(t, rc)
	id := usage.Identity{UserID: user, Tier: usage.TierFree}
	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := core.Priorities()[i%4]
			o, err := coord.Submit(ctx, core.OpIncrementUsage, id, p)
			if err != nil || !o.OK() {
				t.Errorf("increment on %s: %v %v", p, err, o.Reason)
			}
		}(i)
	}
	wg.Wait()

	h, err := rc.HGetAll(ctx, "user:"+user).Result()
	if err != nil {
		t.Fatalf("HGETALL: %v", err)
	}
	if h["requests_today"] != fmt.Sprint(n) || h["remaining_requests"] != "0" {
		t.Fatalf("unexpected record %v", h)
	}
	if ttl := rc.TTL(ctx, "user:"+user).Val(); ttl <= 0 || ttl > usage.RecordTTL {
		t.Fatalf("unexpected ttl %s", ttl)
	}

	o, err := coord.Submit(ctx, core.OpGetUserData, id, core.High)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rec, ok := o.Record()
	if !ok || !o.OK() || rec.RequestsToday != n {
		t.Fatalf("unexpected get outcome %+v", o)
	}

	start := time.Now()
	coord.Stop()
	if time.Since(start) > 5*time.Second {
		t.Fatalf("stop took too long")
	}
}
