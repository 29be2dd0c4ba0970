package config

import (
	"testing"
	"time"

	"quotaengine/internal/quota/core"
	"quotaengine/internal/quota/usage"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	tiers := cfg.TierConfigs()
	if len(tiers) != 4 || tiers[0].Priority != core.Urgent || tiers[0].MaxBatchSize != 25 || tiers[0].FlushInterval != 50*time.Millisecond {
		t.Fatalf("unexpected default tiers %+v", tiers)
	}
	if tiers[3].Priority != core.Low || tiers[3].FlushInterval != 2*time.Second {
		t.Fatalf("unexpected low tier %+v", tiers[3])
	}
	if cfg.Limits()[usage.TierPro] != 1000 || cfg.DurableAdapter != "memory" || cfg.IsProduction() {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("QE_ENVIRONMENT", "Production")
	t.Setenv("QE_HIGH_BATCH_SIZE", "7")
	t.Setenv("QE_HIGH_FLUSH_INTERVAL", "250ms")
	t.Setenv("QE_TIER_LIMITS", "free:5,pro:50")
	t.Setenv("QE_REDIS_ADDR", "redis:6380")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected production")
	}
	high := cfg.TierConfigs()[1]
	if high.MaxBatchSize != 7 || high.FlushInterval != 250*time.Millisecond {
		t.Fatalf("override not applied: %+v", high)
	}
	limits := cfg.Limits()
	if limits[usage.TierFree] != 5 || limits[usage.TierPro] != 50 || limits[usage.TierEnterprise] != 10000 {
		t.Fatalf("unexpected limits %v", limits)
	}
	if cfg.RedisOptions().Addr != "redis:6380" {
		t.Fatalf("redis addr not applied")
	}
}

func TestLoadFromEnv_RejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"zero batch":        {"QE_LOW_BATCH_SIZE", "0"},
		"negative interval": {"QE_URGENT_FLUSH_INTERVAL", "-1s"},
		"postgres no dsn":   {"QE_DURABLE_ADAPTER", "postgres"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestLimits_MergesOverDefaults(t *testing.T) {
	cfg := &Config{TierLimits: usage.Limits{usage.TierFree: 7}}
	l := cfg.Limits()
	if l[usage.TierFree] != 7 || l[usage.TierPro] != 1000 || l[usage.TierAnonymous] != 10 {
		t.Fatalf("unexpected merged limits %v", l)
	}
	if (&Config{}).Limits()[usage.TierFree] != 100 {
		t.Fatalf("empty map should keep defaults")
	}
}

func TestLoadFromEnv_TierLimitErrors(t *testing.T) {
	cases := map[string]string{
		"unknown tier":    "gold:10",
		"not a number":    "free:zero",
		"missing limit":   "free",
		"non-positive":    "pro:0",
		"padded tier key": "free:5, pro:50",
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("QE_TIER_LIMITS", v)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("expected error for QE_TIER_LIMITS=%q", v)
			}
		})
	}
}
