package persistence

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"quotaengine/internal/quota/usage"
)

func sampleRecords() []usage.Record {
	return []usage.Record{
		{ID: "1", Username: "ada", Tier: usage.TierPro, RequestsToday: 3, RemainingRequests: 997, LastRequestAt: testNow, LastResetAt: testNow},
		{ID: usage.AnonymousID, IPAddress: "10.0.0.1", Tier: usage.TierAnonymous, RequestsToday: 1, RemainingRequests: 9, LastRequestAt: testNow, LastResetAt: testNow},
		{ID: "1", Username: "ada", Tier: usage.TierPro, RequestsToday: 4, RemainingRequests: 996, LastRequestAt: testNow, LastResetAt: testNow},
		{ID: usage.AnonymousID}, // no key, skipped
	}
}

func TestBuildUpsert_DedupesAndRendersOnConflict(t *testing.T) {
	query, args, err := buildUpsert(sampleRecords())
	if err != nil {
		t.Fatalf("buildUpsert: %v", err)
	}
	if !strings.HasPrefix(query, "INSERT INTO usage_records (identity_key,user_id,username,ip_address,tier,") {
		t.Fatalf("unexpected insert prefix: %s", query)
	}
	if !strings.Contains(query, "VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9),($10,") {
		t.Fatalf("expected two dollar-numbered rows: %s", query)
	}
	if !strings.Contains(query, "ON CONFLICT (identity_key) DO UPDATE SET") {
		t.Fatalf("missing upsert suffix: %s", query)
	}
	if len(args) != 18 {
		t.Fatalf("expected 2 rows x 9 args, got %d", len(args))
	}
	if args[0] != "1" || args[5] != int64(4) {
		t.Fatalf("duplicate key should keep the last record, got %v %v", args[0], args[5])
	}
	if args[9] != "ip:10.0.0.1" || args[10] != nil {
		t.Fatalf("anonymous row should be keyed by ip with null user id, got %v %v", args[9], args[10])
	}

	if q, _, err := buildUpsert([]usage.Record{{}}); err != nil || q != "" {
		t.Fatalf("expected empty statement, got %q %v", q, err)
	}
}

func TestMemoryStore_SessionsAreIsolatedUntilCommit(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	s, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.UpsertUsage(ctx, sampleRecords()); err != nil {
		t.Fatalf("UpsertUsage: %v", err)
	}
	if len(m.Rows()) != 0 {
		t.Fatalf("rows visible before commit")
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	rows := m.Rows()
	if len(rows) != 2 || rows["1"].RequestsToday != 4 || rows["ip:10.0.0.1"].RemainingRequests != 9 {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if err := s.UpsertUsage(ctx, nil); err == nil {
		t.Fatalf("expected error reusing a committed session")
	}

	rb, _ := m.Begin(ctx)
	_ = rb.UpsertUsage(ctx, []usage.Record{{ID: "2", Tier: usage.TierFree}})
	_ = rb.Rollback(ctx)
	if _, ok := m.Rows()["2"]; ok {
		t.Fatalf("rolled back row became visible")
	}
	if m.Commits() != 1 {
		t.Fatalf("expected 1 commit, got %d", m.Commits())
	}
}

func TestUpsert_KeepsStoredUsername(t *testing.T) {
	rows := []usage.Record{
		{ID: "5", Username: "eve", Tier: usage.TierFree, RequestsToday: 1},
		{ID: "5", Tier: usage.TierFree, RequestsToday: 2},
	}
	query, args, err := buildUpsert(rows)
	if err != nil {
		t.Fatalf("buildUpsert: %v", err)
	}
	if !strings.Contains(query, "username = COALESCE(NULLIF(EXCLUDED.username, ''), usage_records.username)") {
		t.Fatalf("conflict update may erase the stored username: %s", query)
	}
	if len(args) != 9 || args[2] != "eve" || args[5] != int64(2) {
		t.Fatalf("duplicate without username should keep the earlier one, got %v", args)
	}

	ctx := context.Background()
	m := NewMemoryStore()
	m.Seed(usage.Record{ID: "5", Username: "eve", Tier: usage.TierFree})
	s, _ := m.Begin(ctx)
	if err := s.UpsertUsage(ctx, []usage.Record{{ID: "5", Tier: usage.TierFree, RequestsToday: 3}}); err != nil {
		t.Fatalf("UpsertUsage: %v", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := m.Rows()["5"]; got.Username != "eve" || got.RequestsToday != 3 {
		t.Fatalf("commit erased the stored username: %+v", got)
	}
}

func TestUpsert_NormalizesAnonymousAddress(t *testing.T) {
	_, args, err := buildUpsert([]usage.Record{{ID: usage.AnonymousID, IPAddress: "::ffff:10.0.0.1", Tier: usage.TierAnonymous}})
	if err != nil {
		t.Fatalf("buildUpsert: %v", err)
	}
	if args[0] != "ip:10.0.0.1" || args[3] != "10.0.0.1" {
		t.Fatalf("expected canonical key and address, got %v %v", args[0], args[3])
	}
}

func TestMemoryStore_ListIdentities(t *testing.T) {
	m := NewMemoryStore()
	m.Seed(
		usage.Record{ID: "2", Username: "bob", Tier: usage.TierFree},
		usage.Record{ID: "1", Username: "ada", Tier: usage.TierPro},
		usage.Record{ID: "3", Tier: usage.TierFree},
		usage.Record{ID: usage.AnonymousID, IPAddress: "10.0.0.1", Username: "ghost"},
	)
	s, _ := m.Begin(context.Background())
	defer s.Rollback(context.Background())
	ids, err := s.ListIdentities(context.Background())
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	if len(ids) != 2 || ids[0].UserID != "1" || ids[0].Username != "ada" || ids[1].Tier != usage.TierFree {
		t.Fatalf("unexpected identities %+v", ids)
	}
}

func TestBuildDurable(t *testing.T) {
	d, err := BuildDurable(context.Background(), "", DurableOptions{})
	if err != nil {
		t.Fatalf("default adapter: %v", err)
	}
	if _, ok := d.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", d)
	}
	if _, err := BuildDurable(context.Background(), "postgres", DurableOptions{}); err == nil {
		t.Fatalf("expected error for postgres without DSN")
	}
	if _, err := BuildDurable(context.Background(), "cassandra", DurableOptions{}); err == nil {
		t.Fatalf("expected error for unknown adapter")
	}
}

// TestPostgresStore_Upsert runs against a real database when QE_TEST_POSTGRES_DSN is set.
func TestPostgresStore_Upsert(t *testing.T) {
	dsn := os.Getenv("QE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("QE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store := NewPostgresStore(dsn)
	if err := store.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	for i := 0; i < 2; i++ {
		s, err := store.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if err := s.UpsertUsage(ctx, sampleRecords()); err != nil {
			_ = s.Rollback(ctx)
			t.Fatalf("UpsertUsage pass %d: %v", i, err)
		}
		if err := s.Commit(ctx); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	s, _ := store.Begin(ctx)
	defer s.Rollback(ctx)
	ids, err := s.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	found := false
	for _, id := range ids {
		if id.UserID == "1" && id.Username == "ada" {
			found = true
		}
	}
	if !found {
		t.Fatalf("upserted identity not listed: %+v", ids)
	}
}
