package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quotaengine/internal/quota/usage"
)

// recordingExec resolves every item with its own payload and records the batches it saw.
type recordingExec struct {
	mu      sync.Mutex
	batches [][]*Item
}

func (r *recordingExec) exec(_ context.Context, items []*Item) error {
	r.mu.Lock()
	r.batches = append(r.batches, append([]*Item(nil), items...))
	r.mu.Unlock()
	for _, it := range items {
		it.Resolve(it.Payload)
	}
	return nil
}

func (r *recordingExec) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func newTestProcessor(t *testing.T, cfg TierConfig, execs Executors) *Processor {
	t.Helper()
	p, err := NewProcessor(cfg, execs, NewDefaults(nil), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestProcessor_FlushesWhenBatchIsFull(t *testing.T) {
	rec := &recordingExec{}
	p := newTestProcessor(t, TierConfig{Priority: Medium, MaxBatchSize: 3, FlushInterval: time.Hour},
		Executors{OpSetUsernameMap: rec.exec})

	var futures []*Future
	for i := 0; i < 3; i++ {
		f, err := p.Enqueue(OpSetUsernameMap, i)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		futures = append(futures, f)
	}
	for i, f := range futures {
		o := f.Await(context.Background())
		if !o.OK() || o.Value != i {
			t.Fatalf("item %d: unexpected outcome %+v", i, o)
		}
	}
	if rec.count() != 1 || len(rec.batches[0]) != 3 {
		t.Fatalf("expected one batch of 3, got %d batches", rec.count())
	}
}

func TestProcessor_FlushesAfterInterval(t *testing.T) {
	rec := &recordingExec{}
	p := newTestProcessor(t, TierConfig{Priority: High, MaxBatchSize: 100, FlushInterval: 80 * time.Millisecond},
		Executors{OpSetUsernameMap: rec.exec})

	start := time.Now()
	o, err := p.Submit(context.Background(), OpSetUsernameMap, "x")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !o.OK() {
		t.Fatalf("expected real result, got %+v", o)
	}
	if took := time.Since(start); took > 900*time.Millisecond {
		t.Fatalf("interval flush took too long: %v", took)
	}
}

func TestProcessor_NearRealTimeFlushesImmediately(t *testing.T) {
	rec := &recordingExec{}
	p := newTestProcessor(t, TierConfig{Priority: Urgent, MaxBatchSize: 1000, FlushInterval: NearRealTime},
		Executors{OpSetUsernameMap: rec.exec})
	f, _ := p.Enqueue(OpSetUsernameMap, 1)
	select {
	case <-f.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("near real-time tier did not flush a single item")
	}
}

func TestProcessor_SubmissionOrderAndCorrelationIDs(t *testing.T) {
	rec := &recordingExec{}
	p := newTestProcessor(t, TierConfig{Priority: Low, MaxBatchSize: 4, FlushInterval: time.Hour},
		Executors{OpSetUsernameMap: rec.exec, OpSetUserData: rec.exec})

	kinds := []OperationKind{OpSetUsernameMap, OpSetUserData, OpSetUsernameMap, OpSetUserData}
	var futures []*Future
	for i, k := range kinds {
		f, _ := p.Enqueue(k, i)
		futures = append(futures, f)
	}
	for _, f := range futures {
		f.Await(context.Background())
	}
	if rec.count() != 2 {
		t.Fatalf("expected one executor call per kind, got %d", rec.count())
	}
	first := rec.batches[0]
	if first[0].Kind != OpSetUsernameMap || first[0].Payload != 0 || first[1].Payload != 2 {
		t.Fatalf("group order wrong: %v %v", first[0].Payload, first[1].Payload)
	}
	seen := map[CorrelationID]bool{}
	for _, b := range rec.batches {
		for _, it := range b {
			if seen[it.ID] {
				t.Fatalf("duplicate correlation id %s", it.ID)
			}
			seen[it.ID] = true
		}
	}
}

// TestProcessor_NoOverlappingFlushes submits concurrently and asserts executor calls of
// one tier never overlap.
func TestProcessor_NoOverlappingFlushes(t *testing.T) {
	var inflight, maxInflight atomic.Int32
	exec := func(_ context.Context, items []*Item) error {
		n := inflight.Add(1)
		for {
			m := maxInflight.Load()
			if n <= m || maxInflight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		for _, it := range items {
			it.Resolve(true)
		}
		inflight.Add(-1)
		return nil
	}
	p := newTestProcessor(t, TierConfig{Priority: Urgent, MaxBatchSize: 5, FlushInterval: 10 * time.Millisecond},
		Executors{OpSetUsernameMap: exec, OpSetUserData: exec})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := OpSetUsernameMap
			if i%2 == 0 {
				kind = OpSetUserData
			}
			if _, err := p.Submit(context.Background(), kind, i); err != nil {
				t.Errorf("submit: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if got := maxInflight.Load(); got != 1 {
		t.Fatalf("expected at most one executor call at a time, saw %d", got)
	}
}

func TestProcessor_GroupIsolation(t *testing.T) {
	boom := errors.New("backing store down")
	execs := Executors{
		OpSetUserData: func(context.Context, []*Item) error { return boom },
		OpGetActiveToken: func(_ context.Context, items []*Item) error {
			for _, it := range items {
				it.Resolve("tok")
			}
			return nil
		},
	}
	p := newTestProcessor(t, TierConfig{Priority: Medium, MaxBatchSize: 2, FlushInterval: time.Hour}, execs)

	failing, _ := p.Enqueue(OpSetUserData, usage.Record{ID: "1"})
	healthy, _ := p.Enqueue(OpGetActiveToken, usage.Identity{UserID: "1"})

	fo := failing.Await(context.Background())
	if !errors.Is(fo.Reason, boom) || fo.Bool() {
		t.Fatalf("expected failed group fallback false with reason, got %+v", fo)
	}
	ho := healthy.Await(context.Background())
	if tok, ok := ho.Token(); !ho.OK() || !ok || tok != "tok" {
		t.Fatalf("healthy group affected by sibling failure: %+v", ho)
	}
}

func TestProcessor_UnknownKindPanicAndUnresolved(t *testing.T) {
	execs := Executors{
		OpResetDailyUsage: func(context.Context, []*Item) error { panic("bug") },
		OpSetUsernameMap:  func(context.Context, []*Item) error { return nil }, // resolves nothing
	}
	p := newTestProcessor(t, TierConfig{Priority: Medium, MaxBatchSize: 3, FlushInterval: time.Hour}, execs)

	unknown, _ := p.Enqueue(OperationKind("make-coffee"), nil)
	panicky, _ := p.Enqueue(OpResetDailyUsage, ResetPayload{})
	lazy, _ := p.Enqueue(OpSetUsernameMap, UsernameMapping{})

	if o := unknown.Await(context.Background()); !errors.Is(o.Reason, ErrUnknownOperation) || o.Value != nil {
		t.Fatalf("unexpected unknown-kind outcome %+v", o)
	}
	if o := panicky.Await(context.Background()); o.OK() || o.Bool() {
		t.Fatalf("expected panic to become fallback, got %+v", o)
	}
	if o := lazy.Await(context.Background()); !errors.Is(o.Reason, ErrUnresolved) {
		t.Fatalf("expected unresolved fallback, got %+v", o)
	}
}

// TestProcessor_BoundedWaitOnSlowBackend checks a caller gets the fallback within the
// bounded wait even when the executor hangs until its context expires.
func TestProcessor_BoundedWaitOnSlowBackend(t *testing.T) {
	slow := func(ctx context.Context, items []*Item) error {
		<-ctx.Done()
		return ctx.Err()
	}
	p := newTestProcessor(t, TierConfig{
		Priority: Urgent, MaxBatchSize: 10, FlushInterval: 20 * time.Millisecond,
		WaitTimeout: 100 * time.Millisecond, FlushTimeout: 300 * time.Millisecond,
	}, Executors{OpIncrementUsage: slow})

	start := time.Now()
	o, err := p.Submit(context.Background(), OpIncrementUsage, usage.Identity{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if took := time.Since(start); took > 250*time.Millisecond {
		t.Fatalf("bounded wait exceeded: %v", took)
	}
	if !errors.Is(o.Reason, ErrTimeout) {
		t.Fatalf("expected timeout fallback, got %+v", o)
	}
	rec, ok := o.Record()
	if !ok || rec.IPAddress != "10.0.0.1" || rec.RemainingRequests <= 0 {
		t.Fatalf("expected default record fallback, got %+v", o.Value)
	}
}

func TestProcessor_StopCancelsBufferedAndRejects(t *testing.T) {
	rec := &recordingExec{}
	p, err := NewProcessor(TierConfig{Priority: Low, MaxBatchSize: 100, FlushInterval: time.Hour},
		Executors{OpCheckActiveToken: rec.exec}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	if _, err := p.Enqueue(OpCheckActiveToken, nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	var futures []*Future
	for i := 0; i < 5; i++ {
		f, _ := p.Enqueue(OpCheckActiveToken, TokenPayload{Token: "t"})
		futures = append(futures, f)
	}
	if n := p.Stop(); n != 5 {
		t.Fatalf("expected 5 drained items, got %d", n)
	}
	for _, f := range futures {
		if !f.Resolved() {
			t.Fatalf("future left pending after stop")
		}
		o := f.Await(context.Background())
		if !errors.Is(o.Reason, ErrCanceled) || o.Bool() {
			t.Fatalf("expected canceled fallback, got %+v", o)
		}
	}
	if _, err := p.Enqueue(OpCheckActiveToken, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("executor must not run for canceled items")
	}
	if n := p.Stop(); n != 0 {
		t.Fatalf("second stop should be a no-op, drained %d", n)
	}
}

func TestAwait_ContextCanceled(t *testing.T) {
	it := NewItem(OpCheckRateLimit, RateLimitPayload{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := it.Future().Await(ctx)
	if !errors.Is(o.Reason, context.Canceled) || !o.Bool() {
		t.Fatalf("expected fail-open fallback on canceled ctx, got %+v", o)
	}
	it.Resolve(false)
	if o := it.Future().Await(context.Background()); !o.OK() || o.Bool() {
		t.Fatalf("expected resolved value false, got %+v", o)
	}
	it.Fail(errors.New("late"))
	if o := it.Future().Await(context.Background()); !o.OK() {
		t.Fatalf("resolution must happen once, got %+v", o)
	}
}

func TestTierConfigDerivations(t *testing.T) {
	urgent := DefaultTiers()[0]
	if !urgent.nearRealTime() {
		t.Fatalf("urgent tier should be near real-time")
	}
	if got := urgent.waitTimeout(); got != DefaultWaitFloor {
		t.Fatalf("urgent wait should be floored, got %v", got)
	}
	low := DefaultTiers()[3]
	if got := low.waitTimeout(); got != 4*time.Second {
		t.Fatalf("low wait should be 2x interval, got %v", got)
	}
	if got := low.pollInterval(); got != maxPollInterval {
		t.Fatalf("poll interval should be capped, got %v", got)
	}
	if got := (TierConfig{FlushInterval: 2 * time.Millisecond}).pollInterval(); got != minPollInterval {
		t.Fatalf("poll interval should be clamped up, got %v", got)
	}
	if err := (TierConfig{Priority: Low, MaxBatchSize: 0, FlushInterval: time.Second}).Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}
