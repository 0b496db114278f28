package surge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	c "github.com/unkn0wn-root/surge/codec"
	"github.com/unkn0wn-root/surge/internal/util"
	"github.com/unkn0wn-root/surge/lock"
	"github.com/unkn0wn-root/surge/store"
)

type shop struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// recordHooks counts high-signal events for assertions.
type recordHooks struct {
	mu        sync.Mutex
	selfHeal  int
	stale     int
	dropped   int
	lockSkips int
}

func (h *recordHooks) SelfHealEntry(string, string) { h.mu.Lock(); h.selfHeal++; h.mu.Unlock() }
func (h *recordHooks) StaleServed(string)           { h.mu.Lock(); h.stale++; h.mu.Unlock() }
func (h *recordHooks) RebuildDropped(string)        { h.mu.Lock(); h.dropped++; h.mu.Unlock() }
func (h *recordHooks) LockSkipped(string)           { h.mu.Lock(); h.lockSkips++; h.mu.Unlock() }
func (h *recordHooks) Divergence(int64, int64, string) {}

func newTestCache(t *testing.T, strategy Strategy, st *store.Local, optsOpt func(*Options[shop])) Cache[shop] {
	t.Helper()
	opts := Options[shop]{
		Namespace:  "shop",
		Values:     st,
		Locks:      st,
		Codec:      c.JSON[shop]{},
		Strategy:   strategy,
		RetryDelay: 5 * time.Millisecond,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	cc, err := New[shop](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cc
}

func countingLoader(v shop, found bool, calls *atomic.Int64) Loader[shop] {
	return func(context.Context, string) (shop, bool, error) {
		calls.Add(1)
		return v, found, nil
	}
}

// ==============================
// Pass-through strategy
// ==============================

// TestPassThroughCachesValue verifies the miss->load->cache->hit flow.
func TestPassThroughCachesValue(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	cc := newTestCache(t, StrategyPassThrough, st, nil)
	defer cc.Close(ctx)

	var calls atomic.Int64
	want := shop{ID: "1", Name: "Coffee"}
	loader := countingLoader(want, true, &calls)

	got, ok, err := cc.Load(ctx, "1", loader)
	if err != nil || !ok || got != want {
		t.Fatalf("first Load: ok=%v err=%v got=%v", ok, err, got)
	}
	got, ok, err = cc.Load(ctx, "1", loader)
	if err != nil || !ok || got != want {
		t.Fatalf("second Load: ok=%v err=%v got=%v", ok, err, got)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("loader called %d times, want 1", n)
	}
}

// TestPassThroughNullMarker verifies the penetration guard: a nonexistent
// entity is loaded once, then the cached null marker absorbs repeat lookups.
func TestPassThroughNullMarker(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	cc := newTestCache(t, StrategyPassThrough, st, nil)
	defer cc.Close(ctx)

	var calls atomic.Int64
	loader := countingLoader(shop{}, false, &calls)

	for i := 0; i < 5; i++ {
		if _, ok, err := cc.Load(ctx, "ghost", loader); err != nil || ok {
			t.Fatalf("Load %d: ok=%v err=%v", i, ok, err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("loader called %d times, want 1 (null marker should absorb misses)", n)
	}

	// The marker is a present-but-empty entry, distinguishable from absence.
	if _, ok, _ := st.Get(ctx, util.CacheKey("shop", "ghost")); !ok {
		t.Fatalf("null marker not stored")
	}
}

// TestPassThroughNullMarkerExpires: once the marker's short TTL lapses, the
// loader is consulted again.
func TestPassThroughNullMarkerExpires(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	cc := newTestCache(t, StrategyPassThrough, st, func(o *Options[shop]) {
		o.NullTTL = 20 * time.Millisecond
	})
	defer cc.Close(ctx)

	var calls atomic.Int64
	loader := countingLoader(shop{}, false, &calls)

	_, _, _ = cc.Load(ctx, "ghost", loader)
	time.Sleep(30 * time.Millisecond)
	_, _, _ = cc.Load(ctx, "ghost", loader)
	if n := calls.Load(); n != 2 {
		t.Fatalf("loader called %d times, want 2 after marker expiry", n)
	}
}

// ==============================
// Mutex-rebuild strategy
// ==============================

// TestMutexRebuildSingleLoader: N concurrent misses on one key produce
// exactly one loader call, and every caller observes the loaded value.
func TestMutexRebuildSingleLoader(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	cc := newTestCache(t, StrategyMutexRebuild, st, nil)
	defer cc.Close(ctx)

	var calls atomic.Int64
	want := shop{ID: "7", Name: "Hotpot"}
	loader := func(context.Context, string) (shop, bool, error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond) // stretch the rebuild window
		return want, true, nil
	}

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			got, ok, err := cc.Load(ctx, "7", loader)
			if err != nil || !ok || got != want {
				t.Errorf("Load: ok=%v err=%v got=%v", ok, err, got)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("loader called %d times under contention, want 1", got)
	}
}

// TestMutexRebuildRetryPropagates: a caller that loses the lock race returns
// the winner's rebuilt value instead of its own discarded miss.
func TestMutexRebuildRetryPropagates(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	cc := newTestCache(t, StrategyMutexRebuild, st, nil)
	defer cc.Close(ctx)

	// Simulate a foreign rebuilder: hold the rebuild lock, then publish the
	// value and release.
	foreign := lock.New(st, "shop:9", time.Second)
	if ok, _ := foreign.TryAcquire(ctx); !ok {
		t.Fatalf("setup: foreign lock acquire failed")
	}

	want := shop{ID: "9", Name: "Noodles"}
	done := make(chan struct{})
	go func() {
		defer close(done)
		got, ok, err := cc.Load(ctx, "9", func(context.Context, string) (shop, bool, error) {
			t.Error("loader must not run while a peer rebuilds")
			return shop{}, false, nil
		})
		if err != nil || !ok || got != want {
			t.Errorf("contending Load: ok=%v err=%v got=%v", ok, err, got)
		}
	}()

	time.Sleep(20 * time.Millisecond) // let the reader hit the lock wait
	if err := cc.Set(ctx, "9", want, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := foreign.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("contending Load never returned")
	}
}

// TestMutexRebuildNullMarker: absent entities are negative-cached under the
// lock too.
func TestMutexRebuildNullMarker(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	cc := newTestCache(t, StrategyMutexRebuild, st, nil)
	defer cc.Close(ctx)

	var calls atomic.Int64
	loader := countingLoader(shop{}, false, &calls)
	for i := 0; i < 3; i++ {
		if _, ok, err := cc.Load(ctx, "ghost", loader); err != nil || ok {
			t.Fatalf("Load: ok=%v err=%v", ok, err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("loader called %d times, want 1", n)
	}
}

// ==============================
// Logical-expiry strategy
// ==============================

// TestLogicalExpireFreshHit: a warmed, unexpired entry returns without
// touching the loader.
func TestLogicalExpireFreshHit(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	cc := newTestCache(t, StrategyLogicalExpire, st, nil)
	defer cc.Close(ctx)

	want := shop{ID: "3", Name: "Bakery"}
	if err := cc.SetWithExpiry(ctx, "3", want, time.Minute); err != nil {
		t.Fatalf("SetWithExpiry: %v", err)
	}

	got, ok, err := cc.Load(ctx, "3", func(context.Context, string) (shop, bool, error) {
		t.Error("loader must not run on a fresh entry")
		return shop{}, false, nil
	})
	if err != nil || !ok || got != want {
		t.Fatalf("Load: ok=%v err=%v got=%v", ok, err, got)
	}
}

// TestLogicalExpireColdMiss: an unwarmed key reads as not-found and the
// loader is never consulted (pre-warming is the caller's job).
func TestLogicalExpireColdMiss(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	cc := newTestCache(t, StrategyLogicalExpire, st, nil)
	defer cc.Close(ctx)

	var calls atomic.Int64
	if _, ok, err := cc.Load(ctx, "cold", countingLoader(shop{}, true, &calls)); err != nil || ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if calls.Load() != 0 {
		t.Fatalf("loader must not run for cold keys")
	}
}

// TestLogicalExpireServesStaleThenRefreshes: an expired entry is returned
// immediately while one background rebuild refreshes it.
func TestLogicalExpireServesStaleThenRefreshes(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	hooks := &recordHooks{}
	cc := newTestCache(t, StrategyLogicalExpire, st, func(o *Options[shop]) {
		o.Hooks = hooks
	})
	defer cc.Close(ctx)

	old := shop{ID: "5", Name: "Old"}
	fresh := shop{ID: "5", Name: "Fresh"}
	if err := cc.SetWithExpiry(ctx, "5", old, 10*time.Millisecond); err != nil {
		t.Fatalf("SetWithExpiry: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let it go logically stale

	var calls atomic.Int64
	loader := func(context.Context, string) (shop, bool, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return fresh, true, nil
	}

	start := time.Now()
	got, ok, err := cc.Load(ctx, "5", loader)
	if err != nil || !ok || got != old {
		t.Fatalf("stale Load: ok=%v err=%v got=%v", ok, err, got)
	}
	if time.Since(start) > 15*time.Millisecond {
		t.Fatalf("stale read blocked on the rebuild")
	}

	// Concurrent stale readers do not fan out rebuilds: the lock is held.
	for i := 0; i < 5; i++ {
		if got, ok, _ := cc.Load(ctx, "5", loader); !ok || got != old {
			t.Fatalf("stale re-read: ok=%v got=%v", ok, got)
		}
	}

	// After the rebuild lands, readers see the fresh value.
	deadline := time.Now().Add(time.Second)
	for {
		got, ok, err = cc.Load(ctx, "5", loader)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if ok && got == fresh {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rebuild never landed; last got=%v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := calls.Load(); n != 1 {
		t.Fatalf("rebuild ran %d times, want 1", n)
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if hooks.stale == 0 {
		t.Fatalf("expected StaleServed events")
	}
}

// ==============================
// Shared behavior
// ==============================

// TestSelfHealOnCorrupt ensures foreign/corrupt bytes are deleted on read
// and the loader repopulates the entry.
func TestSelfHealOnCorrupt(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	hooks := &recordHooks{}
	cc := newTestCache(t, StrategyPassThrough, st, func(o *Options[shop]) {
		o.Hooks = hooks
	})
	defer cc.Close(ctx)

	k := util.CacheKey("shop", "bad")
	if _, err := st.Set(ctx, k, []byte("not-wire-format"), 0); err != nil {
		t.Fatalf("inject corrupt: %v", err)
	}

	var calls atomic.Int64
	want := shop{ID: "bad", Name: "Healed"}
	got, ok, err := cc.Load(ctx, "bad", countingLoader(want, true, &calls))
	if err != nil || !ok || got != want {
		t.Fatalf("Load over corrupt: ok=%v err=%v got=%v", ok, err, got)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader should repopulate after self-heal")
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if hooks.selfHeal != 1 {
		t.Fatalf("selfHeal events = %d, want 1", hooks.selfHeal)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	cc := newTestCache(t, StrategyPassThrough, st, nil)
	defer cc.Close(ctx)

	var calls atomic.Int64
	want := shop{ID: "2", Name: "Tea"}
	loader := countingLoader(want, true, &calls)

	_, _, _ = cc.Load(ctx, "2", loader)
	if err := cc.Invalidate(ctx, "2"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	_, _, _ = cc.Load(ctx, "2", loader)
	if n := calls.Load(); n != 2 {
		t.Fatalf("loader called %d times, want 2 after invalidate", n)
	}
}

func TestDisabledCachePassesThrough(t *testing.T) {
	ctx := context.Background()
	st := store.NewLocal()
	cc := newTestCache(t, StrategyPassThrough, st, func(o *Options[shop]) {
		o.Disabled = true
	})
	defer cc.Close(ctx)

	var calls atomic.Int64
	want := shop{ID: "1", Name: "Direct"}
	for i := 0; i < 3; i++ {
		got, ok, err := cc.Load(ctx, "1", countingLoader(want, true, &calls))
		if err != nil || !ok || got != want {
			t.Fatalf("Load: ok=%v err=%v got=%v", ok, err, got)
		}
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("disabled cache must hit the loader every time, got %d", n)
	}
}

func TestOptionsValidation(t *testing.T) {
	st := store.NewLocal()
	if _, err := New[shop](Options[shop]{Values: st, Codec: c.JSON[shop]{}}); err == nil {
		t.Fatalf("missing namespace should error")
	}
	if _, err := New[shop](Options[shop]{Namespace: "x", Codec: c.JSON[shop]{}}); err == nil {
		t.Fatalf("missing values store should error")
	}
	if _, err := New[shop](Options[shop]{Namespace: "x", Values: st}); err == nil {
		t.Fatalf("missing codec should error")
	}
	if _, err := New[shop](Options[shop]{
		Namespace: "x", Values: st, Codec: c.JSON[shop]{}, Strategy: StrategyMutexRebuild,
	}); err == nil {
		t.Fatalf("mutex strategy without locks store should error")
	}
}
