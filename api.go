package surge

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/surge/codec"
	"github.com/unkn0wn-root/surge/store"
)

// Strategy selects the consistency discipline for one cache key family.
// Entries written by one strategy are not readable by another; pick one per
// namespace and keep it.
type Strategy int

const (
	// StrategyPassThrough caches loader results directly and stores a
	// short-lived null marker for absent keys (penetration guard). No
	// stampede protection - acceptable only for low-contention keys.
	StrategyPassThrough Strategy = iota

	// StrategyMutexRebuild collapses concurrent misses on one key into a
	// single loader call behind a distributed lock, and jitters TTLs so key
	// families do not expire in lockstep.
	StrategyMutexRebuild

	// StrategyLogicalExpire never blocks a reader: entries carry a logical
	// expire-at timestamp instead of a physical TTL, stale reads return the
	// old value immediately, and rebuilds run on a background pool behind
	// the same distributed lock. Keys must be pre-warmed with SetWithExpiry;
	// cold keys read as not-found.
	StrategyLogicalExpire
)

// Loader fetches a value from the backing database. It returns found=false
// when the entity does not exist (which the cache turns into a null marker
// under the first two strategies). Loader calls are the only path that
// reaches the persistence collaborator.
type Loader[V any] func(ctx context.Context, key string) (V, bool, error)

// Cache is the read-through cache API for one key family.
type Cache[V any] interface {
	Enabled() bool

	// Close drains the background rebuild pool. The underlying stores are
	// shared with the lock and admission components, so their lifecycle
	// belongs to the caller.
	Close(context.Context) error

	// Load performs a strategy-dispatched read-through: cache first, loader
	// on miss, write-back per strategy. ok=false with a nil error means the
	// entity does not exist (or, under StrategyLogicalExpire, was never
	// warmed).
	Load(ctx context.Context, key string, loader Loader[V]) (v V, ok bool, err error)

	// Get reads the cache without consulting the loader. Under
	// StrategyLogicalExpire a stale entry is still returned.
	Get(ctx context.Context, key string) (v V, ok bool, err error)

	// Set warms a bare entry with the given physical TTL (0 => DefaultTTL).
	Set(ctx context.Context, key string, value V, ttl time.Duration) error

	// SetWithExpiry warms a logically expiring entry: no physical TTL, the
	// deadline is now+logicalTTL. Required before traffic arrives on any
	// key family using StrategyLogicalExpire.
	SetWithExpiry(ctx context.Context, key string, value V, logicalTTL time.Duration) error

	// Invalidate removes the entry (fire-and-forget against the store).
	Invalidate(ctx context.Context, key string) error
}

// Options tune one cache instance.
// Namespace, Values and Codec are required; Locks is required for the mutex
// and logical-expiry strategies. Others have sensible defaults.
type Options[V any] struct {
	// Required
	Namespace string // key family, e.g. "shop", "voucher", "blog"
	Values    store.KV
	Codec     c.Codec[V]

	// Locks is the shared store used for rebuild mutual exclusion. It may be
	// the same object as Values (Redis) or a different one (local KV plane
	// with a shared Redis lock plane).
	Locks store.Store

	Strategy Strategy

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	DefaultTTL    time.Duration // bare entries; 0 => 30m
	NullTTL       time.Duration // null markers; 0 => 2m
	TTLJitterFrac float64       // mutex strategy; 0 => 0.1, <0 disables
	LockLease     time.Duration // rebuild lock lease; 0 => 10s
	RetryDelay    time.Duration // mutex strategy lock-wait; 0 => 50ms

	RebuildWorkers int // logical-expiry pool size; 0 => 8
	RebuildQueue   int // logical-expiry queue depth; 0 => 256

	Disabled bool // default false (enabled); disabled caches pass straight to the loader
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
