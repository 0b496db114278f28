package surge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/surge/codec"
	"github.com/unkn0wn-root/surge/internal/util"
	"github.com/unkn0wn-root/surge/internal/wire"
	"github.com/unkn0wn-root/surge/lock"
	"github.com/unkn0wn-root/surge/store"
)

const (
	defaultTTL        = 30 * time.Minute
	defaultNullTTL    = 2 * time.Minute
	defaultJitterFrac = 0.1
	defaultLockLease  = 10 * time.Second
	defaultRetryDelay = 50 * time.Millisecond

	defaultRebuildWorkers = 8
	defaultRebuildQueue   = 256
)

type readState int

const (
	readMiss readState = iota
	readHit
	readNull
)

type cache[V any] struct {
	ns       string
	values   store.KV
	locks    store.Store
	codec    codec.Codec[V]
	strategy Strategy
	log      Logger
	hooks    Hooks
	enabled  bool

	defaultTTL time.Duration
	nullTTL    time.Duration
	jitterFrac float64
	lockLease  time.Duration
	retryDelay time.Duration

	// logical-expiry rebuild pool
	rebuildQ chan func()
	wg       sync.WaitGroup

	closeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Values == nil {
		return nil, fmt.Errorf("surge: values store is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("surge: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("surge: namespace is required")
	}
	if opts.Strategy != StrategyPassThrough && opts.Locks == nil {
		return nil, fmt.Errorf("surge: locks store is required for strategy %d", opts.Strategy)
	}

	c := &cache[V]{
		ns:       opts.Namespace,
		values:   opts.Values,
		locks:    opts.Locks,
		codec:    opts.Codec,
		strategy: opts.Strategy,
		enabled:  !opts.Disabled,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.defaultTTL = coalesce[time.Duration](opts.DefaultTTL, defaultTTL)
	c.nullTTL = coalesce[time.Duration](opts.NullTTL, defaultNullTTL)
	c.lockLease = coalesce[time.Duration](opts.LockLease, defaultLockLease)
	c.retryDelay = coalesce[time.Duration](opts.RetryDelay, defaultRetryDelay)

	switch {
	case opts.TTLJitterFrac < 0:
		c.jitterFrac = 0
	case opts.TTLJitterFrac == 0:
		c.jitterFrac = defaultJitterFrac
	default:
		c.jitterFrac = opts.TTLJitterFrac
	}

	if c.enabled && c.strategy == StrategyLogicalExpire {
		workers := coalesce[int](opts.RebuildWorkers, defaultRebuildWorkers)
		c.rebuildQ = make(chan func(), coalesce[int](opts.RebuildQueue, defaultRebuildQueue))
		c.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer c.wg.Done()
				for f := range c.rebuildQ {
					f()
				}
			}()
		}
	}

	return c, nil
}

func (c *cache[V]) Enabled() bool { return c.enabled }

func (c *cache[V]) Close(context.Context) error {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closed = true
		if c.rebuildQ != nil {
			close(c.rebuildQ)
		}
		c.closeMu.Unlock()
		c.wg.Wait()
	})
	return nil
}

func (c *cache[V]) Load(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	if !c.enabled {
		return loader(ctx, key)
	}
	switch c.strategy {
	case StrategyMutexRebuild:
		return c.loadWithMutex(ctx, key, loader)
	case StrategyLogicalExpire:
		return c.loadWithLogicalExpire(ctx, key, loader)
	default:
		return c.loadPassThrough(ctx, key, loader)
	}
}

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if !c.enabled {
		return zero, false, nil
	}
	v, _, state, err := c.peek(ctx, c.storageKey(key))
	if err != nil || state != readHit {
		return zero, false, err
	}
	return v, true, nil
}

func (c *cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	return c.write(ctx, c.storageKey(key), wire.EncodeBare(payload), ttl)
}

func (c *cache[V]) SetWithExpiry(ctx context.Context, key string, value V, logicalTTL time.Duration) error {
	if !c.enabled {
		return nil
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	// no physical TTL: the entry only ever expires logically
	return c.write(ctx, c.storageKey(key), wire.EncodeExpiring(time.Now().Add(logicalTTL), payload), 0)
}

func (c *cache[V]) Invalidate(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	k := c.storageKey(key)
	if err := c.values.Del(ctx, k); err != nil {
		c.log.Warn("invalidate delete failed", Fields{"key": key, "err": err})
		return err
	}
	c.log.Debug("invalidated key", Fields{"key": key})
	return nil
}

// loadPassThrough: miss -> loader; absent entity -> cache a null marker with
// a short TTL so repeated lookups for nonexistent keys stop hammering the
// database.
func (c *cache[V]) loadPassThrough(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	var zero V
	k := c.storageKey(key)

	v, _, state, err := c.peek(ctx, k)
	if err != nil {
		return zero, false, err
	}
	switch state {
	case readHit:
		return v, true, nil
	case readNull:
		return zero, false, nil
	}

	loaded, found, err := loader(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !found {
		c.writeNull(ctx, k)
		return zero, false, nil
	}
	if payload, err := c.codec.Encode(loaded); err != nil {
		c.log.Warn("encode for cache failed", Fields{"key": key, "err": err})
	} else {
		_ = c.write(ctx, k, wire.EncodeBare(payload), c.defaultTTL)
	}
	return loaded, true, nil
}

// loadWithMutex retries the whole lookup while another context holds the
// rebuild lock, so every caller eventually returns the rebuilt value rather
// than its own stale miss.
func (c *cache[V]) loadWithMutex(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	var zero V
	k := c.storageKey(key)

	for {
		v, _, state, err := c.peek(ctx, k)
		if err != nil {
			return zero, false, err
		}
		switch state {
		case readHit:
			return v, true, nil
		case readNull:
			return zero, false, nil
		}

		l := lock.New(c.locks, c.lockName(key), c.lockLease)
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return zero, false, err
		}
		if !ok {
			// someone else is rebuilding this key; wait briefly and re-enter
			select {
			case <-ctx.Done():
				return zero, false, ctx.Err()
			case <-time.After(c.retryDelay):
			}
			continue
		}
		return c.rebuildLocked(ctx, k, key, loader, l)
	}
}

func (c *cache[V]) rebuildLocked(ctx context.Context, storageKey, key string, loader Loader[V], l *lock.Lock) (V, bool, error) {
	var zero V
	defer func() {
		if err := l.Release(ctx); err != nil {
			c.log.Warn("rebuild lock release failed", Fields{"key": key, "err": err})
		}
	}()

	// double-check: a peer may have finished the rebuild between our miss
	// and the acquire
	v, _, state, err := c.peek(ctx, storageKey)
	if err != nil {
		return zero, false, err
	}
	switch state {
	case readHit:
		return v, true, nil
	case readNull:
		return zero, false, nil
	}

	loaded, found, err := loader(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !found {
		c.writeNull(ctx, storageKey)
		return zero, false, nil
	}
	if payload, err := c.codec.Encode(loaded); err != nil {
		c.log.Warn("encode for cache failed", Fields{"key": key, "err": err})
	} else {
		_ = c.write(ctx, storageKey, wire.EncodeBare(payload), util.Jitter(c.defaultTTL, c.jitterFrac))
	}
	return loaded, true, nil
}

// loadWithLogicalExpire never calls the loader on the read path. Fresh
// entries return immediately; stale entries are served as-is while a
// background task rebuilds behind the lock; cold keys read as not-found and
// must be warmed with SetWithExpiry before traffic arrives.
func (c *cache[V]) loadWithLogicalExpire(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	var zero V
	k := c.storageKey(key)

	v, ent, state, err := c.peek(ctx, k)
	if err != nil {
		return zero, false, err
	}
	switch state {
	case readNull, readMiss:
		return zero, false, nil
	}
	if !ent.Expired(time.Now()) {
		return v, true, nil
	}

	// stale: kick a rebuild if nobody else is on it, then serve the old value
	l := lock.New(c.locks, c.lockName(key), c.lockLease)
	ok, err := l.TryAcquire(ctx)
	if err != nil {
		// can't coordinate right now; the stale value still honors the
		// non-blocking read contract
		c.log.Warn("rebuild lock acquire failed", Fields{"key": key, "err": err})
	} else if ok {
		c.submitRebuild(k, key, loader, l)
	}

	c.hooks.StaleServed(k)
	return v, true, nil
}

func (c *cache[V]) submitRebuild(storageKey, key string, loader Loader[V], l *lock.Lock) {
	task := func() {
		// detached from the reader: its request already returned
		ctx := context.Background()
		defer func() {
			if err := l.Release(ctx); err != nil {
				c.log.Warn("rebuild lock release failed", Fields{"key": key, "err": err})
			}
		}()

		loaded, found, err := loader(ctx, key)
		if err != nil {
			c.log.Error("background rebuild failed", Fields{"key": key, "err": err})
			return
		}
		if !found {
			// entity vanished since warming; drop the entry so reads go cold
			_ = c.values.Del(ctx, storageKey)
			return
		}
		payload, err := c.codec.Encode(loaded)
		if err != nil {
			c.log.Error("encode for cache failed", Fields{"key": key, "err": err})
			return
		}
		_ = c.write(ctx, storageKey, wire.EncodeExpiring(time.Now().Add(c.defaultTTL), payload), 0)
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		c.releaseDropped(key, l)
		return
	}
	select {
	case c.rebuildQ <- task:
	default:
		c.hooks.RebuildDropped(storageKey)
		c.releaseDropped(key, l)
	}
}

func (c *cache[V]) releaseDropped(key string, l *lock.Lock) {
	if err := l.Release(context.Background()); err != nil {
		c.log.Warn("rebuild lock release failed", Fields{"key": key, "err": err})
	}
}

// peek reads and decodes one entry. Corrupt or undecodable bytes are
// deleted (self-heal) and reported as a miss.
func (c *cache[V]) peek(ctx context.Context, storageKey string) (V, wire.Entry, readState, error) {
	var zero V
	raw, ok, err := c.values.Get(ctx, storageKey)
	if err != nil {
		return zero, wire.Entry{}, readMiss, err
	}
	if !ok {
		return zero, wire.Entry{}, readMiss, nil
	}
	ent, err := wire.Decode(raw)
	if err != nil {
		_ = c.values.Del(ctx, storageKey)
		c.hooks.SelfHealEntry(storageKey, "corrupt")
		return zero, wire.Entry{}, readMiss, nil
	}
	if ent.Kind == wire.KindNull {
		return zero, ent, readNull, nil
	}
	v, err := c.codec.Decode(ent.Payload)
	if err != nil {
		_ = c.values.Del(ctx, storageKey)
		c.hooks.SelfHealEntry(storageKey, "value_decode")
		return zero, wire.Entry{}, readMiss, nil
	}
	return v, ent, readHit, nil
}

// write is fire-and-forget per the mutation contract: failures are logged,
// never propagated to the reader that triggered them.
func (c *cache[V]) write(ctx context.Context, storageKey string, raw []byte, ttl time.Duration) error {
	ok, err := c.values.Set(ctx, storageKey, raw, ttl)
	if err != nil {
		c.log.Warn("cache write failed", Fields{"key": storageKey, "err": err})
		return err
	}
	if !ok {
		c.log.Debug("cache write rejected by store (pressure)", Fields{"key": storageKey})
	}
	return nil
}

func (c *cache[V]) writeNull(ctx context.Context, storageKey string) {
	_ = c.write(ctx, storageKey, wire.EncodeNull(), c.nullTTL)
}

func (c *cache[V]) storageKey(userKey string) string {
	// isolate by namespace
	return util.CacheKey(c.ns, userKey)
}

func (c *cache[V]) lockName(userKey string) string {
	return c.ns + ":" + userKey
}
