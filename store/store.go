// Package store defines the shared-store abstraction the coordination layer
// runs against, plus two implementations: Redis (production) and Local
// (in-process twin for tests and single-node runs).
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Set for a key. The keyspaces
// listed in the surge package doc are owned by this module; external code
// must not write values under those prefixes.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrEvalUnsupported is returned by stores that cannot run atomic scripts.
// The admission pipeline requires a store with script support.
var ErrEvalUnsupported = errors.New("store: atomic scripts unsupported")

// KV is a minimal byte store with TTLs. It is the value plane of the cache
// engine; process-local implementations (bigcache, ristretto) satisfy it too.
// Must be safe for concurrent use.
type KV interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. ttl <= 0 means no expiry.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// StreamEntry is one appended record in a stream.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

// Store is the full shared-store surface: the KV plane plus the coordination
// primitives (conditional set, atomic counters, scripted transactions, and
// an append-only stream with consumer groups and per-consumer pending lists).
type Store interface {
	KV

	// SetIfAbsent stores value only when key does not exist (lock acquire).
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer at key and returns the new value.
	// Missing keys start at 0.
	Incr(ctx context.Context, key string) (int64, error)

	// Eval runs a script atomically against the store.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

	// StreamAdd appends an entry and returns its ID.
	StreamAdd(ctx context.Context, stream string, values map[string]string) (string, error)

	// EnsureGroup creates the consumer group (and the stream) if missing.
	// Idempotent: an existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// StreamReadGroup reads up to count entries for a consumer. With
	// pending=false it delivers new entries, blocking up to block (0 = no
	// wait); delivered entries join the consumer's pending list. With
	// pending=true it re-reads this consumer's already-delivered,
	// unacknowledged entries without blocking. An empty result is
	// ([], nil) in both modes.
	StreamReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration, pending bool) ([]StreamEntry, error)

	// StreamAck retires delivered entries from the consumer's pending list.
	StreamAck(ctx context.Context, stream, group string, ids ...string) error
}
