// Package surge is a client-side coordination layer for a shared
// Redis-compatible store. It bundles the pieces a transactional web backend
// needs in front of a slower database: a read-through cache engine with
// selectable consistency strategies, a non-blocking distributed lock, a
// bit-packed unique ID generator, and a flash-sale admission pipeline with a
// crash-recoverable fulfillment worker.
//
// Components:
//   - Cache[V]: read-through/write-invalidate cache per key family. Strategies:
//     StrategyPassThrough (null-marker penetration guard, no stampede control),
//     StrategyMutexRebuild (one rebuilder per key via distributed lock, TTL
//     jitter against avalanche), StrategyLogicalExpire (never-blocking reads
//     over pre-warmed entries, background rebuild pool).
//   - lock.Lock: single-attempt SETNX mutex with a per-acquisition token.
//   - idgen.Generator: (secondsSinceEpoch << 32) | per-day atomic counter.
//   - seckill.Pipeline / seckill.Worker: atomic stock+dedup admission via one
//     scripted store call, asynchronous order materialization off a stream
//     consumer group with pending-list recovery.
//
// Keys:
//
//	cache:<ns>:<key>       - cache entries (wire envelope, see internal/wire)
//	lock:<name>            - mutex keys
//	seq:<ns>:<yyyy-MM-dd>  - ID sequence counters
//	seckill:stock:<id>     - remaining stock per voucher
//	seckill:order:<id>     - admitted-user set per voucher
//
// Strategy per key family is fixed at construction: entries written by one
// strategy are not readable by another, so callers must not mix strategies
// under one namespace.
package surge
