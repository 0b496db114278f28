package util

import (
	"math/rand"
	"time"
)

// Key layouts are centralized so the owned keyspaces stay documented in one
// place. External code must not write under these prefixes.

// CacheKey returns the storage key for a cache entry: "cache:<ns>:<key>".
func CacheKey(ns, key string) string { return "cache:" + ns + ":" + key }

// LockKey returns the storage key for a mutex: "lock:<name>".
func LockKey(name string) string { return "lock:" + name }

// SeqKey returns the counter key for an ID namespace and calendar day:
// "seq:<ns>:<yyyy-MM-dd>".
func SeqKey(ns, day string) string { return "seq:" + ns + ":" + day }

// Jitter returns ttl plus a signed random offset of at most frac*ttl.
// Spreading expiries avoids many keys lapsing in lockstep.
// frac outside (0,1] disables jitter.
func Jitter(ttl time.Duration, frac float64) time.Duration {
	if ttl <= 0 || frac <= 0 || frac > 1 {
		return ttl
	}
	span := float64(ttl) * frac
	off := (rand.Float64()*2 - 1) * span
	return ttl + time.Duration(off)
}
