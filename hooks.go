package surge

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache and the fulfillment worker call them on hot paths.
type Hooks interface {
	// A cache entry was deleted by the engine on read.
	// reason ∈ {"corrupt", "value_decode"}
	SelfHealEntry(storageKey, reason string)

	// A logically expired entry was served while rebuild is pending.
	StaleServed(storageKey string)

	// A background rebuild could not be queued (pool saturated).
	// The rebuild lock was released; the key stays stale until retried.
	RebuildDropped(storageKey string)

	// A fulfillment attempt found the per-user lock busy and skipped the
	// entry. Safe under admission-time dedup; sustained skips mean a stuck
	// previous attempt.
	LockSkipped(lockKey string)

	// The persisted truth disagrees with the in-store admission state
	// (e.g. admitted ticket but no stock row to decrement).
	// Must page a human; the worker never retries these blindly.
	// reason ∈ {"stock_exhausted", "order_exists"}
	Divergence(userID, voucherID int64, reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHealEntry(string, string)    {}
func (NopHooks) StaleServed(string)              {}
func (NopHooks) RebuildDropped(string)           {}
func (NopHooks) LockSkipped(string)              {}
func (NopHooks) Divergence(int64, int64, string) {}
