package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	surge "github.com/unkn0wn-root/surge"
)

type Options struct {
	// Sampling to avoid floods on hot paths; 0/1 = log all.
	SelfHealEvery    uint64
	StaleServedEvery uint64
	LockSkipEvery    uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	staleCtr    atomic.Uint64
	lockSkipCtr atomic.Uint64
}

var _ surge.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHealEntry(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("surge.self_heal_entry",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) StaleServed(storageKey string) {
	if h.l == nil || !sample(h.opts.StaleServedEvery, &h.staleCtr) {
		return
	}
	h.l.Debug("surge.stale_served",
		"key", h.redact(storageKey))
}

func (h *Hooks) RebuildDropped(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("surge.rebuild_dropped",
		"key", h.redact(storageKey))
}

func (h *Hooks) LockSkipped(lockKey string) {
	if h.l == nil || !sample(h.opts.LockSkipEvery, &h.lockSkipCtr) {
		return
	}
	h.l.Warn("surge.lock_skipped",
		"key", h.redact(lockKey))
}

// Divergence is never sampled and never redacted: each event is a standing
// inconsistency between the store and the database that needs a human.
func (h *Hooks) Divergence(userID, voucherID int64, reason string) {
	if h.l == nil {
		return
	}
	h.l.Error("surge.divergence",
		"user_id", userID,
		"voucher_id", voucherID,
		"reason", reason)
}
