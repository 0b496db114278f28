// Package idgen allocates globally unique, monotonically trending 63-bit
// IDs without a central sequencer: a coarse per-second timestamp in the high
// bits, a store-side atomic counter in the low bits.
//
//	id = (unixSeconds - epoch) << 32 | sequence
//
// Sequence counters are scoped per namespace per calendar day, so they reset
// naturally, never need manual maintenance, and double as a free per-day
// issuance count. No client-side locking is involved; uniqueness rides
// entirely on the store's atomic increment.
package idgen

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/surge/internal/util"
	"github.com/unkn0wn-root/surge/store"
)

const (
	// epoch is 2025-01-01T00:00:00Z. IDs sort after any ID minted against an
	// earlier epoch and the 31 usable timestamp bits last until ~2093.
	epoch = 1735689600

	// seqBits is the width of the per-day sequence in the packed ID.
	seqBits = 32

	dayLayout = "2006-01-02"
)

// Generator mints IDs against a shared store.
type Generator struct {
	st  store.Store
	now func() time.Time // override point for tests
}

func New(st store.Store) *Generator {
	return &Generator{st: st, now: time.Now}
}

// NextID returns the next unique ID for the namespace. A store failure is
// returned as-is: there is no fallback generator, and callers must treat it
// as fatal for the enclosing operation.
func (g *Generator) NextID(ctx context.Context, namespace string) (int64, error) {
	now := g.now().UTC()
	ts := now.Unix() - epoch

	seq, err := g.st.Incr(ctx, util.SeqKey(namespace, now.Format(dayLayout)))
	if err != nil {
		return 0, fmt.Errorf("idgen: next id for %q: %w", namespace, err)
	}
	return ts<<seqBits | seq, nil
}

// Timestamp recovers the coarse creation time packed into an ID.
func Timestamp(id int64) time.Time {
	return time.Unix(id>>seqBits+epoch, 0).UTC()
}

// Sequence recovers the low sequence bits of an ID.
func Sequence(id int64) int64 {
	return id & (1<<seqBits - 1)
}
