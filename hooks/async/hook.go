// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/surge"
//	"github.com/unkn0wn-root/surge/codec"
//	"github.com/unkn0wn-root/surge/hooks/async"
//	"github.com/unkn0wn-root/surge/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery:    10, // sample logs: ~every 10th self-heal
//	    StaleServedEvery: 50,
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	cache, _ := surge.New[Shop](surge.Options[Shop]{
//	    Namespace: "shop",
//	    Values:    st,
//	    Locks:     st,
//	    Codec:     codec.JSON[Shop]{},
//	    Strategy:  surge.StrategyLogicalExpire,
//	    Hooks:     hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"

	surge "github.com/unkn0wn-root/surge"
)

type Hooks struct {
	inner surge.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ surge.Hooks = (*Hooks)(nil)

func New(inner surge.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) SelfHealEntry(k, r string) { h.try(func() { h.inner.SelfHealEntry(k, r) }) }
func (h *Hooks) StaleServed(k string)      { h.try(func() { h.inner.StaleServed(k) }) }
func (h *Hooks) RebuildDropped(k string)   { h.try(func() { h.inner.RebuildDropped(k) }) }
func (h *Hooks) LockSkipped(k string)      { h.try(func() { h.inner.LockSkipped(k) }) }
func (h *Hooks) Divergence(userID, voucherID int64, reason string) {
	h.try(func() { h.inner.Divergence(userID, voucherID, reason) })
}
