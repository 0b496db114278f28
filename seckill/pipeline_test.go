package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/unkn0wn-root/surge/idgen"
	"github.com/unkn0wn-root/surge/store"
)

// scriptStore runs the admission script's semantics in Go under one mutex so
// the pipeline can be exercised against the Local store, which has no script
// engine. Sets are modeled separately since the KV plane stores only bytes.
type scriptStore struct {
	*store.Local
	mu   sync.Mutex
	sets map[string]map[string]bool
}

func newScriptStore() *scriptStore {
	return &scriptStore{Local: store.NewLocal(), sets: make(map[string]map[string]bool)}
}

func (s *scriptStore) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stockKey, setKey := keys[0], keys[1]
	user := fmt.Sprint(args[0])
	voucher := fmt.Sprint(args[1])
	order := fmt.Sprint(args[2])
	stream := fmt.Sprint(args[3])

	stock := int64(-1)
	if raw, ok, _ := s.Local.Get(ctx, stockKey); ok {
		stock, _ = strconv.ParseInt(string(raw), 10, 64)
	}
	if stock <= 0 {
		return int64(1), nil
	}
	if s.sets[setKey][user] {
		return int64(2), nil
	}

	if _, err := s.Local.Set(ctx, stockKey, []byte(strconv.FormatInt(stock-1, 10)), 0); err != nil {
		return nil, err
	}
	if s.sets[setKey] == nil {
		s.sets[setKey] = make(map[string]bool)
	}
	s.sets[setKey][user] = true
	if _, err := s.Local.StreamAdd(ctx, stream, map[string]string{
		"user_id": user, "voucher_id": voucher, "order_id": order,
	}); err != nil {
		return nil, err
	}
	return int64(0), nil
}

func (s *scriptStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.sets, key)
	s.mu.Unlock()
	return s.Local.Del(ctx, key)
}

func newTestPipeline(t *testing.T, st store.Store) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineOptions{Store: st, IDs: idgen.New(st)})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

// drainStream reads every ticket currently in the stream.
func drainStream(t *testing.T, st store.Store, stream string) []store.StreamEntry {
	t.Helper()
	ctx := context.Background()
	if err := st.EnsureGroup(ctx, stream, "probe"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	var all []store.StreamEntry
	for {
		entries, err := st.StreamReadGroup(ctx, stream, "probe", "p1", 16, 0, false)
		if err != nil {
			t.Fatalf("StreamReadGroup: %v", err)
		}
		if len(entries) == 0 {
			return all
		}
		all = append(all, entries...)
	}
}

// TestAdmitSellsExactStock: many more concurrent requests than stock must
// yield exactly stock admissions, one ticket each, and no negative counter.
func TestAdmitSellsExactStock(t *testing.T) {
	ctx := context.Background()
	st := newScriptStore()
	p := newTestPipeline(t, st)

	const voucher, stock, requests = int64(10), int64(5), 40
	if err := p.Prime(ctx, voucher, stock); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	var admitted, rejected, unexpected int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(requests)
	for i := 0; i < requests; i++ {
		go func(user int64) {
			defer wg.Done()
			_, err := p.Admit(ctx, user, voucher)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrOutOfStock):
				rejected++
			default:
				unexpected++
				t.Errorf("Admit user %d: %v", user, err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if admitted != stock || rejected != requests-stock || unexpected != 0 {
		t.Fatalf("admitted=%d rejected=%d unexpected=%d, want %d/%d/0",
			admitted, rejected, unexpected, stock, requests-stock)
	}
	if raw, _, _ := st.Get(ctx, stockKey(voucher)); string(raw) != "0" {
		t.Fatalf("stock counter = %q, want 0", raw)
	}
	if tickets := drainStream(t, st, DefaultStream); int64(len(tickets)) != stock {
		t.Fatalf("stream holds %d tickets, want %d", len(tickets), stock)
	}
}

// TestAdmitRejectsDuplicateUser: the second request from one user fails
// without burning stock.
func TestAdmitRejectsDuplicateUser(t *testing.T) {
	ctx := context.Background()
	st := newScriptStore()
	p := newTestPipeline(t, st)

	const voucher = int64(7)
	if err := p.Prime(ctx, voucher, 5); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	if _, err := p.Admit(ctx, 42, voucher); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	if _, err := p.Admit(ctx, 42, voucher); !errors.Is(err, ErrAlreadyAdmitted) {
		t.Fatalf("second Admit: err=%v, want ErrAlreadyAdmitted", err)
	}
	if raw, _, _ := st.Get(ctx, stockKey(voucher)); string(raw) != "4" {
		t.Fatalf("stock = %q after duplicate, want 4", raw)
	}
}

// TestAdmitLastUnit: two users race for the final unit; one wins, one is
// rejected, and the counter lands exactly at zero.
func TestAdmitLastUnit(t *testing.T) {
	ctx := context.Background()
	st := newScriptStore()
	p := newTestPipeline(t, st)

	const voucher = int64(1)
	if err := p.Prime(ctx, voucher, 1); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	errs := make(chan error, 2)
	for u := int64(1); u <= 2; u++ {
		go func(user int64) {
			_, err := p.Admit(ctx, user, voucher)
			errs <- err
		}(u)
	}
	var wins, outs int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			wins++
		case errors.Is(err, ErrOutOfStock):
			outs++
		default:
			t.Fatalf("Admit: %v", err)
		}
	}
	if wins != 1 || outs != 1 {
		t.Fatalf("wins=%d outs=%d, want 1/1", wins, outs)
	}
	if raw, _, _ := st.Get(ctx, stockKey(voucher)); string(raw) != "0" {
		t.Fatalf("stock = %q, want 0", raw)
	}
}

// TestAdmitUnprimedVoucher: a voucher never primed reads as out of stock,
// not as unlimited.
func TestAdmitUnprimedVoucher(t *testing.T) {
	st := newScriptStore()
	p := newTestPipeline(t, st)
	if _, err := p.Admit(context.Background(), 1, 999); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("Admit on unprimed voucher: err=%v, want ErrOutOfStock", err)
	}
}

// TestPrimeResetsAdmittedSet: re-priming a voucher clears prior admissions.
func TestPrimeResetsAdmittedSet(t *testing.T) {
	ctx := context.Background()
	st := newScriptStore()
	p := newTestPipeline(t, st)

	const voucher = int64(3)
	_ = p.Prime(ctx, voucher, 2)
	if _, err := p.Admit(ctx, 8, voucher); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if err := p.Prime(ctx, voucher, 2); err != nil {
		t.Fatalf("re-Prime: %v", err)
	}
	if _, err := p.Admit(ctx, 8, voucher); err != nil {
		t.Fatalf("Admit after re-prime: %v", err)
	}
}

// TestAdmitRequiresScriptSupport: a store without a script engine fails
// loudly instead of admitting unguarded.
func TestAdmitRequiresScriptSupport(t *testing.T) {
	p := newTestPipeline(t, store.NewLocal())
	_, err := p.Admit(context.Background(), 1, 1)
	if !errors.Is(err, store.ErrEvalUnsupported) {
		t.Fatalf("err=%v, want ErrEvalUnsupported", err)
	}
}

// TestPrimeFromStore seeds the counter from the persisted stock row.
func TestPrimeFromStore(t *testing.T) {
	ctx := context.Background()
	st := newScriptStore()
	p := newTestPipeline(t, st)

	orders := newMemOrders()
	orders.setStock(5, 3)
	if err := p.PrimeFromStore(ctx, orders, 5); err != nil {
		t.Fatalf("PrimeFromStore: %v", err)
	}
	if raw, _, _ := st.Get(ctx, stockKey(5)); string(raw) != "3" {
		t.Fatalf("stock = %q, want 3", raw)
	}
}
