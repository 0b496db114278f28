package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	surge "github.com/unkn0wn-root/surge"
	"github.com/unkn0wn-root/surge/idgen"
	"github.com/unkn0wn-root/surge/internal/util"
	"github.com/unkn0wn-root/surge/lock"
	"github.com/unkn0wn-root/surge/store"
)

const (
	defaultGroup    = "g1"
	defaultConsumer = "c1"
	defaultBlock    = 2 * time.Second
	defaultLease    = 10 * time.Second

	readBackoff    = 100 * time.Millisecond
	pendingBackoff = 20 * time.Millisecond
)

// WorkerOptions configure one fulfillment consumer.
type WorkerOptions struct {
	Store  store.Store // required; carries the ticket stream and user locks
	Orders OrderStore  // required; the persistence collaborator

	Stream   string // "" => DefaultStream
	Group    string // "" => "g1"
	Consumer string // "" => "c1"; must be unique per process within the group

	Block     time.Duration // new-entry wait per read; 0 => 2s
	LockLease time.Duration // per-user lock lease; 0 => 10s

	Logger surge.Logger
	Hooks  surge.Hooks
}

// Worker drains admitted tickets from the stream and persists them. Exactly
// one entry is in flight at a time; failed entries stay on the consumer's
// pending list and are retried before any new entry is taken.
type Worker struct {
	st     store.Store
	orders OrderStore

	stream   string
	group    string
	consumer string

	block time.Duration
	lease time.Duration

	logger surge.Logger
	hooks  surge.Hooks
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("seckill: WorkerOptions.Store is required")
	}
	if opts.Orders == nil {
		return nil, errors.New("seckill: WorkerOptions.Orders is required")
	}
	w := &Worker{
		st:       opts.Store,
		orders:   opts.Orders,
		stream:   opts.Stream,
		group:    opts.Group,
		consumer: opts.Consumer,
		block:    opts.Block,
		lease:    opts.LockLease,
		logger:   opts.Logger,
		hooks:    opts.Hooks,
	}
	if w.stream == "" {
		w.stream = DefaultStream
	}
	if w.group == "" {
		w.group = defaultGroup
	}
	if w.consumer == "" {
		w.consumer = defaultConsumer
	}
	if w.block <= 0 {
		w.block = defaultBlock
	}
	if w.lease <= 0 {
		w.lease = defaultLease
	}
	if w.logger == nil {
		w.logger = surge.NopLogger{}
	}
	if w.hooks == nil {
		w.hooks = surge.NopHooks{}
	}
	return w, nil
}

// Run consumes the ticket stream until ctx is cancelled. It first replays
// this consumer's pending list, so entries delivered before a crash are
// fulfilled before any new work is taken. Run returns ctx.Err() on
// cancellation and a non-nil error only when the consumer group cannot be
// established.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.st.EnsureGroup(ctx, w.stream, w.group); err != nil {
		return fmt.Errorf("seckill: ensure group %q on %q: %w", w.group, w.stream, err)
	}
	w.drainPending(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := w.st.StreamReadGroup(ctx, w.stream, w.group, w.consumer, 1, w.block, false)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("ticket stream read failed", surge.Fields{"stream": w.stream, "err": err})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readBackoff):
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		e := entries[0]
		ord, perr := parseTicket(e)
		if perr != nil {
			// A ticket the admission script never produces. Retrying cannot
			// fix it, so retire it instead of wedging the consumer.
			w.logger.Warn("retiring malformed ticket", surge.Fields{"entry_id": e.ID, "err": perr})
			w.ack(ctx, e.ID)
			continue
		}

		if err := w.fulfillOne(ctx, ord); err != nil {
			w.logger.Error("fulfillment failed, entry stays pending", surge.Fields{
				"entry_id": e.ID, "order_id": ord.ID, "err": err,
			})
			w.drainPending(ctx)
			continue
		}
		w.ack(ctx, e.ID)
	}
}

// drainPending replays this consumer's delivered-but-unacknowledged entries
// until the list is empty. Entries that keep failing are retried with a short
// pause; only ctx cancellation or a read error stops the drain early.
func (w *Worker) drainPending(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := w.st.StreamReadGroup(ctx, w.stream, w.group, w.consumer, 1, 0, true)
		if err != nil {
			w.logger.Error("pending list read failed", surge.Fields{"stream": w.stream, "err": err})
			return
		}
		if len(entries) == 0 {
			return
		}

		e := entries[0]
		ord, perr := parseTicket(e)
		if perr != nil {
			w.logger.Warn("retiring malformed pending ticket", surge.Fields{"entry_id": e.ID, "err": perr})
			w.ack(ctx, e.ID)
			continue
		}
		if err := w.fulfillOne(ctx, ord); err != nil {
			w.logger.Error("pending fulfillment failed", surge.Fields{
				"entry_id": e.ID, "order_id": ord.ID, "err": err,
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(pendingBackoff):
			}
			continue
		}
		w.ack(ctx, e.ID)
	}
}

// fulfillOne persists a single admitted ticket. A nil return means the entry
// can be acknowledged - either the order is persisted, or it was decided that
// retrying cannot help (duplicate, divergence, busy user lock). A non-nil
// return leaves the entry pending for replay.
func (w *Worker) fulfillOne(ctx context.Context, ord Order) error {
	l := lock.New(w.st, userLockName(ord.UserID), w.lease)
	acquired, err := l.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire user lock: %w", err)
	}
	if !acquired {
		// Admission-time dedup guarantees at most one ticket per
		// (user, voucher), so whoever holds the lock owns this work.
		w.hooks.LockSkipped(util.LockKey(userLockName(ord.UserID)))
		w.logger.Warn("user lock busy, retiring ticket", surge.Fields{
			"user_id": ord.UserID, "order_id": ord.ID,
		})
		return nil
	}
	defer func() {
		if rerr := l.Release(ctx); rerr != nil {
			w.logger.Warn("user lock release failed", surge.Fields{"user_id": ord.UserID, "err": rerr})
		}
	}()

	exists, err := w.orders.ExistsOrder(ctx, ord.UserID, ord.VoucherID)
	if err != nil {
		return fmt.Errorf("order lookup: %w", err)
	}
	if exists {
		// Replay of an already-fulfilled entry (crash between save and ack).
		w.logger.Debug("order already persisted", surge.Fields{"order_id": ord.ID})
		return nil
	}

	decremented, err := w.orders.DecrementStock(ctx, ord.VoucherID)
	if err != nil {
		return fmt.Errorf("stock decrement: %w", err)
	}
	if !decremented {
		w.hooks.Divergence(ord.UserID, ord.VoucherID, "stock_exhausted")
		w.logger.Error("admitted ticket found no persisted stock", surge.Fields{
			"user_id": ord.UserID, "voucher_id": ord.VoucherID, "order_id": ord.ID,
		})
		return nil
	}

	if err := w.orders.SaveOrder(ctx, ord); err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			w.hooks.Divergence(ord.UserID, ord.VoucherID, "order_exists")
			w.logger.Error("order row appeared outside the user lock", surge.Fields{
				"user_id": ord.UserID, "voucher_id": ord.VoucherID, "order_id": ord.ID,
			})
			return nil
		}
		return fmt.Errorf("save order: %w", err)
	}

	w.logger.Info("order fulfilled", surge.Fields{
		"order_id": ord.ID, "user_id": ord.UserID, "voucher_id": ord.VoucherID,
	})
	return nil
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.st.StreamAck(ctx, w.stream, w.group, id); err != nil {
		// The entry will be replayed from the pending list; fulfillment is
		// idempotent, so a lost ack costs a duplicate pass, not a duplicate row.
		w.logger.Warn("ack failed", surge.Fields{"entry_id": id, "err": err})
	}
}

// parseTicket decodes one stream entry into an Order. CreatedAt is recovered
// from the timestamp packed into the order ID.
func parseTicket(e store.StreamEntry) (Order, error) {
	var ord Order
	var err error
	if ord.UserID, err = ticketField(e, "user_id"); err != nil {
		return Order{}, err
	}
	if ord.VoucherID, err = ticketField(e, "voucher_id"); err != nil {
		return Order{}, err
	}
	if ord.ID, err = ticketField(e, "order_id"); err != nil {
		return Order{}, err
	}
	ord.CreatedAt = idgen.Timestamp(ord.ID)
	return ord, nil
}

func ticketField(e store.StreamEntry, name string) (int64, error) {
	raw, ok := e.Values[name]
	if !ok {
		return 0, fmt.Errorf("entry %s: missing field %q", e.ID, name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("entry %s: field %q: %w", e.ID, name, err)
	}
	return n, nil
}
