package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	surge "github.com/unkn0wn-root/surge"
	"github.com/unkn0wn-root/surge/idgen"
	"github.com/unkn0wn-root/surge/store"
)

// DefaultStream is the stream admitted tickets are appended to.
const DefaultStream = "stream.orders"

// idNamespace scopes the order ID sequence counters.
const idNamespace = "order"

// PipelineOptions configure the admission side.
type PipelineOptions struct {
	// Store must support atomic scripts (store.Redis does; store.Local
	// reports ErrEvalUnsupported).
	Store store.Store

	// IDs mints order IDs. The ID is allocated BEFORE the admission script
	// runs so the ticket carries it; a failed admission burns the ID, which
	// is harmless.
	IDs *idgen.Generator

	Stream string // ticket stream; "" => DefaultStream
	Logger surge.Logger
}

// Pipeline is the synchronous, store-only admission gate.
type Pipeline struct {
	st     store.Store
	ids    *idgen.Generator
	stream string
	logger surge.Logger
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("seckill: PipelineOptions.Store is required")
	}
	if opts.IDs == nil {
		return nil, errors.New("seckill: PipelineOptions.IDs is required")
	}
	p := &Pipeline{
		st:     opts.Store,
		ids:    opts.IDs,
		stream: opts.Stream,
		logger: opts.Logger,
	}
	if p.stream == "" {
		p.stream = DefaultStream
	}
	if p.logger == nil {
		p.logger = surge.NopLogger{}
	}
	return p, nil
}

// Admit runs the atomic admission gate for one (user, voucher) request and
// returns the order ID the fulfillment worker will persist. ErrOutOfStock and
// ErrAlreadyAdmitted are business outcomes; any other error means the
// admission state is unchanged and the request may be retried.
func (p *Pipeline) Admit(ctx context.Context, userID, voucherID int64) (int64, error) {
	orderID, err := p.ids.NextID(ctx, idNamespace)
	if err != nil {
		return 0, fmt.Errorf("seckill: mint order id: %w", err)
	}

	res, err := p.st.Eval(ctx, admitScript,
		[]string{stockKey(voucherID), admittedKey(voucherID)},
		userID, voucherID, orderID, p.stream)
	if err != nil {
		return 0, fmt.Errorf("seckill: admission script: %w", err)
	}

	code, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("seckill: admission script returned %T, want int64", res)
	}
	switch code {
	case 0:
		p.logger.Debug("admission granted", surge.Fields{
			"user_id": userID, "voucher_id": voucherID, "order_id": orderID,
		})
		return orderID, nil
	case 1:
		return 0, ErrOutOfStock
	case 2:
		return 0, ErrAlreadyAdmitted
	default:
		return 0, fmt.Errorf("seckill: admission script returned unknown code %d", code)
	}
}

// Prime seeds the store-side stock counter for a voucher and clears its
// admitted-user set. Call it when a sale is published or restocked, before
// traffic arrives; admissions against an unprimed voucher read as out of
// stock.
func (p *Pipeline) Prime(ctx context.Context, voucherID, stock int64) error {
	if _, err := p.st.Set(ctx, stockKey(voucherID),
		[]byte(strconv.FormatInt(stock, 10)), 0); err != nil {
		return fmt.Errorf("seckill: prime stock for voucher %d: %w", voucherID, err)
	}
	if err := p.st.Del(ctx, admittedKey(voucherID)); err != nil {
		return fmt.Errorf("seckill: reset admitted set for voucher %d: %w", voucherID, err)
	}
	p.logger.Info("voucher primed", surge.Fields{"voucher_id": voucherID, "stock": stock})
	return nil
}

// PrimeFromStore primes the voucher from its persisted stock row.
func (p *Pipeline) PrimeFromStore(ctx context.Context, orders OrderStore, voucherID int64) error {
	stock, err := orders.LoadStock(ctx, voucherID)
	if err != nil {
		return fmt.Errorf("seckill: load stock for voucher %d: %w", voucherID, err)
	}
	return p.Prime(ctx, voucherID, stock)
}
