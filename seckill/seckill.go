// Package seckill implements flash-sale admission and fulfillment: a scripted
// store-side gate that atomically decides stock and per-user eligibility at
// request time, and a crash-recoverable worker that turns admitted tickets
// into persisted orders from a stream.
//
// The write path is split in two so the database never sits on the hot path:
//
//	Admit (sync, store-only)  ->  stream.orders  ->  Worker (async, database)
//
// A successful Admit is a promise: the order WILL be persisted eventually.
// The worker is idempotent and survives restarts via the stream's consumer
// group pending list.
package seckill

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Admission failures callers are expected to branch on.
var (
	// ErrOutOfStock - the voucher has no remaining stock.
	ErrOutOfStock = errors.New("seckill: out of stock")

	// ErrAlreadyAdmitted - this user already holds an admission for the voucher.
	ErrAlreadyAdmitted = errors.New("seckill: user already admitted")

	// ErrDuplicateOrder is returned by OrderStore.SaveOrder when a row for the
	// same (user, voucher) already exists.
	ErrDuplicateOrder = errors.New("seckill: duplicate order")
)

// Order is one admitted flash-sale purchase awaiting (or holding) a database row.
type Order struct {
	ID        int64
	UserID    int64
	VoucherID int64
	CreatedAt time.Time
}

// OrderStore is the persistence collaborator for fulfillment. Implementations
// must be safe for concurrent use.
type OrderStore interface {
	// ExistsOrder reports whether a persisted order exists for (user, voucher).
	ExistsOrder(ctx context.Context, userID, voucherID int64) (bool, error)

	// DecrementStock decrements the voucher's stock row only while it is
	// positive, and reports whether a row changed.
	DecrementStock(ctx context.Context, voucherID int64) (bool, error)

	// SaveOrder inserts the order row. A conflicting existing row is reported
	// as ErrDuplicateOrder.
	SaveOrder(ctx context.Context, o Order) error

	// LoadStock reads the voucher's current persisted stock.
	LoadStock(ctx context.Context, voucherID int64) (int64, error)
}

// Store-side key layout. Stock is a plain counter; the admitted set holds the
// user IDs already let through for the voucher.
func stockKey(voucherID int64) string {
	return "seckill:stock:" + strconv.FormatInt(voucherID, 10)
}

func admittedKey(voucherID int64) string {
	return "seckill:order:" + strconv.FormatInt(voucherID, 10)
}

func userLockName(userID int64) string {
	return "order:" + strconv.FormatInt(userID, 10)
}
