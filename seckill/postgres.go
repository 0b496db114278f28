package seckill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresOrders is an OrderStore backed by PostgreSQL via database/sql.
//
// Expected schema:
//
//	CREATE TABLE vouchers (
//	    id     BIGINT PRIMARY KEY,
//	    stock  BIGINT NOT NULL CHECK (stock >= 0)
//	);
//	CREATE TABLE voucher_orders (
//	    id          BIGINT PRIMARY KEY,
//	    user_id     BIGINT NOT NULL,
//	    voucher_id  BIGINT NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    UNIQUE (user_id, voucher_id)
//	);
type PostgresOrders struct {
	db *sql.DB
}

// OpenPostgres connects to the database and verifies the connection. The pool
// is sized for the fulfillment workers, which hold at most one query in
// flight each.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresOrders, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("seckill: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("seckill: ping postgres: %w", err)
	}
	return &PostgresOrders{db: db}, nil
}

func (p *PostgresOrders) ExistsOrder(ctx context.Context, userID, voucherID int64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM voucher_orders WHERE user_id = $1 AND voucher_id = $2)`,
		userID, voucherID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("seckill: order lookup: %w", err)
	}
	return exists, nil
}

// DecrementStock is a single conditional UPDATE: the stock > 0 guard makes it
// safe without SELECT ... FOR UPDATE even when several workers race.
func (p *PostgresOrders) DecrementStock(ctx context.Context, voucherID int64) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE vouchers SET stock = stock - 1 WHERE id = $1 AND stock > 0`,
		voucherID)
	if err != nil {
		return false, fmt.Errorf("seckill: decrement stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seckill: decrement stock: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresOrders) SaveOrder(ctx context.Context, o Order) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO voucher_orders (id, user_id, voucher_id, created_at) VALUES ($1, $2, $3, $4)`,
		o.ID, o.UserID, o.VoucherID, o.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("seckill: insert order: %w", err)
	}
	return nil
}

func (p *PostgresOrders) LoadStock(ctx context.Context, voucherID int64) (int64, error) {
	var stock int64
	err := p.db.QueryRowContext(ctx,
		`SELECT stock FROM vouchers WHERE id = $1`, voucherID).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("seckill: voucher %d not found", voucherID)
		}
		return 0, fmt.Errorf("seckill: load stock: %w", err)
	}
	return stock, nil
}

func (p *PostgresOrders) Close() error {
	return p.db.Close()
}
