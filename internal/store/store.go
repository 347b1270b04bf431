// Package store is the optional PostgreSQL ledger of purchase orders.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
)

// DefaultListLimit caps ListOrders when no limit is given.
const DefaultListLimit = 50

var (
	// ErrOrderNotFound is returned when no order has the given id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrNotRetriable is returned when requeueing an order that is not failed or manual_pending.
	ErrNotRetriable = errors.New("order is not retriable")
	// ErrNotQueued is returned when starting an order that is not queued.
	ErrNotQueued = errors.New("order is not queued")
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Order is one ledger row.
type Order struct {
	ID          string              `json:"id"`
	BuyerID     string              `json:"buyerId"`
	Quantity    int                 `json:"quantity"`
	Status      schemas.OrderStatus `json:"status"`
	Message     string              `json:"message"`
	ErrorKind   schemas.ErrorKind   `json:"errorKind"`
	FailedStep  string              `json:"failedStep,omitempty"`
	Screenshots []string            `json:"screenshots"`
	Attempts    int                 `json:"attempts"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Request is the purchase request the order stands for.
func (o Order) Request() schemas.PurchaseRequest {
	return schemas.PurchaseRequest{BuyerID: o.BuyerID, Quantity: o.Quantity, OrderID: o.ID}
}

// ListFilter narrows ListOrders. A zero Status lists every status.
type ListFilter struct {
	Status schemas.OrderStatus
	Limit  int
}

// Store provides the PostgreSQL order ledger.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// Open connects a pool to url and returns the store with a release function.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

const sqlSchema = `
    CREATE TABLE IF NOT EXISTS orders (
        id          uuid PRIMARY KEY,
        buyer_id    text NOT NULL,
        quantity    integer NOT NULL CHECK (quantity > 0),
        status      text NOT NULL,
        message     text NOT NULL DEFAULT '',
        error_kind  text,
        failed_step text,
        screenshots text[] NOT NULL DEFAULT '{}',
        attempts    integer NOT NULL DEFAULT 0,
        created_at  timestamptz NOT NULL,
        updated_at  timestamptz NOT NULL
    );
    CREATE INDEX IF NOT EXISTS orders_status_created_idx ON orders (status, created_at);
`

// Migrate creates the orders table when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to migrate orders table: %w", err)
	}
	return nil
}

const orderColumns = `id::text, buyer_id, quantity, status, message, COALESCE(error_kind, ''),
        COALESCE(failed_step, ''), screenshots, attempts, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                 Order
		status, errorKind string
	)
	err := row.Scan(&o.ID, &o.BuyerID, &o.Quantity, &status, &o.Message, &errorKind,
		&o.FailedStep, &o.Screenshots, &o.Attempts, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = schemas.OrderStatus(status)
	o.ErrorKind = schemas.ErrorKind(errorKind)
	if o.Screenshots == nil {
		o.Screenshots = []string{}
	}
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	orders := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return orders, nil
}

// CreateOrder queues a new order for req.
func (s *Store) CreateOrder(ctx context.Context, req schemas.PurchaseRequest) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}
	now := s.now().UTC()
	o := Order{
		ID:          uuid.NewString(),
		BuyerID:     req.BuyerID,
		Quantity:    req.Quantity,
		Status:      schemas.OrderQueued,
		Screenshots: []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO orders (id, buyer_id, quantity, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.BuyerID, o.Quantity, string(o.Status), now, now)
	if err != nil {
		return Order{}, fmt.Errorf("failed to insert order: %w", err)
	}
	s.log.Info("Order queued.", zap.String("order_id", o.ID), zap.String("buyer", o.BuyerID), zap.Int("quantity", o.Quantity))
	return o, nil
}

// MarkProcessing moves a queued order to processing and counts the attempt.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE orders SET status = $2, attempts = attempts + 1, updated_at = $3
        WHERE id = $1 AND status = $4`,
		id, string(schemas.OrderProcessing), s.now().UTC(), string(schemas.OrderQueued))
	if err != nil {
		return fmt.Errorf("failed to mark order %s processing: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetOrder(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	return nil
}

// RecordResult stores the outcome of a run against its order.
func (s *Store) RecordResult(ctx context.Context, id string, res schemas.AutomationResult) error {
	status := schemas.StatusForResult(res)
	screenshots := res.Screenshots
	if screenshots == nil {
		screenshots = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
        UPDATE orders SET status = $2, message = $3, error_kind = NULLIF($4, ''),
            failed_step = NULLIF($5, ''), screenshots = $6, updated_at = $7
        WHERE id = $1`,
		id, string(status), res.Message, string(res.ErrorKind), res.FailedStep, screenshots, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record result for order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	s.log.Info("Order result recorded.", zap.String("order_id", id), zap.String("status", string(status)),
		zap.String("error_kind", string(res.ErrorKind)))
	return nil
}

// GetOrder loads one order.
func (s *Store) GetOrder(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return Order{}, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	return o, nil
}

// ListOrders returns orders newest first.
func (s *Store) ListOrders(ctx context.Context, f ListFilter) ([]Order, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT ` + orderColumns + ` FROM orders`)
	if f.Status != "" {
		args = append(args, string(f.Status))
		b.WriteString(fmt.Sprintf(` WHERE status = $%d`, len(args)))
	}
	args = append(args, limit)
	b.WriteString(fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)))

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	return collectOrders(rows)
}

// RequeueOrder puts a failed or manual_pending order back in the queue.
func (s *Store) RequeueOrder(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to lock order %s: %w", id, err)
	}
	if !schemas.OrderStatus(status).Retriable() {
		return fmt.Errorf("%w: %s is %s", ErrNotRetriable, id, status)
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(schemas.OrderQueued), s.now().UTC()); err != nil {
		return fmt.Errorf("failed to requeue order %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Order requeued.", zap.String("order_id", id), zap.String("previous_status", status))
	return nil
}

// Stats counts orders per status. Statuses without orders are reported as 0.
func (s *Store) Stats(ctx context.Context) (map[schemas.OrderStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query order stats: %w", err)
	}
	defer rows.Close()

	stats := map[schemas.OrderStatus]int{
		schemas.OrderQueued:        0,
		schemas.OrderProcessing:    0,
		schemas.OrderCompleted:     0,
		schemas.OrderFailed:        0,
		schemas.OrderManualPending: 0,
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats[schemas.OrderStatus(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return stats, nil
}

// ClaimQueued atomically moves up to limit of the oldest queued orders to
// processing and returns them. Concurrent claimers never receive the same order.
func (s *Store) ClaimQueued(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		return []Order{}, nil
	}
	rows, err := s.pool.Query(ctx, `
        UPDATE orders SET status = $2, attempts = attempts + 1, updated_at = $3
        WHERE id IN (
            SELECT id FROM orders WHERE status = $4
            ORDER BY created_at ASC LIMIT $1
            FOR UPDATE SKIP LOCKED)
        RETURNING `+orderColumns,
		limit, string(schemas.OrderProcessing), s.now().UTC(), string(schemas.OrderQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to claim queued orders: %w", err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) > 0 {
		s.log.Info("Claimed queued orders.", zap.Int("count", len(orders)))
	}
	return orders, nil
}
