package postgres

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// OrderRepository implements domain.OrderRepository and
// domain.ReservedTickStore for one trader. An order's reservations live in
// reserved_ticks and are rewritten with the order on every Update.
type OrderRepository struct {
	pool   *pgxpool.Pool
	trader domain.TraderID

	mu   sync.Mutex
	last domain.OrderNumber
}

// NewOrderRepository creates an OrderRepository for trader's orders.
func NewOrderRepository(pool *pgxpool.Pool, trader domain.TraderID) *OrderRepository {
	return &OrderRepository{pool: pool, trader: trader}
}

const orderSelectCols = `trader_id, order_number,
	asset1_amount, asset1_urn, asset2_amount, asset2_urn,
	traded, received, timeout, order_timestamp, completed_timestamp,
	is_ask, cancelled, verified`

func scanOrderState(scanner interface{ Scan(dest ...any) error }) (domain.OrderState, error) {
	var (
		s                domain.OrderState
		trader           []byte
		number           int64
		first, second    amountCols
		traded, received pgtype.Numeric
		timeout, ts      int64
		completed        *int64
	)
	err := scanner.Scan(
		&trader, &number,
		&first.Amount, &first.Urn, &second.Amount, &second.Urn,
		&traded, &received, &timeout, &ts, &completed,
		&s.IsAsk, &s.Cancelled, &s.Verified,
	)
	if err != nil {
		return s, err
	}
	if s.ID, err = orderIDOf(trader, number); err != nil {
		return s, err
	}
	if s.Assets, err = pairOf(first, second); err != nil {
		return s, err
	}
	if s.Traded, err = integer(traded); err != nil {
		return s, err
	}
	if s.Received, err = integer(received); err != nil {
		return s, err
	}
	s.Timeout = domain.Timeout(timeout)
	s.Timestamp = domain.Timestamp(ts)
	if completed != nil {
		c := domain.Timestamp(*completed)
		s.CompletedTimestamp = &c
	}
	s.Reservations = make(map[domain.OrderID]*big.Int)
	return s, nil
}

func (r *OrderRepository) Add(ctx context.Context, order *domain.Order) error {
	err := r.inTx(ctx, func(q querier) error {
		s := order.State()
		a := s.Assets
		_, err := q.Exec(ctx, `
			INSERT INTO orders (`+orderSelectCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			s.ID.TraderID[:], int64(s.ID.OrderNumber),
			numeric(a.First.Amount()), a.First.Urn().String(),
			numeric(a.Second.Amount()), a.Second.Urn().String(),
			numeric(s.Traded), numeric(s.Received),
			int64(s.Timeout), int64(s.Timestamp), completedCol(s.CompletedTimestamp),
			s.IsAsk, s.Cancelled, s.Verified,
		)
		if err != nil {
			return err
		}
		return writeReservations(ctx, q, s.ID, s.Reservations)
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: add order %s: %w", order.ID(), domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: add order %s: %w", order.ID(), err)
	}
	return nil
}

// Update rewrites the mutable columns and replaces the reservations.
func (r *OrderRepository) Update(ctx context.Context, order *domain.Order) error {
	err := r.inTx(ctx, func(q querier) error {
		s := order.State()
		tag, err := q.Exec(ctx, `
			UPDATE orders SET
				traded = $3, received = $4, completed_timestamp = $5,
				cancelled = $6, verified = $7
			WHERE trader_id = $1 AND order_number = $2`,
			s.ID.TraderID[:], int64(s.ID.OrderNumber),
			numeric(s.Traded), numeric(s.Received), completedCol(s.CompletedTimestamp),
			s.Cancelled, s.Verified,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		if err := deleteReservations(ctx, q, s.ID); err != nil {
			return err
		}
		return writeReservations(ctx, q, s.ID, s.Reservations)
	})
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", order.ID(), err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE trader_id = $1 AND order_number = $2`,
		id.TraderID[:], int64(id.OrderNumber))
	s, err := scanOrderState(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: find order %s: %w", id, notFound(err))
	}
	reserved, err := r.ReservedTicks(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, rt := range reserved {
		s.Reservations[rt.CounterpartyID] = rt.Quantity
	}
	o, err := domain.RestoreOrder(s)
	if err != nil {
		return nil, fmt.Errorf("postgres: restore order %s: %w", id, err)
	}
	return o, nil
}

// FindAll returns the trader's orders in order-number order.
func (r *OrderRepository) FindAll(ctx context.Context) ([]*domain.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE trader_id = $1 ORDER BY order_number`,
		r.trader[:])
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	var states []domain.OrderState
	for rows.Next() {
		s, err := scanOrderState(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan orders: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan orders: %w", err)
	}

	reserved, err := r.traderReservations(ctx)
	if err != nil {
		return nil, err
	}
	orders := make([]*domain.Order, 0, len(states))
	for _, s := range states {
		for _, rt := range reserved[s.ID] {
			s.Reservations[rt.CounterpartyID] = rt.Quantity
		}
		o, err := domain.RestoreOrder(s)
		if err != nil {
			return nil, fmt.Errorf("postgres: restore order %s: %w", s.ID, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (r *OrderRepository) DeleteByID(ctx context.Context, id domain.OrderID) error {
	err := r.inTx(ctx, func(q querier) error {
		if err := deleteReservations(ctx, q, id); err != nil {
			return err
		}
		tag, err := q.Exec(ctx,
			`DELETE FROM orders WHERE trader_id = $1 AND order_number = $2`,
			id.TraderID[:], int64(id.OrderNumber))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: delete order %s: %w", id, err)
	}
	return nil
}

// NextIdentity returns max(order_number)+1 for the trader. Numbers handed out
// by this process but not yet stored are skipped as well.
func (r *OrderRepository) NextIdentity(ctx context.Context) (domain.OrderID, error) {
	var highest int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(order_number), 0) FROM orders WHERE trader_id = $1`,
		r.trader[:]).Scan(&highest)
	if err != nil {
		return domain.OrderID{}, fmt.Errorf("postgres: next order number: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = nextOrderNumber(r.last, domain.OrderNumber(highest))
	return domain.OrderID{TraderID: r.trader, OrderNumber: r.last}, nil
}

func nextOrderNumber(issued, stored domain.OrderNumber) domain.OrderNumber {
	return max(issued, stored) + 1
}

// AddReservedTick records quantity more reserved on orderID for counterparty.
func (r *OrderRepository) AddReservedTick(ctx context.Context, orderID, counterparty domain.OrderID, quantity *big.Int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reserved_ticks (trader_id, order_number, counterparty_trader_id, counterparty_order_number, quantity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (trader_id, order_number, counterparty_trader_id, counterparty_order_number)
		DO UPDATE SET quantity = reserved_ticks.quantity + EXCLUDED.quantity`,
		orderID.TraderID[:], int64(orderID.OrderNumber),
		counterparty.TraderID[:], int64(counterparty.OrderNumber),
		numeric(quantity),
	)
	if err != nil {
		return fmt.Errorf("postgres: add reserved tick %s/%s: %w", orderID, counterparty, err)
	}
	return nil
}

// ReservedTicks lists the reservations held by orderID.
func (r *OrderRepository) ReservedTicks(ctx context.Context, orderID domain.OrderID) ([]domain.ReservedTick, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT trader_id, order_number, counterparty_trader_id, counterparty_order_number, quantity
		FROM reserved_ticks WHERE trader_id = $1 AND order_number = $2
		ORDER BY counterparty_trader_id, counterparty_order_number`,
		orderID.TraderID[:], int64(orderID.OrderNumber))
	if err != nil {
		return nil, fmt.Errorf("postgres: reserved ticks %s: %w", orderID, err)
	}
	defer rows.Close()
	out, err := scanReservedTicks(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan reserved ticks %s: %w", orderID, err)
	}
	return out, nil
}

func (r *OrderRepository) DeleteReservedTicks(ctx context.Context, orderID domain.OrderID) error {
	if err := deleteReservations(ctx, r.pool, orderID); err != nil {
		return fmt.Errorf("postgres: delete reserved ticks %s: %w", orderID, err)
	}
	return nil
}

func (r *OrderRepository) traderReservations(ctx context.Context) (map[domain.OrderID][]domain.ReservedTick, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT trader_id, order_number, counterparty_trader_id, counterparty_order_number, quantity
		FROM reserved_ticks WHERE trader_id = $1`,
		r.trader[:])
	if err != nil {
		return nil, fmt.Errorf("postgres: list reserved ticks: %w", err)
	}
	defer rows.Close()
	all, err := scanReservedTicks(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan reserved ticks: %w", err)
	}
	out := make(map[domain.OrderID][]domain.ReservedTick)
	for _, rt := range all {
		out[rt.OrderID] = append(out[rt.OrderID], rt)
	}
	return out, nil
}

func scanReservedTicks(rows pgx.Rows) ([]domain.ReservedTick, error) {
	var out []domain.ReservedTick
	for rows.Next() {
		var (
			trader, cpTrader []byte
			number, cpNumber int64
			quantity         pgtype.Numeric
			rt               domain.ReservedTick
			err              error
		)
		if err = rows.Scan(&trader, &number, &cpTrader, &cpNumber, &quantity); err != nil {
			return nil, err
		}
		if rt.OrderID, err = orderIDOf(trader, number); err != nil {
			return nil, err
		}
		if rt.CounterpartyID, err = orderIDOf(cpTrader, cpNumber); err != nil {
			return nil, err
		}
		if rt.Quantity, err = integer(quantity); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func writeReservations(ctx context.Context, q querier, id domain.OrderID, reservations map[domain.OrderID]*big.Int) error {
	for cp, quantity := range reservations {
		if quantity.Sign() <= 0 {
			continue
		}
		_, err := q.Exec(ctx, `
			INSERT INTO reserved_ticks (trader_id, order_number, counterparty_trader_id, counterparty_order_number, quantity)
			VALUES ($1, $2, $3, $4, $5)`,
			id.TraderID[:], int64(id.OrderNumber),
			cp.TraderID[:], int64(cp.OrderNumber),
			numeric(quantity),
		)
		if err != nil {
			return fmt.Errorf("reserve %s: %w", cp, err)
		}
	}
	return nil
}

func deleteReservations(ctx context.Context, q querier, id domain.OrderID) error {
	_, err := q.Exec(ctx,
		`DELETE FROM reserved_ticks WHERE trader_id = $1 AND order_number = $2`,
		id.TraderID[:], int64(id.OrderNumber))
	return err
}

func completedCol(ts *domain.Timestamp) *int64 {
	if ts == nil {
		return nil
	}
	v := int64(*ts)
	return &v
}

// inTx runs fn in a transaction, rolling back when it fails.
func (r *OrderRepository) inTx(ctx context.Context, fn func(querier) error) error {
	return runInTx(ctx, r.pool, fn)
}

func runInTx(ctx context.Context, pool *pgxpool.Pool, fn func(querier) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
