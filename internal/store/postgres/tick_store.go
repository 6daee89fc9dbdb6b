package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// TickStore keeps the book snapshot written at shutdown and read back at
// start.
type TickStore struct {
	pool *pgxpool.Pool
}

func NewTickStore(pool *pgxpool.Pool) *TickStore {
	return &TickStore{pool: pool}
}

const tickSelectCols = `trader_id, order_number,
	asset1_amount, asset1_urn, asset2_amount, asset2_urn,
	timeout, tick_timestamp, is_ask, traded, block_hash`

// AddTick stores tick, replacing an earlier snapshot of the same order.
func (s *TickStore) AddTick(ctx context.Context, tick *domain.Tick) error {
	id, a := tick.OrderID, tick.Assets
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ticks (`+tickSelectCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (trader_id, order_number) DO UPDATE SET
			asset1_amount = EXCLUDED.asset1_amount,
			asset1_urn = EXCLUDED.asset1_urn,
			asset2_amount = EXCLUDED.asset2_amount,
			asset2_urn = EXCLUDED.asset2_urn,
			timeout = EXCLUDED.timeout,
			tick_timestamp = EXCLUDED.tick_timestamp,
			is_ask = EXCLUDED.is_ask,
			traded = EXCLUDED.traded,
			block_hash = EXCLUDED.block_hash`,
		id.TraderID[:], int64(id.OrderNumber),
		numeric(a.First.Amount()), a.First.Urn().String(),
		numeric(a.Second.Amount()), a.Second.Urn().String(),
		int64(tick.Timeout), int64(tick.Timestamp), tick.IsAsk,
		numeric(tick.Traded), tick.BlockHash[:],
	)
	if err != nil {
		return fmt.Errorf("postgres: add tick %s: %w", id, err)
	}
	return nil
}

// Ticks returns every stored tick ordered by order id.
func (s *TickStore) Ticks(ctx context.Context) ([]*domain.Tick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tickSelectCols+` FROM ticks ORDER BY trader_id, order_number`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ticks: %w", err)
	}
	defer rows.Close()

	ticks, err := scanTicks(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ticks: %w", err)
	}
	return ticks, nil
}

func (s *TickStore) DeleteAllTicks(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM ticks`); err != nil {
		return fmt.Errorf("postgres: delete ticks: %w", err)
	}
	return nil
}

func scanTicks(rows pgx.Rows) ([]*domain.Tick, error) {
	var out []*domain.Tick
	for rows.Next() {
		var (
			trader, hash  []byte
			number        int64
			first, second amountCols
			timeout, ts   int64
			isAsk         bool
			traded        pgtype.Numeric
		)
		if err := rows.Scan(&trader, &number,
			&first.Amount, &first.Urn, &second.Amount, &second.Urn,
			&timeout, &ts, &isAsk, &traded, &hash); err != nil {
			return nil, err
		}
		id, err := orderIDOf(trader, number)
		if err != nil {
			return nil, err
		}
		assets, err := pairOf(first, second)
		if err != nil {
			return nil, err
		}
		tick := domain.NewTick(id, assets, domain.Timeout(timeout), domain.Timestamp(ts), isAsk)
		if tick.Traded, err = integer(traded); err != nil {
			return nil, err
		}
		if len(hash) != len(tick.BlockHash) {
			return nil, fmt.Errorf("tick %s: block hash is %d bytes", id, len(hash))
		}
		copy(tick.BlockHash[:], hash)
		out = append(out, tick)
	}
	return out, rows.Err()
}
