package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// TransactionRepository implements domain.TransactionRepository. Payments
// are rows of their own, keyed by (transaction_id, payment_id).
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a TransactionRepository backed by pool.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

const transactionSelectCols = `transaction_id, trader_id, order_number,
	partner_trader_id, partner_order_number,
	asset1_amount, asset1_urn, asset2_amount, asset2_urn, tx_timestamp`

const paymentSelectCols = `payment_id, transaction_id, trader_id, amount, urn,
	address_from, address_to, payment_timestamp`

type transactionRow struct {
	id             domain.TransactionID
	assets         domain.AssetPair
	orderID        domain.OrderID
	partnerOrderID domain.OrderID
	timestamp      domain.Timestamp
}

func scanTransactionRow(scanner interface{ Scan(dest ...any) error }) (transactionRow, error) {
	var (
		row                 transactionRow
		id, trader, pTrader []byte
		number, pNumber, ts int64
		first, second       amountCols
		err                 error
	)
	err = scanner.Scan(&id, &trader, &number, &pTrader, &pNumber,
		&first.Amount, &first.Urn, &second.Amount, &second.Urn, &ts)
	if err != nil {
		return row, err
	}
	if row.id, err = domain.NewTransactionID(id); err != nil {
		return row, err
	}
	if row.orderID, err = orderIDOf(trader, number); err != nil {
		return row, err
	}
	if row.partnerOrderID, err = orderIDOf(pTrader, pNumber); err != nil {
		return row, err
	}
	if row.assets, err = pairOf(first, second); err != nil {
		return row, err
	}
	row.timestamp = domain.Timestamp(ts)
	return row, nil
}

func scanPayment(scanner interface{ Scan(dest ...any) error }) (*domain.Payment, error) {
	var (
		p            domain.Payment
		paymentID    string
		txID, trader []byte
		amount       amountCols
		from, to     string
		ts           int64
		err          error
	)
	err = scanner.Scan(&paymentID, &txID, &trader, &amount.Amount, &amount.Urn, &from, &to, &ts)
	if err != nil {
		return nil, err
	}
	if p.TransactionID, err = domain.NewTransactionID(txID); err != nil {
		return nil, err
	}
	if p.TraderID, err = domain.NewTraderID(trader); err != nil {
		return nil, err
	}
	if p.TransferredAmount, err = amount.product(); err != nil {
		return nil, err
	}
	p.PaymentID = domain.PaymentID(paymentID)
	p.AddressFrom = domain.WalletAddress(from)
	p.AddressTo = domain.WalletAddress(to)
	p.Timestamp = domain.Timestamp(ts)
	return &p, nil
}

func (r *TransactionRepository) Add(ctx context.Context, tx *domain.Transaction) error {
	err := runInTx(ctx, r.pool, func(q querier) error {
		if err := insertTransaction(ctx, q, tx, false); err != nil {
			return err
		}
		return insertPayments(ctx, q, tx.Payments())
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: add transaction %s: %w", tx.ID(), domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: add transaction %s: %w", tx.ID(), err)
	}
	return nil
}

func (r *TransactionRepository) Update(ctx context.Context, tx *domain.Transaction) error {
	err := runInTx(ctx, r.pool, func(q querier) error {
		id := tx.ID()
		tag, err := q.Exec(ctx,
			`UPDATE transactions SET tx_timestamp = $2 WHERE transaction_id = $1`,
			id[:], int64(tx.Timestamp()))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return insertPayments(ctx, q, tx.Payments())
	})
	if err != nil {
		return fmt.Errorf("postgres: update transaction %s: %w", tx.ID(), err)
	}
	return nil
}

// InsertOrUpdate stores tx unless the stored row carries a newer or equal
// timestamp. Payments are merged either way.
func (r *TransactionRepository) InsertOrUpdate(ctx context.Context, tx *domain.Transaction) error {
	err := runInTx(ctx, r.pool, func(q querier) error {
		if err := insertTransaction(ctx, q, tx, true); err != nil {
			return err
		}
		return insertPayments(ctx, q, tx.Payments())
	})
	if err != nil {
		return fmt.Errorf("postgres: insert or update transaction %s: %w", tx.ID(), err)
	}
	return nil
}

func (r *TransactionRepository) FindByID(ctx context.Context, id domain.TransactionID) (*domain.Transaction, error) {
	row, err := scanTransactionRow(r.pool.QueryRow(ctx,
		`SELECT `+transactionSelectCols+` FROM transactions WHERE transaction_id = $1`, id[:]))
	if err != nil {
		return nil, fmt.Errorf("postgres: find transaction %s: %w", id, notFound(err))
	}
	payments, err := r.Payments(ctx, id)
	if err != nil {
		return nil, err
	}
	return restoreTransaction(row, payments)
}

// FindAll returns every transaction, oldest first.
func (r *TransactionRepository) FindAll(ctx context.Context) ([]*domain.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionSelectCols+` FROM transactions ORDER BY tx_timestamp, transaction_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions: %w", err)
	}
	defer rows.Close()
	var txRows []transactionRow
	for rows.Next() {
		row, err := scanTransactionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan transactions: %w", err)
		}
		txRows = append(txRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan transactions: %w", err)
	}

	payments, err := r.allPayments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Transaction, 0, len(txRows))
	for _, row := range txRows {
		tx, err := restoreTransaction(row, payments[row.id])
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (r *TransactionRepository) DeleteByID(ctx context.Context, id domain.TransactionID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM transactions WHERE transaction_id = $1`, id[:])
	if err != nil {
		return fmt.Errorf("postgres: delete transaction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete transaction %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// AddPayment stores p against its transaction. A payment id already stored
// for the transaction is ignored; a payment the transaction cannot take is
// rejected the way Transaction.AddPayment rejects it.
func (r *TransactionRepository) AddPayment(ctx context.Context, p *domain.Payment) error {
	tx, err := r.FindByID(ctx, p.TransactionID)
	if err != nil {
		return fmt.Errorf("postgres: add payment %s: %w", p.PaymentID, err)
	}
	if tx.HasPayment(p.PaymentID) {
		return nil
	}
	c := *p
	if err := tx.AddPayment(&c); err != nil {
		return fmt.Errorf("postgres: add payment %s: %w", p.PaymentID, err)
	}
	if err := insertPayments(ctx, r.pool, []*domain.Payment{p}); err != nil {
		return fmt.Errorf("postgres: add payment %s: %w", p.PaymentID, err)
	}
	return nil
}

// Payments lists the payments of id in the order they were made.
func (r *TransactionRepository) Payments(ctx context.Context, id domain.TransactionID) ([]*domain.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentSelectCols+` FROM payments WHERE transaction_id = $1
		 ORDER BY payment_timestamp, payment_id`, id[:])
	if err != nil {
		return nil, fmt.Errorf("postgres: payments %s: %w", id, err)
	}
	defer rows.Close()
	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan payments %s: %w", id, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *TransactionRepository) allPayments(ctx context.Context) (map[domain.TransactionID][]*domain.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentSelectCols+` FROM payments ORDER BY payment_timestamp, payment_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payments: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.TransactionID][]*domain.Payment)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan payments: %w", err)
		}
		out[p.TransactionID] = append(out[p.TransactionID], p)
	}
	return out, rows.Err()
}

func restoreTransaction(row transactionRow, payments []*domain.Payment) (*domain.Transaction, error) {
	tx, err := domain.RestoreTransaction(row.id, row.assets, row.orderID, row.partnerOrderID, row.timestamp, payments)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return tx, nil
}

// insertTransaction inserts the transaction row. With onlyNewer an existing
// row is overwritten when tx carries a later timestamp and kept otherwise.
func insertTransaction(ctx context.Context, q querier, tx *domain.Transaction, onlyNewer bool) error {
	query := `
		INSERT INTO transactions (` + transactionSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if onlyNewer {
		query += `
		ON CONFLICT (transaction_id) DO UPDATE SET
			trader_id = EXCLUDED.trader_id,
			order_number = EXCLUDED.order_number,
			partner_trader_id = EXCLUDED.partner_trader_id,
			partner_order_number = EXCLUDED.partner_order_number,
			asset1_amount = EXCLUDED.asset1_amount,
			asset1_urn = EXCLUDED.asset1_urn,
			asset2_amount = EXCLUDED.asset2_amount,
			asset2_urn = EXCLUDED.asset2_urn,
			tx_timestamp = EXCLUDED.tx_timestamp
		WHERE transactions.tx_timestamp < EXCLUDED.tx_timestamp`
	}
	id, order, partner, a := tx.ID(), tx.OrderID(), tx.PartnerOrderID(), tx.Assets()
	_, err := q.Exec(ctx, query,
		id[:], order.TraderID[:], int64(order.OrderNumber),
		partner.TraderID[:], int64(partner.OrderNumber),
		numeric(a.First.Amount()), a.First.Urn().String(),
		numeric(a.Second.Amount()), a.Second.Urn().String(),
		int64(tx.Timestamp()),
	)
	return err
}

func insertPayments(ctx context.Context, q querier, payments []*domain.Payment) error {
	if len(payments) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range payments {
		txID, trader := p.TransactionID, p.TraderID
		batch.Queue(`
			INSERT INTO payments (`+paymentSelectCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (transaction_id, payment_id) DO NOTHING`,
			string(p.PaymentID), txID[:], trader[:],
			numeric(p.TransferredAmount.Amount()), p.TransferredAmount.Urn().String(),
			string(p.AddressFrom), string(p.AddressTo), int64(p.Timestamp),
		)
	}
	br := q.SendBatch(ctx, batch)
	defer br.Close()
	for range payments {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
	}
	return nil
}
