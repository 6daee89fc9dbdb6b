package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// TransactionRepository keeps transactions and their payments in memory.
type TransactionRepository struct {
	mu  sync.RWMutex
	txs map[domain.TransactionID]*domain.Transaction
}

func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{txs: make(map[domain.TransactionID]*domain.Transaction)}
}

// clone rebuilds tx from its parts; Payments are copied by value.
func clone(tx *domain.Transaction) *domain.Transaction {
	payments := tx.Payments()
	for i, p := range payments {
		c := *p
		payments[i] = &c
	}
	c, err := domain.RestoreTransaction(tx.ID(), tx.Assets(), tx.OrderID(), tx.PartnerOrderID(), tx.Timestamp(), payments)
	if err != nil {
		// Payments were accepted by tx already, so replaying them cannot fail.
		panic(err)
	}
	return c
}

func (r *TransactionRepository) Add(_ context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.txs[tx.ID()]; ok {
		return fmt.Errorf("memory transactions: add %s: %w", tx.ID(), domain.ErrAlreadyExists)
	}
	r.txs[tx.ID()] = clone(tx)
	return nil
}

func (r *TransactionRepository) Update(_ context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.txs[tx.ID()]; !ok {
		return fmt.Errorf("memory transactions: update %s: %w", tx.ID(), domain.ErrNotFound)
	}
	r.txs[tx.ID()] = clone(tx)
	return nil
}

// InsertOrUpdate stores tx unless the stored copy is at least as recent.
func (r *TransactionRepository) InsertOrUpdate(_ context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.txs[tx.ID()]; ok && cur.Timestamp() >= tx.Timestamp() {
		return nil
	}
	r.txs[tx.ID()] = clone(tx)
	return nil
}

func (r *TransactionRepository) FindByID(_ context.Context, id domain.TransactionID) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, fmt.Errorf("memory transactions: find %s: %w", id, domain.ErrNotFound)
	}
	return clone(tx), nil
}

// FindAll returns every transaction, oldest first.
func (r *TransactionRepository) FindAll(_ context.Context) ([]*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Transaction, 0, len(r.txs))
	for _, tx := range r.txs {
		out = append(out, clone(tx))
	}
	slices.SortFunc(out, func(a, b *domain.Transaction) int {
		if a.Timestamp() != b.Timestamp() {
			if a.Timestamp() < b.Timestamp() {
				return -1
			}
			return 1
		}
		ai, bi := a.ID(), b.ID()
		return bytes.Compare(ai[:], bi[:])
	})
	return out, nil
}

func (r *TransactionRepository) DeleteByID(_ context.Context, id domain.TransactionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.txs[id]; !ok {
		return fmt.Errorf("memory transactions: delete %s: %w", id, domain.ErrNotFound)
	}
	delete(r.txs, id)
	return nil
}

// AddPayment books p on its stored transaction. A payment id seen before is
// ignored.
func (r *TransactionRepository) AddPayment(_ context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[p.TransactionID]
	if !ok {
		return fmt.Errorf("memory transactions: add payment %s: %w", p.PaymentID, domain.ErrNotFound)
	}
	if tx.HasPayment(p.PaymentID) {
		return nil
	}
	c := *p
	if err := tx.AddPayment(&c); err != nil {
		return fmt.Errorf("memory transactions: add payment %s: %w", p.PaymentID, err)
	}
	return nil
}

func (r *TransactionRepository) Payments(_ context.Context, id domain.TransactionID) ([]*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, fmt.Errorf("memory transactions: payments %s: %w", id, domain.ErrNotFound)
	}
	out := tx.Payments()
	for i, p := range out {
		c := *p
		out[i] = &c
	}
	return out, nil
}
