// Package memory holds in-process repositories used by tests and by nodes
// that run without a database.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// OrderRepository keeps one trader's orders in a map. Stored orders are
// copies, so callers must Update after mutating.
type OrderRepository struct {
	mu     sync.RWMutex
	trader domain.TraderID
	orders map[domain.OrderID]*domain.Order
	next   domain.OrderNumber
}

func NewOrderRepository(trader domain.TraderID) *OrderRepository {
	return &OrderRepository{trader: trader, orders: make(map[domain.OrderID]*domain.Order)}
}

func (r *OrderRepository) Add(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID()]; ok {
		return fmt.Errorf("memory orders: add %s: %w", order.ID(), domain.ErrAlreadyExists)
	}
	r.orders[order.ID()] = order.Clone()
	return nil
}

func (r *OrderRepository) Update(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID()]; !ok {
		return fmt.Errorf("memory orders: update %s: %w", order.ID(), domain.ErrNotFound)
	}
	r.orders[order.ID()] = order.Clone()
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, id domain.OrderID) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("memory orders: find %s: %w", id, domain.ErrNotFound)
	}
	return o.Clone(), nil
}

// FindAll returns every order sorted by order id.
func (r *OrderRepository) FindAll(_ context.Context) ([]*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.Order) int {
		return compareOrderIDs(a.ID(), b.ID())
	})
	return out, nil
}

func (r *OrderRepository) DeleteByID(_ context.Context, id domain.OrderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[id]; !ok {
		return fmt.Errorf("memory orders: delete %s: %w", id, domain.ErrNotFound)
	}
	delete(r.orders, id)
	return nil
}

// NextIdentity hands out order numbers 1, 2, 3, ... for the trader.
func (r *OrderRepository) NextIdentity(_ context.Context) (domain.OrderID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return domain.OrderID{TraderID: r.trader, OrderNumber: r.next}, nil
}

func compareOrderIDs(a, b domain.OrderID) int {
	if c := slices.Compare(a.TraderID[:], b.TraderID[:]); c != 0 {
		return c
	}
	switch {
	case a.OrderNumber < b.OrderNumber:
		return -1
	case a.OrderNumber > b.OrderNumber:
		return 1
	}
	return 0
}
