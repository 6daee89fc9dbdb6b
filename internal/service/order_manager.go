package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// OrderManager owns this node's orders. Every write to an order goes through
// Update, which holds a per-order lock across load, mutate and save.
type OrderManager struct {
	repo   domain.OrderRepository
	now    func() domain.Timestamp
	logger *slog.Logger

	mu    sync.Mutex
	locks map[domain.OrderID]*sync.Mutex
}

// NewOrderManager creates an OrderManager backed by repo.
func NewOrderManager(repo domain.OrderRepository, logger *slog.Logger) *OrderManager {
	return &OrderManager{
		repo:   repo,
		now:    domain.Now,
		logger: logger.With(slog.String("component", "order_manager")),
		locks:  make(map[domain.OrderID]*sync.Mutex),
	}
}

// WithClock replaces the time source used to stamp new orders.
func (m *OrderManager) WithClock(now func() domain.Timestamp) *OrderManager {
	m.now = now
	return m
}

// CreateAskOrder stores a new unverified ask giving assets.First for
// assets.Second.
func (m *OrderManager) CreateAskOrder(ctx context.Context, assets domain.AssetPair, timeout domain.Timeout) (*domain.Order, error) {
	return m.create(ctx, assets, timeout, true)
}

// CreateBidOrder stores a new unverified bid for assets.First paying
// assets.Second.
func (m *OrderManager) CreateBidOrder(ctx context.Context, assets domain.AssetPair, timeout domain.Timeout) (*domain.Order, error) {
	return m.create(ctx, assets, timeout, false)
}

func (m *OrderManager) create(ctx context.Context, assets domain.AssetPair, timeout domain.Timeout, isAsk bool) (*domain.Order, error) {
	id, err := m.repo.NextIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("order_manager: next identity: %w", err)
	}
	order, err := domain.NewOrder(id, assets, timeout, m.now(), isAsk)
	if err != nil {
		return nil, fmt.Errorf("order_manager: new order: %w", err)
	}
	if err := m.repo.Add(ctx, order); err != nil {
		return nil, fmt.Errorf("order_manager: add %s: %w", id, err)
	}

	m.logger.InfoContext(ctx, "order_manager: order created",
		slog.String("order_id", id.String()),
		slog.Bool("is_ask", isAsk),
		slog.String("assets", assets.String()),
		slog.Int64("timeout", int64(timeout)),
	)
	return order, nil
}

// CancelOrder marks the order cancelled. Its reservations are left for the
// negotiations and settlements that hold them.
func (m *OrderManager) CancelOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	order, err := m.Update(ctx, id, func(o *domain.Order) error {
		o.Cancel()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "order_manager: order cancelled", slog.String("order_id", id.String()))
	return order, nil
}

// Order returns a copy of the stored order.
func (m *OrderManager) Order(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	order, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("order_manager: find %s: %w", id, err)
	}
	return order, nil
}

// Orders returns copies of every stored order.
func (m *OrderManager) Orders(ctx context.Context) ([]*domain.Order, error) {
	orders, err := m.repo.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("order_manager: find all: %w", err)
	}
	return orders, nil
}

// Update loads the order, applies fn and saves the result. Nothing is saved
// when fn fails. The returned order is a copy of what was saved.
func (m *OrderManager) Update(ctx context.Context, id domain.OrderID, fn func(*domain.Order) error) (*domain.Order, error) {
	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	order, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("order_manager: update %s: %w", id, err)
	}
	if err := fn(order); err != nil {
		return nil, err
	}
	if err := m.repo.Update(ctx, order); err != nil {
		return nil, fmt.Errorf("order_manager: save %s: %w", id, err)
	}
	return order.Clone(), nil
}

func (m *OrderManager) lock(id domain.OrderID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}
