package service

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
	"github.com/jverbraeken/UniversalMarket/internal/store/memory"
)

func newManager(c byte) *OrderManager {
	return NewOrderManager(memory.NewOrderRepository(trader(c)), slog.Default()).
		WithClock(func() domain.Timestamp { return 1_000 })
}

func TestOrderManagerNumbersFromOne(t *testing.T) {
	ctx := context.Background()
	m := newManager(0x30)

	ask, err := m.CreateAskOrder(ctx, pair(100, 10), 0)
	require.NoError(t, err)
	bid, err := m.CreateBidOrder(ctx, pair(100, 10), 0)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderNumber(1), ask.ID().OrderNumber)
	assert.Equal(t, domain.OrderNumber(2), bid.ID().OrderNumber)
	assert.Equal(t, trader(0x30), ask.ID().TraderID)
	assert.True(t, ask.IsAsk())
	assert.False(t, bid.IsAsk())
	assert.Equal(t, domain.Timestamp(1_000), ask.Timestamp())
	assert.Equal(t, domain.OrderStatusUnverified, ask.Status())

	all, err := m.Orders(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestOrderManagerRejectsEmptyLeg(t *testing.T) {
	m := newManager(0x30)
	_, err := m.CreateAskOrder(context.Background(), domain.AssetPair{
		First:  domain.NewProductAmount(0, urnBTC),
		Second: domain.NewProductAmount(10, urnMB),
	}, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestOrderManagerCancel(t *testing.T) {
	ctx := context.Background()
	m := newManager(0x30)
	o, err := m.CreateAskOrder(ctx, pair(100, 10), 3600)
	require.NoError(t, err)

	cancelled, err := m.CancelOrder(ctx, o.ID())
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled())

	stored, err := m.Order(ctx, o.ID())
	require.NoError(t, err)
	assert.True(t, stored.Cancelled())

	_, err = m.CancelOrder(ctx, domain.OrderID{TraderID: trader(0x30), OrderNumber: 9})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderManagerUpdateDiscardsFailedMutation(t *testing.T) {
	ctx := context.Background()
	m := newManager(0x30)
	o, err := m.CreateAskOrder(ctx, pair(100, 10), 3600)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = m.Update(ctx, o.ID(), func(o *domain.Order) error {
		o.SetVerified()
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := m.Order(ctx, o.ID())
	require.NoError(t, err)
	assert.False(t, stored.Verified())
}

func TestOrderManagerUpdateIsSerialised(t *testing.T) {
	ctx := context.Background()
	m := newManager(0x30)
	o, err := m.CreateAskOrder(ctx, pair(1000, 10), 3600)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := domain.OrderID{TraderID: trader(0x31), OrderNumber: domain.OrderNumber(i%5 + 1)}
			_, err := m.Update(ctx, o.ID(), func(o *domain.Order) error {
				return o.ReserveQuantityForTick(cp, big.NewInt(2))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := m.Order(ctx, o.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.ReservedQuantity().Int64())
}
