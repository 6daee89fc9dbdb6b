package service

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
	"github.com/jverbraeken/UniversalMarket/internal/orderbook"
)

func TestCreateAskPlacesAndAnnounces(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	a := net.add(t, 0x41, map[domain.Urn]int64{urnBTC: 100})
	b := net.add(t, 0x42, nil)

	order, err := a.market.CreateAsk(ctx, pair(10, 20), 3600)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, order.Status())
	assert.Equal(t, domain.OrderNumber(1), order.ID().OrderNumber)

	assert.True(t, a.book.AskExists(order.ID()))
	assert.True(t, b.book.AskExists(order.ID()), "peer learns the tick from the announcement")
	assert.Equal(t, []domain.OrderID{order.ID()}, a.outbound.announced)
	assert.Contains(t, a.bus.events(), "order_created")
	assert.Contains(t, b.bus.events(), "tick_added")
}

func TestCreateBidNeedsFunds(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	a := net.add(t, 0x41, map[domain.Urn]int64{urnMB: 50})

	_, err := a.market.CreateBid(ctx, pair(10, 40), 3600)
	require.NoError(t, err)

	// The open bid already commits 40 of the 50 MB.
	order, err := a.market.CreateBid(ctx, pair(10, 20), 3600)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, order)
	assert.Equal(t, domain.OrderStatusUnverified, mustOrder(t, a, order.ID()).Status())
	assert.False(t, a.book.BidExists(order.ID()))
	assert.Equal(t, 1, a.book.BidCount())
}

func TestCancelOrderWithdrawsTick(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	a := net.add(t, 0x41, map[domain.Urn]int64{urnBTC: 100})
	b := net.add(t, 0x42, nil)

	order, err := a.market.CreateAsk(ctx, pair(10, 20), 3600)
	require.NoError(t, err)

	cancelled, err := a.market.CancelOrder(ctx, order.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status())
	assert.False(t, a.book.TickExists(order.ID()))
	assert.False(t, b.book.TickExists(order.ID()))
	assert.Equal(t, []domain.OrderID{order.ID()}, a.outbound.cancelled)
	assert.Contains(t, a.bus.events(), "order_cancelled")
	assert.Contains(t, b.bus.events(), "tick_removed")

	// Cancelling again still succeeds; the tick is already gone.
	_, err = a.market.CancelOrder(ctx, order.ID())
	assert.NoError(t, err)
}

func TestMatchSkipsProposalsBelowOwnLimit(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	a := net.add(t, 0x41, map[domain.Urn]int64{urnBTC: 5})
	b := net.add(t, 0x42, nil)

	ask, err := a.market.CreateAsk(ctx, pair(5, 4), 3600)
	require.NoError(t, err)

	// Selling 2 of (5, 4) would send (2, 1), under the ask's 0.8 limit.
	bid := domain.NewTick(domain.OrderID{TraderID: b.id, OrderNumber: 1}, pair(2, 2), 3600, domain.Now(), false)
	require.NoError(t, a.market.OnTickAnnounced(ctx, bid))

	proposed, err := a.market.Match(ctx, ask.ID())
	require.NoError(t, err)
	assert.Zero(t, proposed)
	assert.Zero(t, mustOrder(t, a, ask.ID()).ReservedQuantity().Sign())
	assert.Equal(t, 0, a.neg.Open())
	assert.True(t, a.book.BidExists(bid.OrderID))
}

func TestOnTickAnnouncedSkipsOwnAndInvalid(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	a := net.add(t, 0x41, nil)

	own := domain.NewTick(domain.OrderID{TraderID: a.id, OrderNumber: 7}, pair(10, 20), 3600, domain.Now(), true)
	require.NoError(t, a.market.OnTickAnnounced(ctx, own))
	assert.False(t, a.book.TickExists(own.OrderID))

	expired := domain.NewTick(domain.OrderID{TraderID: trader(0x42), OrderNumber: 1}, pair(10, 20), 1, 0, true)
	require.NoError(t, a.market.OnTickAnnounced(ctx, expired))
	assert.False(t, a.book.TickExists(expired.OrderID))

	fresh := domain.NewTick(domain.OrderID{TraderID: trader(0x42), OrderNumber: 2}, pair(10, 20), 3600, domain.Now(), true)
	require.NoError(t, a.market.OnTickAnnounced(ctx, fresh))
	require.NoError(t, a.market.OnTickAnnounced(ctx, fresh), "repeat announcement is harmless")
	assert.True(t, a.book.AskExists(fresh.OrderID))

	require.NoError(t, a.market.OnTickCancelled(ctx, fresh.OrderID))
	require.NoError(t, a.market.OnTickCancelled(ctx, fresh.OrderID))
	assert.False(t, a.book.TickExists(fresh.OrderID))
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	a := net.add(t, 0x41, nil)

	now := domain.Now()
	for i, tk := range []*domain.Tick{
		domain.NewTick(domain.OrderID{TraderID: trader(0x42), OrderNumber: 1}, pair(100, 30), 3600, now, true),
		domain.NewTick(domain.OrderID{TraderID: trader(0x42), OrderNumber: 2}, pair(50, 20), 3600, now, true),
		domain.NewTick(domain.OrderID{TraderID: trader(0x43), OrderNumber: 1}, pair(100, 15), 3600, now, false),
	} {
		require.NoError(t, a.market.OnTickAnnounced(ctx, tk), "tick %d", i)
	}

	snap := a.market.Snapshot(urnBTC, urnMB)
	assert.Equal(t, orderbook.Market{PriceUrn: urnMB, QuantityUrn: urnBTC}, snap.Market)
	// Best bid 0.15 minus best ask 0.3.
	assert.Equal(t, "-0.15", snap.Spread.Decimal())
	require.Len(t, snap.AskProfile, 2)
	assert.Equal(t, "0.3", snap.AskProfile[0].Price.Decimal())
	assert.Equal(t, int64(100), snap.AskProfile[0].Depth.Int64())
	assert.Equal(t, int64(150), snap.AskProfile[1].Depth.Int64())
	require.Len(t, snap.BidProfile, 1)
	assert.Len(t, snap.Asks, 2)
	assert.Len(t, snap.Bids, 1)

	empty := a.market.Snapshot(urnMB, urnBTC)
	assert.Empty(t, empty.Asks)
	assert.True(t, empty.Spread.IsZero())
}

func TestSaveAndRestoreBook(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	a := net.add(t, 0x41, map[domain.Urn]int64{urnBTC: 100})
	saved := &memTicks{}
	a.market.ticks = saved

	own, err := a.market.CreateAsk(ctx, pair(10, 20), 3600)
	require.NoError(t, err)
	// Priced below the ask, so no negotiation starts.
	peer := domain.NewTick(domain.OrderID{TraderID: trader(0x42), OrderNumber: 3}, pair(10, 10), 3600, domain.Now(), false)
	require.NoError(t, a.market.OnTickAnnounced(ctx, peer))

	n, err := a.market.SaveBook(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "own ticks are rebuilt from orders, not saved")

	fresh := orderbook.New(orderbook.Config{Logger: slog.Default()})
	restarted := NewMarketService(a.id, a.orders, fresh, a.wallet, a.neg, a.outbound, saved, a.bus, slog.Default())
	n, err = restarted.RestoreBook(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, fresh.AskExists(own.ID()))
	assert.True(t, fresh.BidExists(peer.OrderID))
}
