package domain

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestOrder(t *testing.T, assets AssetPair, timeout Timeout, ts Timestamp, isAsk bool) *Order {
	t.Helper()
	o, err := NewOrder(orderIDOf('0', 3), assets, timeout, ts, isAsk)
	require.NoError(t, err)
	return o
}

func TestNewOrderValidation(t *testing.T) {
	_, err := NewOrder(orderIDOf('0', 1), MustAssetPair(1, urnBTC, 1, urnMB).Zero(), 10, 0, true)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewOrder(orderIDOf('0', 0), MustAssetPair(1, urnBTC, 1, urnMB), 10, 0, true)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOrderAddTrade(t *testing.T) {
	o := newTestOrder(t, MustAssetPair(50, urnBTC, 40, urnMC), 5000, Now(), true)
	o.SetVerified()
	other := orderIDOf('1', 1)

	require.NoError(t, o.ReserveQuantityForTick(other, bi(10)))
	require.NoError(t, o.ReleaseQuantityForTick(other, bi(10)))
	require.NoError(t, o.AddTrade(other, NewProductAmount(10, urnBTC)))
	assert.Equal(t, bi(10), o.TradedQuantity())
	assert.Equal(t, bi(40), o.AvailableQuantity())

	require.NoError(t, o.ReserveQuantityForTick(other, bi(40)))
	require.NoError(t, o.ReleaseQuantityForTick(other, bi(40)))
	require.NoError(t, o.AddTrade(other, NewProductAmount(40, urnMC)))
	require.NoError(t, o.AddTrade(other, NewProductAmount(40, urnBTC)))

	assert.True(t, o.IsComplete())
	assert.Equal(t, OrderStatusCompleted, o.Status())
	_, ok := o.CompletedTimestamp()
	assert.True(t, ok)

	assert.ErrorIs(t, o.AddTrade(other, NewProductAmount(1, urnMB)), ErrUrnMismatch)
}

func TestOrderHasAcceptablePrice(t *testing.T) {
	ask := newTestOrder(t, MustAssetPair(60, urnBTC, 30, urnMB), 5000, Now(), true)
	assert.False(t, ask.HasAcceptablePrice(MustAssetPair(60, urnBTC, 15, urnMB)))
	assert.True(t, ask.HasAcceptablePrice(MustAssetPair(60, urnBTC, 60, urnMB)))
	assert.True(t, ask.HasAcceptablePrice(MustAssetPair(60, urnBTC, 30, urnMB)))

	bid := newTestOrder(t, MustAssetPair(60, urnBTC, 30, urnMB), 5000, Now(), false)
	assert.True(t, bid.HasAcceptablePrice(MustAssetPair(60, urnBTC, 15, urnMB)))
	assert.False(t, bid.HasAcceptablePrice(MustAssetPair(60, urnBTC, 60, urnMB)))
	assert.True(t, bid.HasAcceptablePrice(MustAssetPair(60, urnBTC, 30, urnMB)))
}

func TestOrderProposalFor(t *testing.T) {
	ask := newTestOrder(t, MustAssetPair(5, urnBTC, 4, urnMB), 5000, Now(), true)
	p, ok := ask.ProposalFor(bi(5))
	assert.True(t, ok)
	assert.True(t, p.Equal(MustAssetPair(5, urnBTC, 4, urnMB)))

	p, ok = ask.ProposalFor(bi(2))
	assert.False(t, ok, "(2, 1) sells under the 0.8 limit")
	assert.True(t, p.Equal(MustAssetPair(2, urnBTC, 1, urnMB)))

	bid := newTestOrder(t, MustAssetPair(3, urnBTC, 2, urnMB), 5000, Now(), false)
	_, ok = bid.ProposalFor(bi(2))
	assert.True(t, ok)
	_, ok = bid.ProposalFor(bi(1))
	assert.False(t, ok, "(1, 0) has an empty leg")
}

func TestOrderReservations(t *testing.T) {
	o := newTestOrder(t, MustAssetPair(50, urnBTC, 40, urnMC), 5000, Now(), true)
	a, b := orderIDOf('1', 1), orderIDOf('2', 1)

	t.Run("insufficient", func(t *testing.T) {
		err := o.ReserveQuantityForTick(a, bi(500))
		assert.ErrorIs(t, err, ErrInsufficientCapacity)
		assert.Equal(t, bi(0), o.ReservedQuantity())
	})

	t.Run("accumulates", func(t *testing.T) {
		require.NoError(t, o.ReserveQuantityForTick(a, bi(5)))
		require.NoError(t, o.ReserveQuantityForTick(a, bi(5)))
		assert.Equal(t, bi(10), o.ReservedQuantityForTick(a))
		assert.Equal(t, bi(10), o.ReservedQuantity())
		assert.Equal(t, bi(40), o.AvailableQuantity())
	})

	t.Run("zero reservation", func(t *testing.T) {
		assert.ErrorIs(t, o.ReserveQuantityForTick(b, bi(0)), ErrValidation)
	})

	t.Run("over release", func(t *testing.T) {
		assert.ErrorIs(t, o.ReleaseQuantityForTick(a, bi(11)), ErrOverRelease)
		assert.Equal(t, bi(10), o.ReservedQuantityForTick(a))
	})

	t.Run("not reserved", func(t *testing.T) {
		assert.ErrorIs(t, o.ReleaseQuantityForTick(b, bi(1)), ErrTickWasNotReserved)
	})

	t.Run("release drops entry", func(t *testing.T) {
		require.NoError(t, o.ReleaseQuantityForTick(a, bi(10)))
		assert.Empty(t, o.Reservations())
		assert.ErrorIs(t, o.ReleaseQuantityForTick(a, bi(0)), ErrTickWasNotReserved)
	})
}

func TestOrderIsValid(t *testing.T) {
	now := Now()
	o := newTestOrder(t, MustAssetPair(60, urnBTC, 30, urnMB), 5000, now, true)
	assert.True(t, o.IsValidAt(now))

	stale := newTestOrder(t, MustAssetPair(60, urnBTC, 30, urnMB), 5, now-1_000_000, true)
	assert.False(t, stale.IsValidAt(now))
	assert.Equal(t, Timestamp(now-1_000_000+5000), Deadline(stale.Timestamp(), stale.Timeout()))
}

func TestOrderStatus(t *testing.T) {
	now := Now()
	o := newTestOrder(t, MustAssetPair(60, urnBTC, 30, urnMB), 0, now, true)
	assert.Equal(t, OrderStatusUnverified, o.StatusAt(now))

	o.SetVerified()
	assert.Equal(t, OrderStatusExpired, o.StatusAt(now))

	o = newTestOrder(t, MustAssetPair(60, urnBTC, 30, urnMB), 3600, now, true)
	o.SetVerified()
	assert.Equal(t, OrderStatusOpen, o.StatusAt(now))

	require.NoError(t, o.AddTrade(orderIDOf('1', 1), NewProductAmount(60, urnBTC)))
	require.NoError(t, o.AddTrade(orderIDOf('1', 1), NewProductAmount(30, urnMB)))
	assert.Equal(t, OrderStatusCompleted, o.StatusAt(now))

	o.Cancel()
	assert.Equal(t, OrderStatusCancelled, o.StatusAt(now))
}

func TestOrderToDictionary(t *testing.T) {
	o, err := NewOrder(orderIDOf('0', 3), MustAssetPair(60, urnBTC, 30, urnMB), 3600, 0, true)
	require.NoError(t, err)
	o.SetVerified()
	require.NoError(t, o.ReserveQuantityForTick(orderIDOf('1', 1), bi(5)))

	data, err := json.Marshal(o.ToDictionary())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"trader_id": "3030303030303030303030303030303030303030",
		"cancelled": false,
		"completed_timestamp": null,
		"is_ask": true,
		"order_number": 3,
		"assets": {
			"first": {"amount": 60, "type": "urn:test:btc"},
			"second": {"amount": 30, "type": "urn:test:mb"}
		},
		"reserved_quantity": 5,
		"traded": 0,
		"received": 0,
		"status": "expired",
		"timeout": 3600,
		"timestamp": 0
	}`, string(data))
}

func TestOrderStateRoundTrip(t *testing.T) {
	o := newTestOrder(t, MustAssetPair(60, urnBTC, 30, urnMB), 3600, Now(), false)
	o.SetVerified()
	require.NoError(t, o.ReserveQuantityForTick(orderIDOf('1', 1), bi(7)))
	require.NoError(t, o.AddTrade(orderIDOf('1', 1), NewProductAmount(3, urnBTC)))

	restored, err := RestoreOrder(o.State())
	require.NoError(t, err)
	assert.Equal(t, o.State(), restored.State())

	state := o.State()
	state.Reservations[orderIDOf('2', 1)] = bi(100)
	_, err = RestoreOrder(state)
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
}

func TestOrderCloneIsIndependent(t *testing.T) {
	o := newTestOrder(t, MustAssetPair(60, urnBTC, 30, urnMB), 3600, Now(), true)
	c := o.Clone()
	require.NoError(t, c.ReserveQuantityForTick(orderIDOf('1', 1), bi(10)))
	assert.Equal(t, bi(0), o.ReservedQuantity())
}

// reserved + traded never exceeds the order's total, whatever mix of
// reserve, release and settle operations is applied.
func TestOrderReservationInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.Uint64Range(1, 1000).Draw(t, "total")
		o, err := NewOrder(orderIDOf('0', 1), MustAssetPair(total, urnBTC, total*2, urnMB), 3600, Now(), true)
		if err != nil {
			t.Fatal(err)
		}
		counterparties := []OrderID{orderIDOf('1', 1), orderIDOf('2', 1), orderIDOf('3', 1)}

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			cp := rapid.SampledFrom(counterparties).Draw(t, "counterparty")
			qty := big.NewInt(int64(rapid.Uint64Range(0, total+5).Draw(t, "qty")))
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				_ = o.ReserveQuantityForTick(cp, qty)
			case 1:
				_ = o.ReleaseQuantityForTick(cp, qty)
			case 2:
				held := o.ReservedQuantityForTick(cp)
				if held.Sign() == 0 {
					continue
				}
				if err := o.ReleaseQuantityForTick(cp, held); err != nil {
					t.Fatalf("release held: %v", err)
				}
				if err := o.AddTrade(cp, NewProductAmount(held.Uint64(), urnBTC)); err != nil {
					t.Fatalf("add trade: %v", err)
				}
			}

			used := new(big.Int).Add(o.ReservedQuantity(), o.TradedQuantity())
			if used.Cmp(o.TotalQuantity()) > 0 {
				t.Fatalf("reserved %s + traded %s exceeds total %s", o.ReservedQuantity(), o.TradedQuantity(), o.TotalQuantity())
			}
			for id, q := range o.Reservations() {
				if q.Sign() <= 0 {
					t.Fatalf("non-positive reservation %s for %s", q, id)
				}
			}
		}
	})
}
