package orderbook

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

func orderNumbers(entries []*Entry) []domain.OrderNumber {
	out := make([]domain.OrderNumber, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.tick.OrderID.OrderNumber)
	}
	return out
}

func TestPriceLevelAppendAndLength(t *testing.T) {
	level := NewPriceLevel(price(50, 5))
	assert.Equal(t, 0, level.Len())

	for i := 1; i <= 4; i++ {
		level.Append(newEntry(newTick(oid('0', domain.OrderNumber(i)), 60, 30, true, 0)))
	}
	assert.Equal(t, 4, level.Len())
	assert.Equal(t, bi(240), level.Depth())
}

func TestPriceLevelFIFORemoval(t *testing.T) {
	level := NewPriceLevel(price(1, 2))
	h1 := level.Append(newEntry(newTick(oid('0', 1), 60, 30, true, 0)))
	h2 := level.Append(newEntry(newTick(oid('0', 2), 30, 15, true, 0)))
	h3 := level.Append(newEntry(newTick(oid('0', 3), 10, 5, true, 0)))

	_, err := level.Remove(h2)
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderNumber{1, 3}, orderNumbers(level.Entries()))
	assert.Equal(t, 2, level.Len())
	assert.Equal(t, bi(70), level.Depth())

	next, ok := level.Next(h1)
	require.True(t, ok)
	assert.Equal(t, h3, next)
	prev, ok := level.Prev(h3)
	require.True(t, ok)
	assert.Equal(t, h1, prev)

	_, err = level.Remove(h2)
	assert.ErrorIs(t, err, domain.ErrNotFound, "stale handle")

	_, err = level.Remove(h1)
	require.NoError(t, err)
	_, err = level.Remove(h3)
	require.NoError(t, err)
	assert.Equal(t, 0, level.Len())
	assert.Equal(t, bi(0), level.Depth())
	_, ok = level.Front()
	assert.False(t, ok)
}

func TestPriceLevelSlotReuseInvalidatesOldHandle(t *testing.T) {
	level := NewPriceLevel(price(1, 2))
	old := level.Append(newEntry(newTick(oid('0', 1), 60, 30, true, 0)))
	_, err := level.Remove(old)
	require.NoError(t, err)

	fresh := level.Append(newEntry(newTick(oid('0', 2), 60, 30, true, 0)))
	assert.NotEqual(t, old, fresh)
	_, ok := level.Get(old)
	assert.False(t, ok)
	e, ok := level.Get(fresh)
	require.True(t, ok)
	assert.Equal(t, domain.OrderNumber(2), e.tick.OrderID.OrderNumber)
}

func TestPriceLevelString(t *testing.T) {
	level := NewPriceLevel(price(1, 2))
	tick := newTick(oid('0', 1), 60, 30, true, 0)
	level.Append(newEntry(tick))
	level.Append(newEntry(tick.Clone()))
	assert.Equal(t,
		"60 urn:test:btc\t@\t0.5 urn:test:mb\n60 urn:test:btc\t@\t0.5 urn:test:mb\n",
		level.String())
}

func TestPriceLevelAddTradedKeepsDepth(t *testing.T) {
	level := NewPriceLevel(price(1, 2))
	h := level.Append(newEntry(newTick(oid('0', 1), 60, 30, true, 0)))

	e, err := level.addTraded(h, bi(20))
	require.NoError(t, err)
	assert.Equal(t, bi(40), e.tick.Remaining())
	assert.Equal(t, bi(40), level.Depth())

	_, err = level.addTraded(h, bi(100))
	require.NoError(t, err)
	assert.Equal(t, bi(0), level.Depth(), "traded is capped at the tick amount")
}

// A level behaves like a FIFO queue: entries come back in append order with
// any removed ones skipped, and depth is the sum of what remains.
func TestPriceLevelMatchesQueueModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		level := NewPriceLevel(price(1, 2))
		type held struct {
			h   Handle
			n   domain.OrderNumber
			qty int64
		}
		var model []held
		next := domain.OrderNumber(1)

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(model) == 0 || rapid.Bool().Draw(t, "append") {
				qty := rapid.Int64Range(1, 1000).Draw(t, "qty")
				tick := domain.NewTick(oid('0', next), domain.MustAssetPair(uint64(qty), urnBTC, uint64(qty), urnMB), 100, 0, true)
				model = append(model, held{h: level.Append(newEntry(tick)), n: next, qty: qty})
				next++
			} else {
				i := rapid.IntRange(0, len(model)-1).Draw(t, "victim")
				if _, err := level.Remove(model[i].h); err != nil {
					t.Fatalf("remove live handle: %v", err)
				}
				model = append(model[:i], model[i+1:]...)
			}

			want := make([]domain.OrderNumber, 0, len(model))
			depth := new(big.Int)
			for _, m := range model {
				want = append(want, m.n)
				depth.Add(depth, big.NewInt(m.qty))
			}
			got := orderNumbers(level.Entries())
			if len(got) != len(want) {
				t.Fatalf("entries %v, want %v", got, want)
			}
			for j := range want {
				if got[j] != want[j] {
					t.Fatalf("entries %v, want %v", got, want)
				}
			}
			if level.Len() != len(model) || level.Depth().Cmp(depth) != 0 {
				t.Fatalf("len %d depth %s, want %d %s", level.Len(), level.Depth(), len(model), depth)
			}
		}
	})
}
