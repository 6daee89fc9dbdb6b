package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

func TestSidePrices(t *testing.T) {
	side := NewSide()
	_, ok := side.MaxPrice(urnMB, urnBTC)
	assert.False(t, ok)
	_, ok = side.MinPrice(urnMB, urnBTC)
	assert.False(t, ok)

	now := domain.Now()
	_, err := side.InsertTick(newTick(oid('0', 1), 60, 30, true, now))
	require.NoError(t, err)
	_, err = side.InsertTick(newTick(oid('1', 2), 120, 30, true, now))
	require.NoError(t, err)

	maxPrice, ok := side.MaxPrice(urnMB, urnBTC)
	require.True(t, ok)
	assert.True(t, maxPrice.Equal(price(1, 2)))
	minPrice, ok := side.MinPrice(urnMB, urnBTC)
	require.True(t, ok)
	assert.True(t, minPrice.Equal(price(1, 4)))
}

func TestSideInsertRemove(t *testing.T) {
	side := NewSide()
	now := domain.Now()
	assert.Equal(t, 0, side.Len())
	assert.False(t, side.TickExists(oid('0', 1)))

	_, err := side.InsertTick(newTick(oid('0', 1), 60, 30, true, now))
	require.NoError(t, err)
	_, err = side.InsertTick(newTick(oid('1', 2), 120, 30, true, now))
	require.NoError(t, err)
	assert.Equal(t, 2, side.Len())
	assert.True(t, side.TickExists(oid('0', 1)))

	_, err = side.InsertTick(newTick(oid('0', 1), 60, 30, true, now))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = side.RemoveTick(oid('0', 1))
	require.NoError(t, err)
	assert.Equal(t, 1, side.Len())
	_, ok := side.PriceLevel(price(1, 2))
	assert.False(t, ok, "empty level is dropped")

	_, err = side.RemoveTick(oid('1', 2))
	require.NoError(t, err)
	assert.Equal(t, 0, side.Len())
	assert.Empty(t, side.Markets())

	_, err = side.RemoveTick(oid('1', 2))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSideSharedLevel(t *testing.T) {
	side := NewSide()
	now := domain.Now()
	_, err := side.InsertTick(newTick(oid('0', 1), 60, 30, true, now))
	require.NoError(t, err)
	_, err = side.InsertTick(newTick(oid('1', 1), 20, 10, true, now))
	require.NoError(t, err)

	level, ok := side.PriceLevel(price(1, 2))
	require.True(t, ok)
	assert.Equal(t, 2, level.Len())
	assert.Equal(t, bi(80), level.Depth())
	assert.Len(t, side.Levels(urnMB, urnBTC, true), 1)
}

func TestSideListRepresentation(t *testing.T) {
	side := NewSide()
	assert.Empty(t, side.Markets())
	assert.Empty(t, side.ListRepresentation())

	_, err := side.InsertTick(newTick(oid('0', 1), 60, 30, true, domain.Now()))
	require.NoError(t, err)

	assert.Equal(t, []Market{{PriceUrn: urnMB, QuantityUrn: urnBTC}}, side.Markets())
	list := side.ListRepresentation()
	require.Len(t, list, 1)
	require.Len(t, list[0].Ticks, 1)
	assert.Equal(t, domain.OrderNumber(1), list[0].Ticks[0].OrderNumber)
}

func TestSideLevelsOrdering(t *testing.T) {
	side := NewSide()
	now := domain.Now()
	for i, second := range []uint64{30, 10, 20} {
		_, err := side.InsertTick(newTick(oid('0', domain.OrderNumber(i+1)), 100, second, false, now))
		require.NoError(t, err)
	}

	var asc, desc []string
	for _, l := range side.Levels(urnMB, urnBTC, true) {
		asc = append(asc, l.Price().Decimal())
	}
	for _, l := range side.Levels(urnMB, urnBTC, false) {
		desc = append(desc, l.Price().Decimal())
	}
	assert.Equal(t, []string{"0.1", "0.2", "0.3"}, asc)
	assert.Equal(t, []string{"0.3", "0.2", "0.1"}, desc)
}
