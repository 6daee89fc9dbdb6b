package orderbook

import (
	"bytes"
	"math/big"
	"sync/atomic"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

var (
	urnBTC = domain.MustUrn("urn:test:btc")
	urnMB  = domain.MustUrn("urn:test:mb")
)

func oid(c byte, n domain.OrderNumber) domain.OrderID {
	id, err := domain.NewTraderID(bytes.Repeat([]byte{c}, domain.TraderIDLen))
	if err != nil {
		panic(err)
	}
	return domain.OrderID{TraderID: id, OrderNumber: n}
}

func newTick(id domain.OrderID, first, second uint64, isAsk bool, now domain.Timestamp) *domain.Tick {
	return domain.NewTick(id, domain.MustAssetPair(first, urnBTC, second, urnMB), 100, now, isAsk)
}

func price(num, denom int64) domain.Price { return domain.NewPrice(num, denom, urnMB, urnBTC) }

func bi(n int64) *big.Int { return big.NewInt(n) }

// fakeClock is a settable clock for the book.
type fakeClock struct{ ms atomic.Int64 }

func newFakeClock(start domain.Timestamp) *fakeClock {
	c := &fakeClock{}
	c.ms.Store(int64(start))
	return c
}

func (c *fakeClock) Now() domain.Timestamp   { return domain.Timestamp(c.ms.Load()) }
func (c *fakeClock) Advance(ms int64)        { c.ms.Add(ms) }
func (c *fakeClock) Set(ts domain.Timestamp) { c.ms.Store(int64(ts)) }
