package orderbook

import (
	"math/big"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// Match is a counterparty tick and the first-asset quantity to negotiate
// with it.
type Match struct {
	Tick     *domain.Tick
	Quantity *big.Int
}

// FindMatches walks the opposite side of tick's market in price-time
// priority and returns candidates until tick's remaining quantity is
// covered. Ticks of the same trader, invalid ticks, ticks already pledged to
// tick's order and ticks at a price tick would not accept are skipped.
func (b *OrderBook) FindMatches(tick *domain.Tick) []Match {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	need := tick.Remaining()
	if need.Sign() == 0 {
		return nil
	}
	limit := tick.Price()
	mk := MarketOf(tick.Assets)

	// An ask sells into the dearest bids; a bid buys the cheapest asks.
	var levels []*PriceLevel
	if tick.IsAsk {
		levels = b.bids.Levels(mk.PriceUrn, mk.QuantityUrn, false)
	} else {
		levels = b.asks.Levels(mk.PriceUrn, mk.QuantityUrn, true)
	}

	var out []Match
	for _, l := range levels {
		c := l.Price().Cmp(limit)
		if (tick.IsAsk && c < 0) || (!tick.IsAsk && c > 0) {
			break
		}
		for _, e := range l.Entries() {
			if e.tick.OrderID.TraderID == tick.OrderID.TraderID {
				continue
			}
			if !e.IsValidAt(now) || e.IsBlockedForMatching(tick.OrderID, now) {
				continue
			}
			qty := e.tick.Remaining()
			if qty.Cmp(need) > 0 {
				qty.Set(need)
			}
			out = append(out, Match{Tick: e.Tick(), Quantity: qty})
			need.Sub(need, qty)
			if need.Sign() == 0 {
				return out
			}
		}
	}
	return out
}
