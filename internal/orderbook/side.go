package orderbook

import (
	"cmp"
	"fmt"
	"math/big"
	"slices"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// Market names an asset-pair market: prices are quoted in PriceUrn per unit
// of QuantityUrn.
type Market struct {
	PriceUrn    domain.Urn `json:"price_urn"`
	QuantityUrn domain.Urn `json:"quantity_urn"`
}

// MarketOf returns the market a pair trades in.
func MarketOf(assets domain.AssetPair) Market {
	return Market{PriceUrn: assets.Second.Urn(), QuantityUrn: assets.First.Urn()}
}

func marketOfPrice(p domain.Price) Market {
	return Market{PriceUrn: p.NumUrn(), QuantityUrn: p.DenomUrn()}
}

func compareMarkets(a, b Market) int {
	if c := cmp.Compare(a.PriceUrn.String(), b.PriceUrn.String()); c != 0 {
		return c
	}
	return cmp.Compare(a.QuantityUrn.String(), b.QuantityUrn.String())
}

// MarketTicks lists the ticks of one market, lowest price first.
type MarketTicks struct {
	Market
	Ticks []domain.TickDict `json:"ticks"`
}

type market struct {
	levels map[string]*PriceLevel // keyed by Price.Key
	prices []domain.Price         // ascending
}

type location struct {
	market Market
	level  *PriceLevel
	handle Handle
}

// Side holds one direction of the book for every market. It is not safe for
// concurrent use; the OrderBook serialises access.
type Side struct {
	markets map[Market]*market
	index   map[domain.OrderID]location
}

func NewSide() *Side {
	return &Side{
		markets: make(map[Market]*market),
		index:   make(map[domain.OrderID]location),
	}
}

// Len is the number of ticks on the side.
func (s *Side) Len() int { return len(s.index) }

// InsertTick places tick at the tail of its price level, creating the level
// when needed.
func (s *Side) InsertTick(tick *domain.Tick) (*Entry, error) {
	if _, ok := s.index[tick.OrderID]; ok {
		return nil, fmt.Errorf("%w: tick %s", domain.ErrAlreadyExists, tick.OrderID)
	}
	key := MarketOf(tick.Assets)
	m, ok := s.markets[key]
	if !ok {
		m = &market{levels: make(map[string]*PriceLevel)}
		s.markets[key] = m
	}
	price := tick.Price()
	level, ok := m.levels[price.Key()]
	if !ok {
		level = NewPriceLevel(price)
		m.levels[price.Key()] = level
		i, _ := slices.BinarySearchFunc(m.prices, price, domain.Price.Cmp)
		m.prices = slices.Insert(m.prices, i, price)
	}
	e := newEntry(tick)
	s.index[tick.OrderID] = location{market: key, level: level, handle: level.Append(e)}
	return e, nil
}

// RemoveTick takes the tick out of the side, dropping its level and market
// once they are empty.
func (s *Side) RemoveTick(id domain.OrderID) (*domain.Tick, error) {
	loc, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: tick %s", domain.ErrNotFound, id)
	}
	e, err := loc.level.Remove(loc.handle)
	if err != nil {
		return nil, err
	}
	delete(s.index, id)
	if loc.level.Len() == 0 {
		m := s.markets[loc.market]
		price := loc.level.Price()
		delete(m.levels, price.Key())
		if i, found := slices.BinarySearchFunc(m.prices, price, domain.Price.Cmp); found {
			m.prices = slices.Delete(m.prices, i, i+1)
		}
		if len(m.levels) == 0 {
			delete(s.markets, loc.market)
		}
	}
	return e.tick, nil
}

func (s *Side) TickExists(id domain.OrderID) bool {
	_, ok := s.index[id]
	return ok
}

// Entry returns the resting entry for id.
func (s *Side) Entry(id domain.OrderID) (*Entry, bool) {
	loc, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return loc.level.Get(loc.handle)
}

// AddTraded books quantity against the tick and reports what remains.
func (s *Side) AddTraded(id domain.OrderID, quantity *big.Int) (*big.Int, error) {
	loc, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: tick %s", domain.ErrNotFound, id)
	}
	e, err := loc.level.addTraded(loc.handle, quantity)
	if err != nil {
		return nil, err
	}
	return e.tick.Remaining(), nil
}

// MaxPrice is the highest price in the market.
func (s *Side) MaxPrice(priceUrn, quantityUrn domain.Urn) (domain.Price, bool) {
	m, ok := s.markets[Market{PriceUrn: priceUrn, QuantityUrn: quantityUrn}]
	if !ok || len(m.prices) == 0 {
		return domain.Price{}, false
	}
	return m.prices[len(m.prices)-1], true
}

// MinPrice is the lowest price in the market.
func (s *Side) MinPrice(priceUrn, quantityUrn domain.Urn) (domain.Price, bool) {
	m, ok := s.markets[Market{PriceUrn: priceUrn, QuantityUrn: quantityUrn}]
	if !ok || len(m.prices) == 0 {
		return domain.Price{}, false
	}
	return m.prices[0], true
}

// PriceLevel returns the level at exactly price.
func (s *Side) PriceLevel(price domain.Price) (*PriceLevel, bool) {
	m, ok := s.markets[marketOfPrice(price)]
	if !ok {
		return nil, false
	}
	l, ok := m.levels[price.Key()]
	return l, ok
}

// Levels returns the market's levels sorted by price.
func (s *Side) Levels(priceUrn, quantityUrn domain.Urn, ascending bool) []*PriceLevel {
	m, ok := s.markets[Market{PriceUrn: priceUrn, QuantityUrn: quantityUrn}]
	if !ok {
		return nil
	}
	out := make([]*PriceLevel, 0, len(m.prices))
	for _, p := range m.prices {
		out = append(out, m.levels[p.Key()])
	}
	if !ascending {
		slices.Reverse(out)
	}
	return out
}

// Markets lists the markets with at least one tick, in a stable order.
func (s *Side) Markets() []Market {
	out := make([]Market, 0, len(s.markets))
	for k := range s.markets {
		out = append(out, k)
	}
	slices.SortFunc(out, compareMarkets)
	return out
}

// ListRepresentation dumps every tick grouped by market.
func (s *Side) ListRepresentation() []MarketTicks {
	var out []MarketTicks
	for _, mk := range s.Markets() {
		mt := MarketTicks{Market: mk}
		for _, level := range s.Levels(mk.PriceUrn, mk.QuantityUrn, true) {
			for _, e := range level.Entries() {
				mt.Ticks = append(mt.Ticks, e.tick.ToDictionary())
			}
		}
		out = append(out, mt)
	}
	return out
}

// OrderIDs lists the ids of all resting ticks.
func (s *Side) OrderIDs() []domain.OrderID {
	out := make([]domain.OrderID, 0, len(s.index))
	for id := range s.index {
		out = append(out, id)
	}
	return out
}
