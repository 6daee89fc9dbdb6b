package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// DefaultBlockTTL is how long a tick stays pledged to a counterparty when
// no explicit unblock arrives.
const DefaultBlockTTL = 10 * time.Second

// Config configures an OrderBook.
type Config struct {
	BlockTTL time.Duration
	Now      func() domain.Timestamp
	// OnExpired and OnInvalidTick are called outside the book lock.
	OnExpired     func(*domain.Tick)
	OnInvalidTick func(*domain.Tick)
	Logger        *slog.Logger
}

// DepthPoint is one step of a depth profile.
type DepthPoint struct {
	Price domain.Price
	Depth *big.Int
}

// LevelInfo is a read-only view of a price level.
type LevelInfo struct {
	Price domain.Price
	Depth *big.Int
	Len   int
	Ticks []*domain.Tick
}

// OrderBook holds the ask and bid sides of every market this node knows
// about. All operations are safe for concurrent use; every structural change
// completes under one lock.
type OrderBook struct {
	mu           sync.Mutex
	asks         *Side
	bids         *Side
	expiry       *expiryQueue
	completed    []domain.OrderID
	completedSet map[domain.OrderID]struct{}
	closed       bool

	blockTTL  time.Duration
	now       func() domain.Timestamp
	onExpired func(*domain.Tick)
	onInvalid func(*domain.Tick)
	logger    *slog.Logger
}

// New creates an empty book.
func New(cfg Config) *OrderBook {
	if cfg.BlockTTL <= 0 {
		cfg.BlockTTL = DefaultBlockTTL
	}
	if cfg.Now == nil {
		cfg.Now = domain.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OrderBook{
		asks:         NewSide(),
		bids:         NewSide(),
		expiry:       newExpiryQueue(),
		completedSet: make(map[domain.OrderID]struct{}),
		blockTTL:     cfg.BlockTTL,
		now:          cfg.Now,
		onExpired:    cfg.OnExpired,
		onInvalid:    cfg.OnInvalidTick,
		logger:       cfg.Logger.With(slog.String("component", "orderbook")),
	}
}

// InsertAsk places an ask tick in the book and schedules its expiry.
// Expired or empty ticks are rejected with ErrInvalidTick.
func (b *OrderBook) InsertAsk(tick *domain.Tick) error { return b.insert(tick, true) }

// InsertBid places a bid tick in the book and schedules its expiry.
func (b *OrderBook) InsertBid(tick *domain.Tick) error { return b.insert(tick, false) }

func (b *OrderBook) insert(tick *domain.Tick, isAsk bool) error {
	b.mu.Lock()
	err := b.insertLocked(tick, isAsk)
	b.mu.Unlock()

	if err != nil && b.onInvalid != nil && errors.Is(err, domain.ErrInvalidTick) {
		b.onInvalid(tick.Clone())
	}
	return err
}

func (b *OrderBook) insertLocked(tick *domain.Tick, isAsk bool) error {
	if b.closed {
		return domain.ErrBookClosed
	}
	if !tick.IsValidAt(b.now()) {
		b.logger.Debug("orderbook: invalid tick rejected", slog.String("order_id", tick.OrderID.String()))
		return fmt.Errorf("%w: tick %s is expired or empty", domain.ErrInvalidTick, tick.OrderID)
	}
	if b.asks.TickExists(tick.OrderID) || b.bids.TickExists(tick.OrderID) {
		return fmt.Errorf("orderbook: insert: %w: tick %s", domain.ErrAlreadyExists, tick.OrderID)
	}
	t := tick.Clone()
	t.IsAsk = isAsk
	if _, err := b.side(isAsk).InsertTick(t); err != nil {
		return fmt.Errorf("orderbook: insert: %w", err)
	}
	b.expiry.schedule(t.OrderID, t.Deadline(), isAsk)
	return nil
}

func (b *OrderBook) side(isAsk bool) *Side {
	if isAsk {
		return b.asks
	}
	return b.bids
}

// RemoveAsk removes an ask and cancels its expiry.
func (b *OrderBook) RemoveAsk(id domain.OrderID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.removeLocked(id, true)
	return err
}

// RemoveBid removes a bid and cancels its expiry.
func (b *OrderBook) RemoveBid(id domain.OrderID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.removeLocked(id, false)
	return err
}

// RemoveTick removes the tick from whichever side holds it.
func (b *OrderBook) RemoveTick(id domain.OrderID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.removeAnyLocked(id)
	return err
}

func (b *OrderBook) removeAnyLocked(id domain.OrderID) (*domain.Tick, error) {
	if b.asks.TickExists(id) {
		return b.removeLocked(id, true)
	}
	return b.removeLocked(id, false)
}

func (b *OrderBook) removeLocked(id domain.OrderID, isAsk bool) (*domain.Tick, error) {
	tick, err := b.side(isAsk).RemoveTick(id)
	if err != nil {
		return nil, err
	}
	b.expiry.cancel(id)
	return tick, nil
}

// TimeoutAsk expires an ask immediately and returns it.
func (b *OrderBook) TimeoutAsk(id domain.OrderID) (*domain.Tick, error) { return b.timeout(id, true) }

// TimeoutBid expires a bid immediately and returns it.
func (b *OrderBook) TimeoutBid(id domain.OrderID) (*domain.Tick, error) { return b.timeout(id, false) }

func (b *OrderBook) timeout(id domain.OrderID, isAsk bool) (*domain.Tick, error) {
	b.mu.Lock()
	tick, err := b.removeLocked(id, isAsk)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	b.logger.Info("orderbook: tick timed out", slog.String("order_id", id.String()), slog.Bool("is_ask", isAsk))
	if b.onExpired != nil {
		b.onExpired(tick.Clone())
	}
	return tick, nil
}

// ExpireDue removes every tick whose deadline has passed at now.
func (b *OrderBook) ExpireDue(now domain.Timestamp) []*domain.Tick {
	b.mu.Lock()
	var expired []*domain.Tick
	for _, item := range b.expiry.popDue(now) {
		tick, err := b.side(item.isAsk).RemoveTick(item.id)
		if err != nil {
			continue
		}
		expired = append(expired, tick)
	}
	b.mu.Unlock()

	for _, tick := range expired {
		b.logger.Info("orderbook: tick expired",
			slog.String("order_id", tick.OrderID.String()),
			slog.Bool("is_ask", tick.IsAsk),
		)
		if b.onExpired != nil {
			b.onExpired(tick.Clone())
		}
	}
	return expired
}

// Run polls the expiry queue every interval until ctx is done or the book
// is shut down.
func (b *OrderBook) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info("orderbook: expiry loop started", slog.Duration("interval", interval))
	defer b.logger.Info("orderbook: expiry loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.isClosed() {
				return nil
			}
			b.ExpireDue(b.now())
		}
	}
}

// Shutdown drops every scheduled expiry and refuses further inserts. It is
// safe to call more than once.
func (b *OrderBook) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	n := b.expiry.clear()
	b.logger.Info("orderbook: shut down", slog.Int("cancelled_expiries", n))
}

func (b *OrderBook) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// PendingExpiries reports how many ticks are waiting to expire.
func (b *OrderBook) PendingExpiries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expiry.Len()
}

// NextExpiry is the earliest scheduled deadline.
func (b *OrderBook) NextExpiry() (domain.Timestamp, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expiry.next()
}

func (b *OrderBook) TickExists(id domain.OrderID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.asks.TickExists(id) || b.bids.TickExists(id)
}

func (b *OrderBook) AskExists(id domain.OrderID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.asks.TickExists(id)
}

func (b *OrderBook) BidExists(id domain.OrderID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bids.TickExists(id)
}

// Tick returns a copy of the tick with id from either side.
func (b *OrderBook) Tick(id domain.OrderID) (*domain.Tick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.asks.Entry(id); ok {
		return e.Tick(), true
	}
	if e, ok := b.bids.Entry(id); ok {
		return e.Tick(), true
	}
	return nil, false
}

func (b *OrderBook) Ask(id domain.OrderID) (*domain.Tick, bool) { return b.sideTick(id, true) }
func (b *OrderBook) Bid(id domain.OrderID) (*domain.Tick, bool) { return b.sideTick(id, false) }

func (b *OrderBook) sideTick(id domain.OrderID, isAsk bool) (*domain.Tick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.side(isAsk).Entry(id)
	if !ok {
		return nil, false
	}
	return e.Tick(), true
}

// AskCount and BidCount report the number of ticks on each side.
func (b *OrderBook) AskCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.asks.Len()
}

func (b *OrderBook) BidCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bids.Len()
}

// OrderIDs lists every resting tick, asks first.
func (b *OrderBook) OrderIDs() []domain.OrderID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(b.asks.OrderIDs(), b.bids.OrderIDs()...)
}

// AskPrice is the lowest ask price in the market.
func (b *OrderBook) AskPrice(priceUrn, quantityUrn domain.Urn) (domain.Price, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.asks.MinPrice(priceUrn, quantityUrn)
}

// BidPrice is the highest bid price in the market.
func (b *OrderBook) BidPrice(priceUrn, quantityUrn domain.Urn) (domain.Price, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bids.MaxPrice(priceUrn, quantityUrn)
}

// AskPriceLevel describes the best ask level.
func (b *OrderBook) AskPriceLevel(priceUrn, quantityUrn domain.Urn) (LevelInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.asks.MinPrice(priceUrn, quantityUrn)
	if !ok {
		return LevelInfo{}, false
	}
	l, _ := b.asks.PriceLevel(p)
	return levelInfo(l), true
}

// BidPriceLevel describes the best bid level.
func (b *OrderBook) BidPriceLevel(priceUrn, quantityUrn domain.Urn) (LevelInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.bids.MaxPrice(priceUrn, quantityUrn)
	if !ok {
		return LevelInfo{}, false
	}
	l, _ := b.bids.PriceLevel(p)
	return levelInfo(l), true
}

func levelInfo(l *PriceLevel) LevelInfo {
	info := LevelInfo{Price: l.Price(), Depth: l.Depth(), Len: l.Len()}
	for _, e := range l.Entries() {
		info.Ticks = append(info.Ticks, e.Tick())
	}
	return info
}

// BidAskSpread is the best bid price minus the best ask price. A side with
// no ticks contributes zero.
func (b *OrderBook) BidAskSpread(priceUrn, quantityUrn domain.Urn) domain.Price {
	b.mu.Lock()
	defer b.mu.Unlock()
	bid, ok := b.bids.MaxPrice(priceUrn, quantityUrn)
	if !ok {
		bid = domain.ZeroPrice(priceUrn, quantityUrn)
	}
	ask, ok := b.asks.MinPrice(priceUrn, quantityUrn)
	if !ok {
		ask = domain.ZeroPrice(priceUrn, quantityUrn)
	}
	return bid.Sub(ask)
}

// AskSideDepth is the ask quantity offered at price or cheaper.
func (b *OrderBook) AskSideDepth(price domain.Price) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := new(big.Int)
	for _, l := range b.asks.Levels(price.NumUrn(), price.DenomUrn(), true) {
		if l.Price().Cmp(price) > 0 {
			break
		}
		total.Add(total, l.depth)
	}
	return total
}

// BidSideDepth is the bid quantity wanted at price or dearer.
func (b *OrderBook) BidSideDepth(price domain.Price) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := new(big.Int)
	for _, l := range b.bids.Levels(price.NumUrn(), price.DenomUrn(), false) {
		if l.Price().Cmp(price) < 0 {
			break
		}
		total.Add(total, l.depth)
	}
	return total
}

// AskSideDepthProfile lists cumulative ask depth, cheapest level first.
func (b *OrderBook) AskSideDepthProfile(priceUrn, quantityUrn domain.Urn) []DepthPoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return depthProfile(b.asks.Levels(priceUrn, quantityUrn, true))
}

// BidSideDepthProfile lists cumulative bid depth, dearest level first.
func (b *OrderBook) BidSideDepthProfile(priceUrn, quantityUrn domain.Urn) []DepthPoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return depthProfile(b.bids.Levels(priceUrn, quantityUrn, false))
}

func depthProfile(levels []*PriceLevel) []DepthPoint {
	out := make([]DepthPoint, 0, len(levels))
	total := new(big.Int)
	for _, l := range levels {
		total.Add(total, l.depth)
		out = append(out, DepthPoint{Price: l.Price(), Depth: new(big.Int).Set(total)})
	}
	return out
}

// AskList and BidList dump each side grouped by market.
func (b *OrderBook) AskList() []MarketTicks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.asks.ListRepresentation()
}

func (b *OrderBook) BidList() []MarketTicks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bids.ListRepresentation()
}

// BlockForMatching pledges the tick to counterparty for the block TTL. It
// returns false when the pledge is already in place.
func (b *OrderBook) BlockForMatching(tickID, counterparty domain.OrderID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entryLocked(tickID)
	if !ok {
		return false, fmt.Errorf("orderbook: block: %w: tick %s", domain.ErrNotFound, tickID)
	}
	return e.BlockForMatching(counterparty, b.now(), b.blockTTL), nil
}

func (b *OrderBook) IsBlockedForMatching(tickID, counterparty domain.OrderID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entryLocked(tickID)
	return ok && e.IsBlockedForMatching(counterparty, b.now())
}

// UnblockForMatching lifts a pledge. A missing tick is not an error.
func (b *OrderBook) UnblockForMatching(tickID, counterparty domain.OrderID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entryLocked(tickID); ok {
		e.UnblockForMatching(counterparty)
	}
}

func (b *OrderBook) entryLocked(id domain.OrderID) (*Entry, bool) {
	if e, ok := b.asks.Entry(id); ok {
		return e, true
	}
	return b.bids.Entry(id)
}

// UpdateTicks applies a settled trade of traded first-asset units to the
// ask and bid it was made between. A tick with nothing left is removed and
// its order recorded as completed. A tick the book has not seen is inserted
// when the update shows quantity left, or recorded as completed when it
// shows none.
func (b *OrderBook) UpdateTicks(ask, bid domain.TickDict, traded *big.Int) error {
	// Both sides decode before either is applied.
	ask.IsAsk, bid.IsAsk = true, false
	askTick, err := domain.TickFromDictionary(ask)
	if err != nil {
		return fmt.Errorf("orderbook: update ask: %w", err)
	}
	bidTick, err := domain.TickFromDictionary(bid)
	if err != nil {
		return fmt.Errorf("orderbook: update bid: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.updateTickLocked(askTick, traded); err != nil {
		return fmt.Errorf("orderbook: update ask: %w", err)
	}
	if err := b.updateTickLocked(bidTick, traded); err != nil {
		return fmt.Errorf("orderbook: update bid: %w", err)
	}
	return nil
}

func (b *OrderBook) updateTickLocked(tick *domain.Tick, traded *big.Int) error {
	isAsk := tick.IsAsk
	id := tick.OrderID

	side := b.side(isAsk)
	if side.TickExists(id) {
		remaining, err := side.AddTraded(id, traded)
		if err != nil {
			return err
		}
		if remaining.Sign() == 0 {
			if _, err := b.removeLocked(id, isAsk); err != nil {
				return err
			}
			b.markCompletedLocked(id)
		}
		return nil
	}

	if tick.Remaining().Sign() > 0 {
		if _, done := b.completedSet[id]; done {
			return nil
		}
		if err := b.insertLocked(tick, isAsk); err != nil {
			b.logger.Debug("orderbook: skipped learned tick",
				slog.String("order_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	b.markCompletedLocked(id)
	return nil
}

func (b *OrderBook) markCompletedLocked(id domain.OrderID) {
	if _, ok := b.completedSet[id]; ok {
		return
	}
	b.completedSet[id] = struct{}{}
	b.completed = append(b.completed, id)
}

// CompletedOrders lists orders whose ticks were fully consumed, oldest first.
func (b *OrderBook) CompletedOrders() []domain.OrderID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.OrderID, len(b.completed))
	copy(out, b.completed)
	return out
}

func (b *OrderBook) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	sb.WriteString("------ Bids -------\n")
	for _, mk := range b.bids.Markets() {
		for _, l := range b.bids.Levels(mk.PriceUrn, mk.QuantityUrn, false) {
			sb.WriteString(l.String())
			sb.WriteString("\n")
		}
	}
	sb.WriteString("------ Asks -------\n")
	for _, mk := range b.asks.Markets() {
		for _, l := range b.asks.Levels(mk.PriceUrn, mk.QuantityUrn, true) {
			sb.WriteString(l.String())
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
