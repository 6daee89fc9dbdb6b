package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
	"github.com/jverbraeken/UniversalMarket/internal/orderbook"
)

// EventsChannel carries order book and settlement events for live clients.
const EventsChannel = "anydex:events"

// Proposer opens negotiations with counterparty ticks.
type Proposer interface {
	Propose(ctx context.Context, ownID domain.OrderID, candidate *domain.Tick, quantity *big.Int) (domain.Trade, error)
}

// Announcer tells peers about this node's ticks.
type Announcer interface {
	AnnounceTick(ctx context.Context, tick *domain.Tick) error
	AnnounceCancel(ctx context.Context, id domain.OrderID) error
}

// BookSnapshot is the public view of one market.
type BookSnapshot struct {
	Market     orderbook.Market
	Spread     domain.Price
	AskProfile []orderbook.DepthPoint
	BidProfile []orderbook.DepthPoint
	Asks       []domain.TickDict
	Bids       []domain.TickDict
}

// MarketService places and cancels this node's orders, keeps the local book
// in step with peer announcements and starts negotiations for matches.
type MarketService struct {
	orders   *OrderManager
	book     *orderbook.OrderBook
	wallet   domain.Wallet
	proposer Proposer
	announce Announcer
	ticks    domain.TickStore
	bus      domain.SignalBus
	self     domain.TraderID
	logger   *slog.Logger
}

// NewMarketService creates a MarketService. ticks may be nil when the book
// is not persisted across restarts.
func NewMarketService(
	self domain.TraderID,
	orders *OrderManager,
	book *orderbook.OrderBook,
	wallet domain.Wallet,
	proposer Proposer,
	announce Announcer,
	ticks domain.TickStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		orders:   orders,
		book:     book,
		wallet:   wallet,
		proposer: proposer,
		announce: announce,
		ticks:    ticks,
		bus:      bus,
		self:     self,
		logger:   logger.With(slog.String("component", "market_service")),
	}
}

// CreateAsk places a verified ask in the book, announces it and looks for
// matches.
func (s *MarketService) CreateAsk(ctx context.Context, assets domain.AssetPair, timeout domain.Timeout) (*domain.Order, error) {
	return s.place(ctx, assets, timeout, true)
}

// CreateBid places a verified bid in the book, announces it and looks for
// matches.
func (s *MarketService) CreateBid(ctx context.Context, assets domain.AssetPair, timeout domain.Timeout) (*domain.Order, error) {
	return s.place(ctx, assets, timeout, false)
}

func (s *MarketService) place(ctx context.Context, assets domain.AssetPair, timeout domain.Timeout, isAsk bool) (*domain.Order, error) {
	var (
		order *domain.Order
		err   error
	)
	if isAsk {
		order, err = s.orders.CreateAskOrder(ctx, assets, timeout)
	} else {
		order, err = s.orders.CreateBidOrder(ctx, assets, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("market_service: create order: %w", err)
	}

	committed, err := s.committed(ctx, order.ID())
	if err != nil {
		return nil, err
	}
	if err := s.wallet.Verify(ctx, order, committed); err != nil {
		return order, fmt.Errorf("market_service: verify %s: %w", order.ID(), err)
	}
	order, err = s.orders.Update(ctx, order.ID(), func(o *domain.Order) error {
		o.SetVerified()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("market_service: mark verified: %w", err)
	}

	tick := domain.TickFromOrder(order)
	if err := s.insert(tick); err != nil {
		return order, fmt.Errorf("market_service: insert tick %s: %w", order.ID(), err)
	}
	if err := s.announce.AnnounceTick(ctx, tick); err != nil {
		s.logger.WarnContext(ctx, "market_service: announce tick failed",
			slog.String("order_id", order.ID().String()),
			slog.String("error", err.Error()),
		)
	}
	s.publish(ctx, map[string]any{
		"event": "order_created",
		"order": order.ToDictionary(),
	})

	if _, err := s.Match(ctx, order.ID()); err != nil {
		s.logger.WarnContext(ctx, "market_service: match after create failed",
			slog.String("order_id", order.ID().String()),
			slog.String("error", err.Error()),
		)
	}
	return order, nil
}

// committed lists this node's open orders other than exclude.
func (s *MarketService) committed(ctx context.Context, exclude domain.OrderID) ([]*domain.Order, error) {
	all, err := s.orders.Orders(ctx)
	if err != nil {
		return nil, fmt.Errorf("market_service: list orders: %w", err)
	}
	out := make([]*domain.Order, 0, len(all))
	for _, o := range all {
		if o.ID() != exclude && o.Status() == domain.OrderStatusOpen {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *MarketService) insert(tick *domain.Tick) error {
	if tick.IsAsk {
		return s.book.InsertAsk(tick)
	}
	return s.book.InsertBid(tick)
}

// CancelOrder cancels an own order and withdraws its tick.
func (s *MarketService) CancelOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	order, err := s.orders.CancelOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("market_service: cancel: %w", err)
	}
	if err := s.book.RemoveTick(id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return order, fmt.Errorf("market_service: remove tick %s: %w", id, err)
	}
	if err := s.announce.AnnounceCancel(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "market_service: announce cancel failed",
			slog.String("order_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
	s.publish(ctx, map[string]any{
		"event": "order_cancelled",
		"order": order.ToDictionary(),
	})
	return order, nil
}

// Orders lists every own order.
func (s *MarketService) Orders(ctx context.Context) ([]*domain.Order, error) {
	return s.orders.Orders(ctx)
}

// Match proposes trades for the unreserved part of an open own order and
// returns how many proposals went out.
func (s *MarketService) Match(ctx context.Context, id domain.OrderID) (int, error) {
	order, err := s.orders.Order(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("market_service: match: %w", err)
	}
	if order.Status() != domain.OrderStatusOpen {
		return 0, nil
	}
	avail := order.AvailableQuantity()
	if avail.Sign() <= 0 {
		return 0, nil
	}

	// The search tick carries the order's own limit; only the remaining
	// quantity is reduced.
	search := domain.NewTick(id, order.Assets(), order.Timeout(), order.Timestamp(), order.IsAsk())
	search.Traded = new(big.Int).Sub(order.Assets().First.Amount(), avail)
	proposed := 0
	for _, m := range s.book.FindMatches(search) {
		if assets, ok := order.ProposalFor(m.Quantity); !ok {
			s.logger.DebugContext(ctx, "market_service: match skipped, scaled price outside limit",
				slog.String("order_id", id.String()),
				slog.String("counterparty", m.Tick.OrderID.String()),
				slog.String("assets", assets.String()),
			)
			continue
		}
		if _, err := s.proposer.Propose(ctx, id, m.Tick, m.Quantity); err != nil {
			s.logger.WarnContext(ctx, "market_service: propose failed",
				slog.String("order_id", id.String()),
				slog.String("counterparty", m.Tick.OrderID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		proposed++
	}
	return proposed, nil
}

// OnTickAnnounced adds a peer's tick to the book and matches the own orders
// that could trade with it.
func (s *MarketService) OnTickAnnounced(ctx context.Context, tick *domain.Tick) error {
	if tick.OrderID.TraderID == s.self {
		return nil
	}
	err := s.insert(tick)
	switch {
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrInvalidTick):
		s.logger.DebugContext(ctx, "market_service: announced tick skipped",
			slog.String("order_id", tick.OrderID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	case err != nil:
		return fmt.Errorf("market_service: insert announced tick: %w", err)
	}

	s.publish(ctx, map[string]any{
		"event": "tick_added",
		"tick":  tick.ToDictionary(),
	})

	own, err := s.orders.Orders(ctx)
	if err != nil {
		return fmt.Errorf("market_service: list orders: %w", err)
	}
	mk := orderbook.MarketOf(tick.Assets)
	for _, o := range own {
		if o.IsAsk() == tick.IsAsk || orderbook.MarketOf(o.Assets()) != mk || o.Status() != domain.OrderStatusOpen {
			continue
		}
		if _, err := s.Match(ctx, o.ID()); err != nil {
			s.logger.WarnContext(ctx, "market_service: match on announcement failed",
				slog.String("order_id", o.ID().String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// OnTickCancelled drops a peer's withdrawn tick.
func (s *MarketService) OnTickCancelled(ctx context.Context, id domain.OrderID) error {
	if err := s.book.RemoveTick(id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("market_service: remove cancelled tick: %w", err)
	}
	s.publish(ctx, map[string]any{
		"event":    "tick_removed",
		"order_id": id.String(),
	})
	return nil
}

// OnTickExpired is installed as the book's expiry callback.
func (s *MarketService) OnTickExpired(tick *domain.Tick) {
	ctx := context.Background()
	s.logger.InfoContext(ctx, "market_service: tick expired",
		slog.String("order_id", tick.OrderID.String()),
		slog.Bool("own", tick.OrderID.TraderID == s.self),
	)
	s.publish(ctx, map[string]any{
		"event":    "tick_expired",
		"order_id": tick.OrderID.String(),
	})
}

// Snapshot returns the spread, depth profiles and resting ticks of the
// market trading first for second.
func (s *MarketService) Snapshot(first, second domain.Urn) BookSnapshot {
	mk := orderbook.Market{PriceUrn: second, QuantityUrn: first}
	snap := BookSnapshot{
		Market:     mk,
		Spread:     s.book.BidAskSpread(second, first),
		AskProfile: s.book.AskSideDepthProfile(second, first),
		BidProfile: s.book.BidSideDepthProfile(second, first),
	}
	for _, mt := range s.book.AskList() {
		if mt.Market == mk {
			snap.Asks = mt.Ticks
		}
	}
	for _, mt := range s.book.BidList() {
		if mt.Market == mk {
			snap.Bids = mt.Ticks
		}
	}
	return snap
}

// RestoreBook puts the ticks of open own orders back in the book, followed
// by the peer ticks saved at the last shutdown.
func (s *MarketService) RestoreBook(ctx context.Context) (int, error) {
	restored := 0
	orders, err := s.orders.Orders(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service: restore: %w", err)
	}
	for _, o := range orders {
		if o.Status() != domain.OrderStatusOpen {
			continue
		}
		if err := s.insert(domain.TickFromOrder(o)); err == nil {
			restored++
		}
	}

	if s.ticks != nil {
		saved, err := s.ticks.Ticks(ctx)
		if err != nil {
			return restored, fmt.Errorf("market_service: load saved ticks: %w", err)
		}
		for _, t := range saved {
			if t.OrderID.TraderID == s.self {
				continue
			}
			if err := s.insert(t); err == nil {
				restored++
			}
		}
	}

	s.logger.InfoContext(ctx, "market_service: book restored", slog.Int("ticks", restored))
	return restored, nil
}

// SaveBook replaces the saved snapshot with the peer ticks now in the book.
func (s *MarketService) SaveBook(ctx context.Context) (int, error) {
	if s.ticks == nil {
		return 0, nil
	}
	if err := s.ticks.DeleteAllTicks(ctx); err != nil {
		return 0, fmt.Errorf("market_service: clear saved ticks: %w", err)
	}
	saved := 0
	for _, side := range [][]orderbook.MarketTicks{s.book.AskList(), s.book.BidList()} {
		for _, mt := range side {
			for _, d := range mt.Ticks {
				if d.TraderID == s.self {
					continue
				}
				t, err := domain.TickFromDictionary(d)
				if err != nil {
					return saved, fmt.Errorf("market_service: save tick: %w", err)
				}
				if err := s.ticks.AddTick(ctx, t); err != nil {
					return saved, fmt.Errorf("market_service: save tick %s: %w", t.OrderID, err)
				}
				saved++
			}
		}
	}
	s.logger.InfoContext(ctx, "market_service: book saved", slog.Int("ticks", saved))
	return saved, nil
}

func (s *MarketService) publish(ctx context.Context, evt map[string]any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.WarnContext(ctx, "market_service: encode event failed", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, EventsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "market_service: publish event failed",
			slog.String("event", fmt.Sprint(evt["event"])),
			slog.String("error", err.Error()),
		)
	}
}
