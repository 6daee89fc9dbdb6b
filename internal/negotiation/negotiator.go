// Package negotiation runs the propose/accept/decline/counter exchange for
// trades between this node's orders and counterparty ticks.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// DefaultTimeout is how long a negotiation may wait for the next message.
const DefaultTimeout = 30 * time.Second

var (
	// ErrAlreadyMatching is returned by Propose when the candidate tick is
	// already pledged to the proposing order.
	ErrAlreadyMatching = errors.New("negotiation: tick already pledged to order")

	// ErrUnacceptablePrice is returned by Propose when the quantity, scaled
	// from the own order's pair, would trade outside the order's limit.
	ErrUnacceptablePrice = errors.New("negotiation: scaled price outside order limit")
)

// Orders is the owner of this node's orders. Update serialises writes per
// order and persists the result.
type Orders interface {
	Order(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	Update(ctx context.Context, id domain.OrderID, fn func(*domain.Order) error) (*domain.Order, error)
}

// Book is the part of the order book the negotiator pledges ticks in.
type Book interface {
	BlockForMatching(tickID, counterparty domain.OrderID) (bool, error)
	UnblockForMatching(tickID, counterparty domain.OrderID)
}

// Outbox delivers a trade message to its recipient.
type Outbox interface {
	SendTrade(ctx context.Context, trade domain.Trade) error
}

// Agreement is a trade both sides accepted, seen from this node's order.
type Agreement struct {
	TradeID        domain.TradeID
	OrderID        domain.OrderID
	PartnerOrderID domain.OrderID
	Assets         domain.AssetPair
	Timestamp      domain.Timestamp
}

// AgreementHandler starts settlement for an agreed trade.
type AgreementHandler interface {
	OnAgreement(ctx context.Context, a Agreement) error
}

// State is where a negotiation stands from this node's side.
type State string

const (
	StateProposed  State = "proposed"  // we proposed, waiting for a reply
	StateCountered State = "countered" // we countered, waiting for acceptance
)

type negotiation struct {
	id       domain.TradeID
	state    State
	own      domain.OrderID
	partner  domain.OrderID
	assets   domain.AssetPair // last assets we sent
	reserved *big.Int
	blocked  bool // partner tick pledged in the book
	updated  time.Time
}

// Config configures a Negotiator.
type Config struct {
	TraderID domain.TraderID
	Orders   Orders
	Book     Book
	Outbox   Outbox
	Handler  AgreementHandler
	Timeout  time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Negotiator tracks every open negotiation by trade id. Inbound messages are
// applied one at a time; replies are sent after the state change is
// committed.
type Negotiator struct {
	mu      sync.Mutex
	open    map[domain.TradeID]*negotiation
	self    domain.TraderID
	orders  Orders
	book    Book
	outbox  Outbox
	handler AgreementHandler
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func New(cfg Config) *Negotiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Negotiator{
		open:    make(map[domain.TradeID]*negotiation),
		self:    cfg.TraderID,
		orders:  cfg.Orders,
		book:    cfg.Book,
		outbox:  cfg.Outbox,
		handler: cfg.Handler,
		timeout: cfg.Timeout,
		now:     cfg.Now,
		logger:  cfg.Logger.With(slog.String("component", "negotiator")),
	}
}

// Open reports how many negotiations are waiting for a reply.
func (n *Negotiator) Open() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.open)
}

// StateOf returns the state of an open negotiation.
func (n *Negotiator) StateOf(id domain.TradeID) (State, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	neg, ok := n.open[id]
	if !ok {
		return "", false
	}
	return neg.state, true
}

// Propose reserves quantity of ownID against the candidate tick, pledges the
// tick and sends a proposal priced at the own order's limit.
func (n *Negotiator) Propose(ctx context.Context, ownID domain.OrderID, candidate *domain.Tick, quantity *big.Int) (domain.Trade, error) {
	n.mu.Lock()
	trade, err := n.proposeLocked(ctx, ownID, candidate, quantity)
	n.mu.Unlock()
	if err != nil {
		return domain.Trade{}, err
	}

	if err := n.outbox.SendTrade(ctx, trade); err != nil {
		n.mu.Lock()
		n.abortLocked(ctx, trade.ID, "send failed")
		n.mu.Unlock()
		return domain.Trade{}, fmt.Errorf("negotiation: send proposal: %w", err)
	}
	n.logger.InfoContext(ctx, "negotiator: proposed trade",
		slog.String("trade_id", string(trade.ID)),
		slog.String("order_id", ownID.String()),
		slog.String("counterparty", candidate.OrderID.String()),
		slog.String("assets", trade.Assets.String()),
	)
	return trade, nil
}

func (n *Negotiator) proposeLocked(ctx context.Context, ownID domain.OrderID, candidate *domain.Tick, quantity *big.Int) (domain.Trade, error) {
	blocked, err := n.book.BlockForMatching(candidate.OrderID, ownID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("negotiation: propose: %w", err)
	}
	if !blocked {
		return domain.Trade{}, fmt.Errorf("%w: %s for %s", ErrAlreadyMatching, candidate.OrderID, ownID)
	}

	var assets domain.AssetPair
	_, err = n.orders.Update(ctx, ownID, func(o *domain.Order) error {
		var ok bool
		if assets, ok = o.ProposalFor(quantity); !ok {
			return fmt.Errorf("%w: %s for %s", ErrUnacceptablePrice, assets, ownID)
		}
		return o.ReserveQuantityForTick(candidate.OrderID, quantity)
	})
	if err != nil {
		n.book.UnblockForMatching(candidate.OrderID, ownID)
		return domain.Trade{}, fmt.Errorf("negotiation: propose: reserve: %w", err)
	}

	trade := domain.ProposeTrade(ownID.TraderID, ownID, candidate.OrderID, assets, domain.TimestampOf(n.now()))
	n.open[trade.ID] = &negotiation{
		id:       trade.ID,
		state:    StateProposed,
		own:      ownID,
		partner:  candidate.OrderID,
		assets:   assets,
		reserved: new(big.Int).Set(quantity),
		blocked:  true,
		updated:  n.now(),
	}
	return trade, nil
}

// HandleTrade applies one inbound negotiation message.
func (n *Negotiator) HandleTrade(ctx context.Context, t domain.Trade) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("negotiation: inbound trade: %w", err)
	}
	if t.Recipient() != n.self {
		return fmt.Errorf("negotiation: trade %s addressed to %s: %w", t.ID, t.Recipient(), domain.ErrValidation)
	}

	n.mu.Lock()
	var (
		reply  *domain.Trade
		agreed *Agreement
		err    error
	)
	switch t.Status {
	case domain.TradeProposed:
		reply, agreed, err = n.onProposedLocked(ctx, t)
	case domain.TradeAccepted:
		agreed, reply = n.onAcceptedLocked(ctx, t)
	case domain.TradeDeclined:
		n.onDeclinedLocked(ctx, t)
	case domain.TradeCountered:
		reply, agreed = n.onCounteredLocked(ctx, t)
	}
	n.mu.Unlock()
	if err != nil {
		return err
	}

	if reply != nil {
		if err := n.outbox.SendTrade(ctx, *reply); err != nil {
			n.logger.WarnContext(ctx, "negotiator: send reply failed",
				slog.String("trade_id", string(reply.ID)),
				slog.String("status", string(reply.Status)),
				slog.String("error", err.Error()),
			)
		}
	}
	if agreed != nil && n.handler != nil {
		if err := n.handler.OnAgreement(ctx, *agreed); err != nil {
			return fmt.Errorf("negotiation: agreement %s: %w", agreed.TradeID, err)
		}
	}
	return nil
}

func (n *Negotiator) onProposedLocked(ctx context.Context, t domain.Trade) (*domain.Trade, *Agreement, error) {
	now := domain.TimestampOf(n.now())
	if _, dup := n.open[t.ID]; dup {
		n.logger.WarnContext(ctx, "negotiator: duplicate proposal ignored", slog.String("trade_id", string(t.ID)))
		return nil, nil, nil
	}
	decline := func(reason domain.DeclineReason) (*domain.Trade, *Agreement, error) {
		r := t.Decline(now, reason)
		n.logger.InfoContext(ctx, "negotiator: declined proposal",
			slog.String("trade_id", string(t.ID)),
			slog.String("reason", string(reason)),
		)
		return &r, nil, nil
	}

	own := t.RecipientOrderID
	order, err := n.orders.Order(ctx, own)
	if errors.Is(err, domain.ErrNotFound) {
		return decline(domain.DeclineOrderInvalid)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("negotiation: load order %s: %w", own, err)
	}
	if status := order.Status(); status != domain.OrderStatusOpen {
		return decline(domain.DeclineReasonFor(status))
	}
	if order.Assets().First.Urn() != t.Assets.First.Urn() || order.Assets().Second.Urn() != t.Assets.Second.Urn() {
		return decline(domain.DeclineOther)
	}
	if !order.HasAcceptablePrice(t.Assets) {
		return decline(domain.DeclineUnacceptablePrice)
	}

	proposed := t.Assets.First.Amount()
	var (
		reserved *big.Int
		counter  domain.AssetPair
	)
	_, err = n.orders.Update(ctx, own, func(o *domain.Order) error {
		avail := o.AvailableQuantity()
		if avail.Sign() <= 0 {
			return domain.ErrInsufficientCapacity
		}
		reserved = proposed
		if avail.Cmp(proposed) < 0 {
			reserved = avail
			// The counter keeps the proposer's price, truncated to what is left.
			counter = t.Assets.DownscaleFirst(reserved)
			if !o.AcceptsAssets(counter) {
				return ErrUnacceptablePrice
			}
		}
		return o.ReserveQuantityForTick(t.OrderID, reserved)
	})
	switch {
	case errors.Is(err, domain.ErrInsufficientCapacity):
		return decline(domain.DeclineNoAvailableQuantity)
	case errors.Is(err, ErrUnacceptablePrice):
		return decline(domain.DeclineUnacceptablePrice)
	case err != nil:
		return nil, nil, fmt.Errorf("negotiation: reserve on %s: %w", own, err)
	}

	if reserved.Cmp(proposed) < 0 {
		reply := t.Counter(counter, now)
		n.open[t.ID] = &negotiation{
			id:       t.ID,
			state:    StateCountered,
			own:      own,
			partner:  t.OrderID,
			assets:   reply.Assets,
			reserved: reserved,
			updated:  n.now(),
		}
		n.logger.InfoContext(ctx, "negotiator: countered proposal",
			slog.String("trade_id", string(t.ID)),
			slog.String("assets", reply.Assets.String()),
		)
		return &reply, nil, nil
	}

	accept := t.Accept(now)
	n.logger.InfoContext(ctx, "negotiator: accepted proposal",
		slog.String("trade_id", string(t.ID)),
		slog.String("order_id", own.String()),
		slog.String("assets", t.Assets.String()),
	)
	return &accept, &Agreement{
		TradeID:        t.ID,
		OrderID:        own,
		PartnerOrderID: t.OrderID,
		Assets:         t.Assets,
		Timestamp:      now,
	}, nil
}

func (n *Negotiator) onAcceptedLocked(ctx context.Context, t domain.Trade) (*Agreement, *domain.Trade) {
	neg, ok := n.lookupLocked(ctx, t)
	if !ok {
		return nil, nil
	}
	if !t.Assets.Equal(neg.assets) {
		n.logger.WarnContext(ctx, "negotiator: acceptance for different assets",
			slog.String("trade_id", string(t.ID)),
			slog.String("sent", neg.assets.String()),
			slog.String("accepted", t.Assets.String()),
		)
		n.abortLocked(ctx, t.ID, "assets mismatch")
		r := t.Decline(domain.TimestampOf(n.now()), domain.DeclineOther)
		return nil, &r
	}
	n.finishLocked(neg)
	n.logger.InfoContext(ctx, "negotiator: trade agreed",
		slog.String("trade_id", string(t.ID)),
		slog.String("order_id", neg.own.String()),
	)
	return &Agreement{
		TradeID:        t.ID,
		OrderID:        neg.own,
		PartnerOrderID: neg.partner,
		Assets:         t.Assets,
		Timestamp:      t.Timestamp,
	}, nil
}

func (n *Negotiator) onDeclinedLocked(ctx context.Context, t domain.Trade) {
	if _, ok := n.lookupLocked(ctx, t); !ok {
		return
	}
	n.abortLocked(ctx, t.ID, "declined: "+string(t.DeclineReason))
}

func (n *Negotiator) onCounteredLocked(ctx context.Context, t domain.Trade) (*domain.Trade, *Agreement) {
	neg, ok := n.lookupLocked(ctx, t)
	if !ok {
		return nil, nil
	}
	now := domain.TimestampOf(n.now())
	if neg.state != StateProposed {
		n.abortLocked(ctx, t.ID, "counter out of turn")
		r := t.Decline(now, domain.DeclineOther)
		return &r, nil
	}

	order, err := n.orders.Order(ctx, neg.own)
	if err != nil {
		n.abortLocked(ctx, t.ID, "order unavailable")
		r := t.Decline(now, domain.DeclineOrderInvalid)
		return &r, nil
	}
	countered := t.Assets.First.Amount()
	if !order.HasAcceptablePrice(t.Assets) {
		n.abortLocked(ctx, t.ID, "countered price unacceptable")
		r := t.Decline(now, domain.DeclineUnacceptablePrice)
		return &r, nil
	}
	if countered.Sign() <= 0 || countered.Cmp(neg.reserved) > 0 {
		n.abortLocked(ctx, t.ID, "countered quantity exceeds reservation")
		r := t.Decline(now, domain.DeclineNoAvailableQuantity)
		return &r, nil
	}

	if surplus := new(big.Int).Sub(neg.reserved, countered); surplus.Sign() > 0 {
		if _, err := n.orders.Update(ctx, neg.own, func(o *domain.Order) error {
			return o.ReleaseQuantityForTick(neg.partner, surplus)
		}); err != nil {
			n.logger.WarnContext(ctx, "negotiator: shrink reservation failed",
				slog.String("trade_id", string(t.ID)),
				slog.String("error", err.Error()),
			)
			n.abortLocked(ctx, t.ID, "shrink failed")
			r := t.Decline(now, domain.DeclineOther)
			return &r, nil
		}
		neg.reserved = countered
	}

	accept := t.Accept(now)
	n.finishLocked(neg)
	n.logger.InfoContext(ctx, "negotiator: accepted counter",
		slog.String("trade_id", string(t.ID)),
		slog.String("assets", t.Assets.String()),
	)
	return &accept, &Agreement{
		TradeID:        t.ID,
		OrderID:        neg.own,
		PartnerOrderID: neg.partner,
		Assets:         t.Assets,
		Timestamp:      now,
	}
}

func (n *Negotiator) lookupLocked(ctx context.Context, t domain.Trade) (*negotiation, bool) {
	neg, ok := n.open[t.ID]
	if !ok || neg.partner != t.OrderID {
		n.logger.WarnContext(ctx, "negotiator: response for unknown trade ignored",
			slog.String("trade_id", string(t.ID)),
			slog.String("status", string(t.Status)),
			slog.String("from", t.TraderID.String()),
		)
		return nil, false
	}
	return neg, true
}

// finishLocked closes an agreed negotiation. The reservation stays in place
// for settlement; only the matching pledge is lifted.
func (n *Negotiator) finishLocked(neg *negotiation) {
	if neg.blocked {
		n.book.UnblockForMatching(neg.partner, neg.own)
	}
	delete(n.open, neg.id)
}

// abortLocked gives back the reservation and the pledge of a negotiation
// that will not lead to a trade.
func (n *Negotiator) abortLocked(ctx context.Context, id domain.TradeID, reason string) {
	neg, ok := n.open[id]
	if !ok {
		return
	}
	delete(n.open, id)
	if neg.blocked {
		n.book.UnblockForMatching(neg.partner, neg.own)
	}
	_, err := n.orders.Update(ctx, neg.own, func(o *domain.Order) error {
		return o.ReleaseQuantityForTick(neg.partner, neg.reserved)
	})
	if err != nil && !errors.Is(err, domain.ErrTickWasNotReserved) {
		n.logger.WarnContext(ctx, "negotiator: release reservation failed",
			slog.String("trade_id", string(id)),
			slog.String("error", err.Error()),
		)
	}
	n.logger.InfoContext(ctx, "negotiator: negotiation ended",
		slog.String("trade_id", string(id)),
		slog.String("reason", reason),
	)
}

// Sweep abandons negotiations that have waited longer than the timeout and
// returns how many were dropped.
func (n *Negotiator) Sweep(ctx context.Context) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	cutoff := n.now().Add(-n.timeout)
	var stale []domain.TradeID
	for id, neg := range n.open {
		if neg.updated.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		n.abortLocked(ctx, id, "timed out")
	}
	return len(stale)
}

// Run sweeps stale negotiations every interval until ctx is done.
func (n *Negotiator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if dropped := n.Sweep(ctx); dropped > 0 {
				n.logger.InfoContext(ctx, "negotiator: swept stale negotiations", slog.Int("count", dropped))
			}
		}
	}
}
