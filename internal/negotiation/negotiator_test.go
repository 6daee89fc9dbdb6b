package negotiation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

var (
	urnBTC = domain.MustUrn("urn:test:btc")
	urnMB  = domain.MustUrn("urn:test:mb")
)

func trader(c byte) domain.TraderID {
	id, err := domain.NewTraderID(bytes.Repeat([]byte{c}, domain.TraderIDLen))
	if err != nil {
		panic(err)
	}
	return id
}

type memOrders struct {
	mu     sync.Mutex
	orders map[domain.OrderID]*domain.Order
}

func newMemOrders(orders ...*domain.Order) *memOrders {
	m := &memOrders{orders: make(map[domain.OrderID]*domain.Order)}
	for _, o := range orders {
		m.orders[o.ID()] = o
	}
	return m
}

func (m *memOrders) Order(_ context.Context, id domain.OrderID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *memOrders) Update(_ context.Context, id domain.OrderID, fn func(*domain.Order) error) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := o.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	m.orders[id] = c
	return c.Clone(), nil
}

func (m *memOrders) get(id domain.OrderID) *domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Clone()
}

type blockKey struct{ tick, counterparty domain.OrderID }

type memBook struct {
	mu      sync.Mutex
	blocked map[blockKey]bool
}

func newMemBook() *memBook { return &memBook{blocked: make(map[blockKey]bool)} }

func (b *memBook) BlockForMatching(tick, cp domain.OrderID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := blockKey{tick, cp}
	if b.blocked[k] {
		return false, nil
	}
	b.blocked[k] = true
	return true, nil
}

func (b *memBook) UnblockForMatching(tick, cp domain.OrderID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocked, blockKey{tick, cp})
}

func (b *memBook) isBlocked(tick, cp domain.OrderID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked[blockKey{tick, cp}]
}

// router delivers trades between in-process negotiators.
type router struct {
	mu      sync.Mutex
	nodes   map[domain.TraderID]*Negotiator
	sent    []domain.Trade
	hold    bool
	failErr error
}

func (r *router) SendTrade(ctx context.Context, t domain.Trade) error {
	r.mu.Lock()
	r.sent = append(r.sent, t)
	node, hold, failErr := r.nodes[t.Recipient()], r.hold, r.failErr
	r.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	if hold || node == nil {
		return nil
	}
	return node.HandleTrade(ctx, t)
}

func (r *router) statuses() []domain.TradeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TradeStatus, 0, len(r.sent))
	for _, t := range r.sent {
		out = append(out, t.Status)
	}
	return out
}

func (r *router) last() domain.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

type agreements struct {
	mu  sync.Mutex
	got []Agreement
}

func (a *agreements) OnAgreement(_ context.Context, ag Agreement) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, ag)
	return nil
}

type node struct {
	neg    *Negotiator
	orders *memOrders
	book   *memBook
	agreed *agreements
}

type harness struct {
	router *router
	clock  time.Time
	a, b   *node
	ask    *domain.Order // owned by a
	bid    *domain.Order // owned by b
}

func newOrder(t *testing.T, id domain.OrderID, first, second uint64, isAsk, verified bool) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder(id, domain.MustAssetPair(first, urnBTC, second, urnMB), 3600, domain.Now(), isAsk)
	require.NoError(t, err)
	if verified {
		o.SetVerified()
	}
	return o
}

func newHarness(t *testing.T, ask, bid *domain.Order) *harness {
	t.Helper()
	h := &harness{
		router: &router{nodes: make(map[domain.TraderID]*Negotiator)},
		clock:  time.Unix(1_700_000_000, 0),
		ask:    ask,
		bid:    bid,
	}
	mk := func(self domain.TraderID, orders ...*domain.Order) *node {
		n := &node{orders: newMemOrders(orders...), book: newMemBook(), agreed: &agreements{}}
		n.neg = New(Config{
			TraderID: self,
			Orders:   n.orders,
			Book:     n.book,
			Outbox:   h.router,
			Handler:  n.agreed,
			Now:      func() time.Time { return h.clock },
		})
		h.router.nodes[self] = n.neg
		return n
	}
	h.a = mk(ask.ID().TraderID, ask)
	h.b = mk(bid.ID().TraderID, bid)
	return h
}

func TestNegotiationAccepted(t *testing.T) {
	ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, 100, 30, true, true)
	bid := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 100, 30, false, true)
	h := newHarness(t, ask, bid)

	proposal, err := h.a.neg.Propose(context.Background(), ask.ID(), domain.TickFromOrder(bid), big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, []domain.TradeStatus{domain.TradeProposed, domain.TradeAccepted}, h.router.statuses())

	require.Len(t, h.a.agreed.got, 1)
	require.Len(t, h.b.agreed.got, 1)
	agA, agB := h.a.agreed.got[0], h.b.agreed.got[0]
	assert.Equal(t, proposal.ID, agA.TradeID)
	assert.Equal(t, proposal.ID, agB.TradeID)
	assert.Equal(t, ask.ID(), agA.OrderID)
	assert.Equal(t, bid.ID(), agA.PartnerOrderID)
	assert.Equal(t, bid.ID(), agB.OrderID)
	assert.Equal(t, agA.Timestamp, agB.Timestamp)
	assert.True(t, agA.Assets.Equal(domain.MustAssetPair(100, urnBTC, 30, urnMB)))

	assert.Equal(t, big.NewInt(100), h.a.orders.get(ask.ID()).ReservedQuantityForTick(bid.ID()))
	assert.Equal(t, big.NewInt(100), h.b.orders.get(bid.ID()).ReservedQuantityForTick(ask.ID()))
	assert.False(t, h.a.book.isBlocked(bid.ID(), ask.ID()))
	assert.Equal(t, 0, h.a.neg.Open())
	assert.Equal(t, 0, h.b.neg.Open())
}

func TestNegotiationCountered(t *testing.T) {
	ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, 100, 30, true, true)
	bid := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 60, 18, false, true)
	h := newHarness(t, ask, bid)

	_, err := h.a.neg.Propose(context.Background(), ask.ID(), domain.TickFromOrder(bid), big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, []domain.TradeStatus{domain.TradeProposed, domain.TradeCountered, domain.TradeAccepted}, h.router.statuses())

	require.Len(t, h.a.agreed.got, 1)
	require.Len(t, h.b.agreed.got, 1)
	assert.True(t, h.a.agreed.got[0].Assets.Equal(domain.MustAssetPair(60, urnBTC, 18, urnMB)))
	assert.True(t, h.b.agreed.got[0].Assets.Equal(h.a.agreed.got[0].Assets))

	assert.Equal(t, big.NewInt(60), h.a.orders.get(ask.ID()).ReservedQuantityForTick(bid.ID()))
	assert.Equal(t, big.NewInt(60), h.b.orders.get(bid.ID()).ReservedQuantityForTick(ask.ID()))
	assert.Equal(t, big.NewInt(40), h.a.orders.get(ask.ID()).AvailableQuantity())
}

func TestNegotiationDeclined(t *testing.T) {
	tests := []struct {
		name   string
		bid    func(t *testing.T) *domain.Order
		reason domain.DeclineReason
	}{
		{
			name: "unacceptable price",
			bid: func(t *testing.T) *domain.Order {
				return newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 100, 20, false, true)
			},
			reason: domain.DeclineUnacceptablePrice,
		},
		{
			name: "unverified order",
			bid: func(t *testing.T) *domain.Order {
				return newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 100, 30, false, false)
			},
			reason: domain.DeclineOrderInvalid,
		},
		{
			name: "fully reserved",
			bid: func(t *testing.T) *domain.Order {
				o := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 100, 30, false, true)
				require.NoError(t, o.ReserveQuantityForTick(domain.OrderID{TraderID: trader('c'), OrderNumber: 1}, big.NewInt(100)))
				return o
			},
			reason: domain.DeclineNoAvailableQuantity,
		},
		{
			name: "cancelled order",
			bid: func(t *testing.T) *domain.Order {
				o := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 100, 30, false, true)
				o.Cancel()
				return o
			},
			reason: domain.DeclineOrderCancelled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, 100, 30, true, true)
			bid := tt.bid(t)
			h := newHarness(t, ask, bid)

			_, err := h.a.neg.Propose(context.Background(), ask.ID(), domain.TickFromOrder(bid), big.NewInt(100))
			require.NoError(t, err)

			last := h.router.last()
			assert.Equal(t, domain.TradeDeclined, last.Status)
			assert.Equal(t, tt.reason, last.DeclineReason)
			assert.Empty(t, h.a.agreed.got)
			assert.Equal(t, big.NewInt(0), h.a.orders.get(ask.ID()).ReservedQuantity())
			assert.False(t, h.a.book.isBlocked(bid.ID(), ask.ID()))
			assert.Equal(t, 0, h.a.neg.Open())
		})
	}
}

func TestNegotiationUnknownOrder(t *testing.T) {
	ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, 100, 30, true, true)
	bid := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 100, 30, false, true)
	h := newHarness(t, ask, bid)

	ghost := domain.NewTick(domain.OrderID{TraderID: trader('b'), OrderNumber: 9}, bid.Assets(), 3600, domain.Now(), false)
	_, err := h.a.neg.Propose(context.Background(), ask.ID(), ghost, big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, domain.DeclineOrderInvalid, h.router.last().DeclineReason)
}

func TestNegotiationAlreadyMatching(t *testing.T) {
	ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, 100, 30, true, true)
	bid := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 100, 30, false, true)
	h := newHarness(t, ask, bid)
	h.router.hold = true

	_, err := h.a.neg.Propose(context.Background(), ask.ID(), domain.TickFromOrder(bid), big.NewInt(10))
	require.NoError(t, err)
	_, err = h.a.neg.Propose(context.Background(), ask.ID(), domain.TickFromOrder(bid), big.NewInt(10))
	assert.ErrorIs(t, err, ErrAlreadyMatching)
	assert.Equal(t, big.NewInt(10), h.a.orders.get(ask.ID()).ReservedQuantity())
}

func TestNegotiationProposeOverReserves(t *testing.T) {
	ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, 100, 30, true, true)
	bid := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 500, 150, false, true)
	h := newHarness(t, ask, bid)

	_, err := h.a.neg.Propose(context.Background(), ask.ID(), domain.TickFromOrder(bid), big.NewInt(500))
	assert.ErrorIs(t, err, domain.ErrInsufficientCapacity)
	assert.False(t, h.a.book.isBlocked(bid.ID(), ask.ID()))
	assert.Empty(t, h.router.statuses())
}

func TestNegotiationProposeKeepsOwnLimit(t *testing.T) {
	tests := []struct {
		name          string
		first, second uint64
		quantity      int64
	}{
		// 2 of (5, 4) truncates to (2, 1): 0.5 against a 0.8 limit.
		{name: "truncated below limit", first: 5, second: 4, quantity: 2},
		// 1 of (3, 2) truncates to (1, 0).
		{name: "empty second leg", first: 3, second: 2, quantity: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, tt.first, tt.second, true, true)
			bid := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 2, 2, false, true)
			h := newHarness(t, ask, bid)

			_, err := h.a.neg.Propose(context.Background(), ask.ID(), domain.TickFromOrder(bid), big.NewInt(tt.quantity))
			assert.ErrorIs(t, err, ErrUnacceptablePrice)
			assert.Empty(t, h.router.statuses())
			assert.Equal(t, big.NewInt(0), h.a.orders.get(ask.ID()).ReservedQuantity())
			assert.False(t, h.a.book.isBlocked(bid.ID(), ask.ID()))
			assert.Equal(t, 0, h.a.neg.Open())
		})
	}
}

func TestNegotiationCounterKeepsOwnLimit(t *testing.T) {
	// The ask has 2 of 5 left at a 0.6 limit. Countering the bid's (5, 4)
	// with 2 would send (2, 1), below that limit.
	ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, 5, 3, true, true)
	elsewhere := domain.OrderID{TraderID: trader('c'), OrderNumber: 1}
	require.NoError(t, ask.ReserveQuantityForTick(elsewhere, big.NewInt(3)))
	bid := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 5, 4, false, true)
	h := newHarness(t, ask, bid)

	_, err := h.b.neg.Propose(context.Background(), bid.ID(), domain.TickFromOrder(ask), big.NewInt(5))
	require.NoError(t, err)

	assert.Equal(t, []domain.TradeStatus{domain.TradeProposed, domain.TradeDeclined}, h.router.statuses())
	assert.Equal(t, domain.DeclineUnacceptablePrice, h.router.last().DeclineReason)
	assert.Empty(t, h.a.agreed.got)
	assert.Empty(t, h.b.agreed.got)
	assert.Equal(t, big.NewInt(3), h.a.orders.get(ask.ID()).ReservedQuantity())
	assert.Equal(t, big.NewInt(0), h.b.orders.get(bid.ID()).ReservedQuantity())
	assert.Equal(t, 0, h.a.neg.Open())
	assert.Equal(t, 0, h.b.neg.Open())
}

func TestNegotiationSendFailureAborts(t *testing.T) {
	ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, 100, 30, true, true)
	bid := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 100, 30, false, true)
	h := newHarness(t, ask, bid)
	h.router.failErr = errors.New("bus down")

	_, err := h.a.neg.Propose(context.Background(), ask.ID(), domain.TickFromOrder(bid), big.NewInt(100))
	require.Error(t, err)
	assert.Equal(t, 0, h.a.neg.Open())
	assert.Equal(t, big.NewInt(0), h.a.orders.get(ask.ID()).ReservedQuantity())
	assert.False(t, h.a.book.isBlocked(bid.ID(), ask.ID()))
}

func TestNegotiationSweep(t *testing.T) {
	ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, 100, 30, true, true)
	bid := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 100, 30, false, true)
	h := newHarness(t, ask, bid)
	h.router.hold = true

	proposal, err := h.a.neg.Propose(context.Background(), ask.ID(), domain.TickFromOrder(bid), big.NewInt(100))
	require.NoError(t, err)
	state, ok := h.a.neg.StateOf(proposal.ID)
	require.True(t, ok)
	assert.Equal(t, StateProposed, state)

	h.clock = h.clock.Add(DefaultTimeout - time.Second)
	assert.Equal(t, 0, h.a.neg.Sweep(context.Background()))

	h.clock = h.clock.Add(2 * time.Second)
	assert.Equal(t, 1, h.a.neg.Sweep(context.Background()))
	assert.Equal(t, big.NewInt(0), h.a.orders.get(ask.ID()).ReservedQuantity())
	assert.False(t, h.a.book.isBlocked(bid.ID(), ask.ID()))

	// A late acceptance for the swept trade is ignored.
	late := proposal.Accept(domain.TimestampOf(h.clock))
	require.NoError(t, h.a.neg.HandleTrade(context.Background(), late))
	assert.Empty(t, h.a.agreed.got)
}

func TestNegotiationRejectsMisaddressedTrade(t *testing.T) {
	ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, 100, 30, true, true)
	bid := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 100, 30, false, true)
	h := newHarness(t, ask, bid)

	other := domain.OrderID{TraderID: trader('c'), OrderNumber: 1}
	stray := domain.ProposeTrade(bid.ID().TraderID, bid.ID(), other, bid.Assets(), domain.Now())
	err := h.a.neg.HandleTrade(context.Background(), stray)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestNegotiationAgreementErrorPropagates(t *testing.T) {
	ask := newOrder(t, domain.OrderID{TraderID: trader('a'), OrderNumber: 1}, 100, 30, true, true)
	bid := newOrder(t, domain.OrderID{TraderID: trader('b'), OrderNumber: 1}, 100, 30, false, true)
	h := newHarness(t, ask, bid)
	h.router.hold = true

	proposal, err := h.a.neg.Propose(context.Background(), ask.ID(), domain.TickFromOrder(bid), big.NewInt(100))
	require.NoError(t, err)

	h.a.neg.handler = failingHandler{}
	err = h.a.neg.HandleTrade(context.Background(), proposal.Accept(domain.Now()))
	assert.ErrorContains(t, err, "settlement unavailable")
}

type failingHandler struct{}

func (failingHandler) OnAgreement(context.Context, Agreement) error {
	return fmt.Errorf("settlement unavailable")
}
