package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
	"github.com/jverbraeken/UniversalMarket/internal/negotiation"
	"github.com/jverbraeken/UniversalMarket/internal/orderbook"
	"github.com/jverbraeken/UniversalMarket/internal/store/memory"
	"github.com/jverbraeken/UniversalMarket/internal/wallet"
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

func pair(first, second uint64) domain.AssetPair {
	return domain.MustAssetPair(first, urnBTC, second, urnMB)
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][][]byte{}, streams: map[string][][]byte{}}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

// events returns the "event" field of everything published on the events
// channel.
func (b *fakeBus) events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, p := range b.published[EventsChannel] {
		var evt struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(p, &evt) == nil {
			out = append(out, evt.Event)
		}
	}
	return out
}

func (b *fakeBus) stream(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.streams[name]...)
}

type fakeLedger struct {
	mu       sync.Mutex
	recorded []domain.BlockDict
}

func (l *fakeLedger) Record(_ context.Context, tx *domain.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorded = append(l.recorded, tx.ToBlockDictionary())
	return nil
}

func (l *fakeLedger) blocks() []domain.BlockDict {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.BlockDict(nil), l.recorded...)
}

type memTicks struct {
	mu    sync.Mutex
	ticks []*domain.Tick
}

func (m *memTicks) AddTick(_ context.Context, t *domain.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = append(m.ticks, t.Clone())
	return nil
}

func (m *memTicks) Ticks(context.Context) ([]*domain.Tick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Tick, 0, len(m.ticks))
	for _, t := range m.ticks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *memTicks) DeleteAllTicks(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = nil
	return nil
}

// node is one participant wired the way the app wires it, with the network
// calls routed in-process.
type node struct {
	id       domain.TraderID
	orders   *OrderManager
	book     *orderbook.OrderBook
	wallet   *wallet.BalanceWallet
	neg      *negotiation.Negotiator
	settle   *SettlementService
	market   *MarketService
	bus      *fakeBus
	ledger   *fakeLedger
	txs      *memory.TransactionRepository
	outbound *nodeLink
}

// network delivers every message synchronously to the addressed node.
type network struct {
	mu    sync.Mutex
	nodes map[domain.TraderID]*node
}

func newNetwork() *network { return &network{nodes: map[domain.TraderID]*node{}} }

func (n *network) node(id domain.TraderID) *node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

func (n *network) others(self domain.TraderID) []*node {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*node
	for id, nd := range n.nodes {
		if id != self {
			out = append(out, nd)
		}
	}
	return out
}

// nodeLink is one node's outbound side of the network.
type nodeLink struct {
	net  *network
	self domain.TraderID

	mu        sync.Mutex
	announced []domain.OrderID
	cancelled []domain.OrderID
}

func (l *nodeLink) SendTrade(ctx context.Context, t domain.Trade) error {
	nd := l.net.node(t.Recipient())
	if nd == nil {
		return errors.New("no route to " + t.Recipient().String())
	}
	return nd.neg.HandleTrade(ctx, t)
}

func (l *nodeLink) SendPayment(ctx context.Context, to domain.TraderID, p *domain.Payment) error {
	nd := l.net.node(to)
	if nd == nil {
		return errors.New("no route to " + to.String())
	}
	c := *p
	return nd.settle.OnPayment(ctx, &c)
}

func (l *nodeLink) AnnounceTick(ctx context.Context, tick *domain.Tick) error {
	l.mu.Lock()
	l.announced = append(l.announced, tick.OrderID)
	l.mu.Unlock()
	for _, nd := range l.net.others(l.self) {
		if err := nd.market.OnTickAnnounced(ctx, tick.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (l *nodeLink) AnnounceCancel(ctx context.Context, id domain.OrderID) error {
	l.mu.Lock()
	l.cancelled = append(l.cancelled, id)
	l.mu.Unlock()
	for _, nd := range l.net.others(l.self) {
		if err := nd.market.OnTickCancelled(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (n *network) add(t *testing.T, c byte, balances map[domain.Urn]int64) *node {
	t.Helper()
	id := trader(c)
	logger := slog.Default()

	initial := map[domain.Urn]*big.Int{}
	for urn, v := range balances {
		initial[urn] = big.NewInt(v)
	}
	nd := &node{
		id:       id,
		orders:   NewOrderManager(memory.NewOrderRepository(id), logger),
		book:     orderbook.New(orderbook.Config{Logger: logger}),
		wallet:   wallet.New(domain.WalletAddress(id.String()), initial, logger),
		bus:      newFakeBus(),
		ledger:   &fakeLedger{},
		txs:      memory.NewTransactionRepository(),
		outbound: &nodeLink{net: n, self: id},
	}
	nd.settle = NewSettlementService(id, nd.orders, nd.txs, nd.book, nd.wallet, nd.outbound, nd.ledger, nd.bus, logger)
	nd.neg = negotiation.New(negotiation.Config{
		TraderID: id,
		Orders:   nd.orders,
		Book:     nd.book,
		Outbox:   nd.outbound,
		Handler:  nd.settle,
		Logger:   logger,
	})
	nd.market = NewMarketService(id, nd.orders, nd.book, nd.wallet, nd.neg, nd.outbound, nil, nd.bus, logger)

	n.mu.Lock()
	n.nodes[id] = nd
	n.mu.Unlock()
	return nd
}

func mustOrder(t *testing.T, nd *node, id domain.OrderID) *domain.Order {
	t.Helper()
	o, err := nd.orders.Order(context.Background(), id)
	require.NoError(t, err)
	return o
}
