package transport

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jverbraeken/UniversalMarket/internal/crypto"
	"github.com/jverbraeken/UniversalMarket/internal/domain"
	"github.com/jverbraeken/UniversalMarket/internal/negotiation"
	"github.com/jverbraeken/UniversalMarket/internal/service"
	"github.com/jverbraeken/UniversalMarket/internal/wire"
)

var (
	_ negotiation.Outbox    = (*Peer)(nil)
	_ service.PaymentSender = (*Peer)(nil)
	_ service.Announcer     = (*Peer)(nil)
)

var (
	urnBTC = domain.MustUrn("urn:test:btc")
	urnMB  = domain.MustUrn("urn:test:mb")
)

// memBus records publishes and fans them out to subscribers.
type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	subs      map[string][]chan []byte
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, subs: map[string][]chan []byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	for _, ch := range b.subs[channel] {
		ch <- payload
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch, nil
}

func (b *memBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) last(t *testing.T, channel string) []byte {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.published[channel]
	require.NotEmpty(t, msgs, channel)
	return msgs[len(msgs)-1]
}

type recorder struct {
	mu        sync.Mutex
	trades    []domain.Trade
	payments  []*domain.Payment
	ticks     []*domain.Tick
	cancelled []domain.OrderID
}

func (r *recorder) HandleTrade(_ context.Context, t domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
	return nil
}

func (r *recorder) OnPayment(_ context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, p)
	return nil
}

func (r *recorder) OnTickAnnounced(_ context.Context, tick *domain.Tick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, tick)
	return nil
}

func (r *recorder) OnTickCancelled(_ context.Context, id domain.OrderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, id)
	return nil
}

func (r *recorder) tradeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

func newPeer(t *testing.T, bus domain.SignalBus) (*Peer, *recorder) {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	p := NewPeer(bus, id, slog.Default())
	rec := &recorder{}
	p.Attach(rec, rec, rec)
	return p, rec
}

func proposal(from, to domain.TraderID) domain.Trade {
	return domain.ProposeTrade(from,
		domain.OrderID{TraderID: from, OrderNumber: 1},
		domain.OrderID{TraderID: to, OrderNumber: 2},
		domain.MustAssetPair(10, urnBTC, 30, urnMB), 1_000)
}

func TestTradeReachesRecipientOnce(t *testing.T) {
	ctx := context.Background()
	bus := newMemBus()
	alice, _ := newPeer(t, bus)
	bob, bobRec := newPeer(t, bus)

	trade := proposal(alice.self, bob.self)
	require.NoError(t, alice.SendTrade(ctx, trade))
	raw := bus.last(t, TraderChannel(bob.self))

	require.NoError(t, bob.Deliver(ctx, raw))
	require.NoError(t, bob.Deliver(ctx, raw))
	require.Len(t, bobRec.trades, 1)
	assert.Equal(t, trade.ID, bobRec.trades[0].ID)
}

func TestDeliverRejectsTamperedEnvelope(t *testing.T) {
	ctx := context.Background()
	bus := newMemBus()
	alice, _ := newPeer(t, bus)
	bob, bobRec := newPeer(t, bus)

	require.NoError(t, alice.SendTrade(ctx, proposal(alice.self, bob.self)))
	env, err := wire.UnmarshalEnvelope(bus.last(t, TraderChannel(bob.self)))
	require.NoError(t, err)

	forged := *env
	forged.Payload = wire.MarshalTrade(proposal(alice.self, bob.self))
	err = bob.Deliver(ctx, forged.Marshal())
	assert.ErrorIs(t, err, domain.ErrBadSignature)
	assert.Empty(t, bobRec.trades)
}

func TestDeliverRejectsImpersonation(t *testing.T) {
	ctx := context.Background()
	bus := newMemBus()
	mallory, _ := newPeer(t, bus)
	alice, _ := newPeer(t, bus)
	bob, bobRec := newPeer(t, bus)

	// Mallory signs correctly but the trade claims to come from Alice.
	require.NoError(t, mallory.send(ctx, TraderChannel(bob.self), wire.KindTrade, wire.MarshalTrade(proposal(alice.self, bob.self))))
	err := bob.Deliver(ctx, bus.last(t, TraderChannel(bob.self)))
	assert.ErrorIs(t, err, domain.ErrBadSignature)
	assert.Empty(t, bobRec.trades)
}

func TestPaymentDelivery(t *testing.T) {
	ctx := context.Background()
	bus := newMemBus()
	alice, _ := newPeer(t, bus)
	bob, bobRec := newPeer(t, bus)

	pay := &domain.Payment{
		TraderID:          alice.self,
		TransactionID:     crypto.TransactionIDFor("trade-1"),
		TransferredAmount: domain.NewProductAmount(10, urnBTC),
		PaymentID:         "pay-1",
		Timestamp:         1_500,
	}
	require.NoError(t, alice.SendPayment(ctx, bob.self, pay))
	require.NoError(t, bob.Deliver(ctx, bus.last(t, TraderChannel(bob.self))))
	require.Len(t, bobRec.payments, 1)
	assert.Equal(t, pay.PaymentID, bobRec.payments[0].PaymentID)
}

func TestBroadcastsSkipTheSender(t *testing.T) {
	ctx := context.Background()
	bus := newMemBus()
	alice, aliceRec := newPeer(t, bus)
	bob, bobRec := newPeer(t, bus)

	tick := domain.NewTick(domain.OrderID{TraderID: alice.self, OrderNumber: 4}, domain.MustAssetPair(10, urnBTC, 30, urnMB), 60, 1_000, true)
	require.NoError(t, alice.AnnounceTick(ctx, tick))
	raw := bus.last(t, TickChannel)
	require.NoError(t, alice.Deliver(ctx, raw))
	require.NoError(t, bob.Deliver(ctx, raw))
	assert.Empty(t, aliceRec.ticks)
	require.Len(t, bobRec.ticks, 1)
	assert.Equal(t, tick.OrderID, bobRec.ticks[0].OrderID)

	require.NoError(t, alice.AnnounceCancel(ctx, tick.OrderID))
	require.NoError(t, bob.Deliver(ctx, bus.last(t, TickChannel)))
	assert.Equal(t, []domain.OrderID{tick.OrderID}, bobRec.cancelled)
}

func TestRunDispatchesUntilCancelled(t *testing.T) {
	bus := newMemBus()
	alice, _ := newPeer(t, bus)
	bob, bobRec := newPeer(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bob.Run(ctx) }()

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs[TraderChannel(bob.self)]) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.SendTrade(context.Background(), proposal(alice.self, bob.self)))
	require.Eventually(t, func() bool { return bobRec.tradeCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestMarkSeenForgetsOldest(t *testing.T) {
	p, _ := newPeer(t, newMemBus())
	assert.True(t, p.markSeen("first"))
	for i := 0; i < seenCapacity; i++ {
		p.markSeen("id-" + strconv.Itoa(i))
	}
	assert.True(t, p.markSeen("first"), "evicted id is accepted again")
	assert.Len(t, p.seen, seenCapacity)
}
