package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jverbraeken/UniversalMarket/internal/config"
	"github.com/jverbraeken/UniversalMarket/internal/crypto"
	"github.com/jverbraeken/UniversalMarket/internal/domain"
	"github.com/jverbraeken/UniversalMarket/internal/service"
	"github.com/jverbraeken/UniversalMarket/internal/store/memory"
	"github.com/jverbraeken/UniversalMarket/internal/transport"
)

type recordingBus struct {
	mu        sync.Mutex
	published map[string]int
}

func (b *recordingBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel]++
	return nil
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[channel]
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeLocks struct {
	acquireErr error
	extendErr  error
	keys       []string
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.keys = append(l.keys, key)
	if l.acquireErr != nil {
		return nil, l.acquireErr
	}
	return func() {}, nil
}

func (l *fakeLocks) Extend(context.Context, string, time.Duration) error { return l.extendErr }

func testApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Defaults()
	cfg.Wallet.Balances = map[string]string{"urn:test:btc": "100"}
	cfg.Redis.LockTTL.Duration = 30 * time.Millisecond
	return New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBuildNodeAnnouncesOrders(t *testing.T) {
	a := testApp(t)
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	bus := &recordingBus{published: make(map[string]int)}
	deps := &Dependencies{
		Identity:     id,
		Orders:       memory.NewOrderRepository(id.TraderID()),
		Transactions: memory.NewTransactionRepository(),
		SignalBus:    bus,
	}

	n, err := a.buildNode(deps)
	require.NoError(t, err)
	defer n.book.Shutdown()

	assets := domain.MustAssetPair(10, domain.MustUrn("urn:test:btc"), 30, domain.MustUrn("urn:test:mb"))
	order, err := n.market.CreateAsk(context.Background(), assets, 3600)
	require.NoError(t, err)

	assert.Equal(t, id.TraderID(), order.ID().TraderID)
	assert.True(t, n.book.AskExists(order.ID()))
	assert.Equal(t, 1, bus.count(transport.TickChannel))
	assert.Positive(t, bus.count(service.EventsChannel))
}

func TestBuildNodeRejectsBadBalances(t *testing.T) {
	a := testApp(t)
	a.cfg.Wallet.Balances = map[string]string{"urn:test:btc": "lots"}
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	_, err = a.buildNode(&Dependencies{Identity: id})
	assert.ErrorContains(t, err, "wallet balances")
}

func TestAcquireIdentityHeld(t *testing.T) {
	a := testApp(t)
	locks := &fakeLocks{acquireErr: domain.ErrLockHeld}
	var self domain.TraderID

	_, err := a.acquireIdentity(context.Background(), locks, self)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Equal(t, []string{"trader:" + self.String()}, locks.keys)
}

func TestHoldIdentityStopsWhenLost(t *testing.T) {
	a := testApp(t)
	locks := &fakeLocks{extendErr: domain.ErrLockHeld}

	err := a.holdIdentity(context.Background(), locks, domain.TraderID{})
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestHoldIdentityReturnsOnCancel(t *testing.T) {
	a := testApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, a.holdIdentity(ctx, &fakeLocks{}, domain.TraderID{}))
}

func TestOrderTimeout(t *testing.T) {
	assert.Equal(t, domain.Timeout(3600), orderTimeout(time.Hour))
	assert.Equal(t, domain.Timeout(1), orderTimeout(1500*time.Millisecond))
}
