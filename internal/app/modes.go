package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
	"github.com/jverbraeken/UniversalMarket/internal/negotiation"
	"github.com/jverbraeken/UniversalMarket/internal/orderbook"
	"github.com/jverbraeken/UniversalMarket/internal/pipeline"
	"github.com/jverbraeken/UniversalMarket/internal/server"
	"github.com/jverbraeken/UniversalMarket/internal/server/handler"
	"github.com/jverbraeken/UniversalMarket/internal/server/ws"
	"github.com/jverbraeken/UniversalMarket/internal/service"
	"github.com/jverbraeken/UniversalMarket/internal/transport"
	"github.com/jverbraeken/UniversalMarket/internal/wallet"
)

const shutdownTimeout = 5 * time.Second

// node is one trader's market: the local book, the services around it, the
// negotiator and the transport connecting them to peers.
type node struct {
	self       domain.TraderID
	book       *orderbook.OrderBook
	market     *service.MarketService
	settlement *service.SettlementService
	negotiator *negotiation.Negotiator
	peer       *transport.Peer
}

func (a *App) buildNode(deps *Dependencies) (*node, error) {
	self := deps.Identity.TraderID()

	balances, err := wallet.ParseBalances(a.cfg.Wallet.Balances)
	if err != nil {
		return nil, fmt.Errorf("app: wallet balances: %w", err)
	}
	address := a.cfg.Wallet.Address
	if address == "" {
		address = deps.Identity.Address().Hex()
	}
	w := wallet.New(domain.WalletAddress(address), balances, a.logger)

	// The book reports expiries to the market service, which needs the book.
	var market *service.MarketService
	book := orderbook.New(orderbook.Config{
		BlockTTL: a.cfg.Market.BlockTTL.Duration,
		OnExpired: func(t *domain.Tick) {
			market.OnTickExpired(t)
		},
		OnInvalidTick: func(t *domain.Tick) {
			a.logger.Warn("app: dropped invalid tick", slog.String("order_id", t.OrderID.String()))
		},
		Logger: a.logger,
	})

	orders := service.NewOrderManager(deps.Orders, a.logger)
	peer := transport.NewPeer(deps.SignalBus, deps.Identity, a.logger)
	settlement := service.NewSettlementService(
		self, orders, deps.Transactions, book, w, peer, deps.Ledger, deps.SignalBus, a.logger,
	)
	neg := negotiation.New(negotiation.Config{
		TraderID: self,
		Orders:   orders,
		Book:     book,
		Outbox:   peer,
		Handler:  settlement,
		Timeout:  a.cfg.Market.NegotiationTimeout.Duration,
		Logger:   a.logger,
	})
	market = service.NewMarketService(
		self, orders, book, w, neg, peer, deps.Ticks, deps.SignalBus, a.logger,
	)
	peer.Attach(neg, settlement, market)

	return &node{
		self:       self,
		book:       book,
		market:     market,
		settlement: settlement,
		negotiator: neg,
		peer:       peer,
	}, nil
}

// restore rebuilds the book and resumes settlements left pending by the
// previous run.
func (n *node) restore(ctx context.Context, logger *slog.Logger) error {
	ticks, err := n.market.RestoreBook(ctx)
	if err != nil {
		return fmt.Errorf("app: restore book: %w", err)
	}
	pending, err := n.settlement.ResumePending(ctx)
	if err != nil {
		return fmt.Errorf("app: resume settlements: %w", err)
	}
	logger.InfoContext(ctx, "app: node restored",
		slog.Int("ticks", ticks),
		slog.Int("pending_transactions", pending),
	)
	return nil
}

// stop saves the peer ticks and closes the book. It runs after the workers
// have returned, so it uses a fresh context.
func (n *node) stop(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	saved, err := n.market.SaveBook(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "app: save book failed", slog.String("error", err.Error()))
	} else {
		logger.InfoContext(ctx, "app: book saved", slog.Int("ticks", saved))
	}
	n.book.Shutdown()
}

// NodeMode runs the full node: matching, settlement, the HTTP API, the event
// hub and the archiver.
func (a *App) NodeMode(ctx context.Context, deps *Dependencies) error {
	return a.runNode(ctx, deps, true)
}

// MatcherMode runs matching and settlement without the HTTP API.
func (a *App) MatcherMode(ctx context.Context, deps *Dependencies) error {
	return a.runNode(ctx, deps, false)
}

func (a *App) runNode(ctx context.Context, deps *Dependencies, withHTTP bool) error {
	n, err := a.buildNode(deps)
	if err != nil {
		return err
	}

	unlock, err := a.acquireIdentity(ctx, deps.LockManager, n.self)
	if err != nil {
		return err
	}
	defer unlock()

	if err := n.restore(ctx, a.logger); err != nil {
		return err
	}
	defer n.stop(a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.holdIdentity(ctx, deps.LockManager, n.self)
	})
	g.Go(func() error {
		return n.book.Run(ctx, a.cfg.Market.ExpiryPollInterval.Duration)
	})
	g.Go(func() error {
		return n.peer.Run(ctx)
	})
	g.Go(func() error {
		return n.negotiator.Run(ctx, a.cfg.Market.SweepInterval.Duration)
	})

	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Market.ArchiveRetention.Duration, a.logger)
		g.Go(func() error {
			return archiver.RunCron(ctx, a.cfg.Market.ArchiveCron)
		})
	}

	if withHTTP && a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, n)
	}

	return g.Wait()
}

// APIMode serves the HTTP API and the event hub without matching. Orders
// placed here are announced to peers, but this process neither negotiates
// nor expires ticks, and it does not take the identity lock.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	n, err := a.buildNode(deps)
	if err != nil {
		return err
	}
	if _, err := n.market.RestoreBook(ctx); err != nil {
		return fmt.Errorf("app: restore book: %w", err)
	}
	defer n.book.Shutdown()

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, n)
	return g.Wait()
}

// acquireIdentity takes the lock that keeps a second process from driving
// the same trader.
func (a *App) acquireIdentity(ctx context.Context, locks domain.LockManager, self domain.TraderID) (func(), error) {
	unlock, err := locks.Acquire(ctx, identityLockKey(self), a.cfg.Redis.LockTTL.Duration)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("app: trader %s is driven by another process: %w", self, err)
		}
		return nil, fmt.Errorf("app: acquire identity lock: %w", err)
	}
	a.logger.InfoContext(ctx, "app: identity lock acquired", slog.String("trader_id", self.String()))
	return unlock, nil
}

// holdIdentity extends the identity lock at a third of its TTL. Losing the
// lock stops the node.
func (a *App) holdIdentity(ctx context.Context, locks domain.LockManager, self domain.TraderID) error {
	ttl := a.cfg.Redis.LockTTL.Duration
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := locks.Extend(ctx, identityLockKey(self), ttl); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("app: extend identity lock: %w", err)
			}
		}
	}
}

func identityLockKey(self domain.TraderID) string {
	return "trader:" + self.String()
}

// startHTTPServer runs the API server and the event hub in g and shuts the
// server down when ctx ends.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, n *node) {
	hub := ws.NewHub(deps.SignalBus, service.EventsChannel, ws.Config{
		Mode:      a.cfg.Mode,
		TraderID:  n.self,
		StartedAt: time.Now().UTC(),

		SettlementStream: service.SettlementStream,
	}, a.logger)

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(n.self, a.cfg.Mode, deps.Checks, a.logger),
		Orders: handler.NewOrderHandler(n.market, n.self, orderTimeout(a.cfg.Market.OrderTimeout.Duration), a.logger),
		Market: handler.NewMarketHandler(n.market, n.settlement, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// orderTimeout converts the configured default lifetime to whole seconds.
func orderTimeout(d time.Duration) domain.Timeout {
	return domain.Timeout(d / time.Second)
}
