// Package transport carries signed negotiation, payment and tick messages
// between nodes over the pub/sub bus.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jverbraeken/UniversalMarket/internal/crypto"
	"github.com/jverbraeken/UniversalMarket/internal/domain"
	"github.com/jverbraeken/UniversalMarket/internal/wire"
)

// TickChannel is the broadcast channel for tick announcements and
// cancellations.
const TickChannel = "anydex:ticks"

// seenCapacity bounds the envelope ids remembered for de-duplication.
const seenCapacity = 4096

// TraderChannel is the directed channel a trader receives trades and
// payments on.
func TraderChannel(id domain.TraderID) string {
	return "anydex:trader:" + id.String()
}

// Signer signs outbound envelopes. *crypto.Identity satisfies it.
type Signer interface {
	TraderID() domain.TraderID
	Sign(parts ...[]byte) ([]byte, error)
}

type TradeHandler interface {
	HandleTrade(ctx context.Context, t domain.Trade) error
}

type PaymentHandler interface {
	OnPayment(ctx context.Context, p *domain.Payment) error
}

type TickHandler interface {
	OnTickAnnounced(ctx context.Context, tick *domain.Tick) error
	OnTickCancelled(ctx context.Context, id domain.OrderID) error
}

// Peer is this node's endpoint on the bus. It signs everything it sends and
// only dispatches envelopes whose signature matches the claimed sender.
type Peer struct {
	bus    domain.SignalBus
	signer Signer
	self   domain.TraderID
	logger *slog.Logger

	mu       sync.Mutex
	trades   TradeHandler
	payments PaymentHandler
	ticks    TickHandler
	seen     map[string]struct{}
	order    []string
	next     int
}

func NewPeer(bus domain.SignalBus, signer Signer, logger *slog.Logger) *Peer {
	return &Peer{
		bus:    bus,
		signer: signer,
		self:   signer.TraderID(),
		logger: logger.With(slog.String("component", "transport")),
		seen:   make(map[string]struct{}, seenCapacity),
		order:  make([]string, seenCapacity),
	}
}

// Attach sets the inbound handlers. Any of them may be nil, in which case
// messages of that kind are dropped.
func (p *Peer) Attach(trades TradeHandler, payments PaymentHandler, ticks TickHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = trades
	p.payments = payments
	p.ticks = ticks
}

// SendTrade delivers t to the trader that owns its recipient order.
func (p *Peer) SendTrade(ctx context.Context, t domain.Trade) error {
	return p.send(ctx, TraderChannel(t.Recipient()), wire.KindTrade, wire.MarshalTrade(t))
}

func (p *Peer) SendPayment(ctx context.Context, to domain.TraderID, pay *domain.Payment) error {
	return p.send(ctx, TraderChannel(to), wire.KindPayment, wire.MarshalPayment(pay))
}

func (p *Peer) AnnounceTick(ctx context.Context, tick *domain.Tick) error {
	return p.send(ctx, TickChannel, wire.KindTick, wire.MarshalTick(tick))
}

func (p *Peer) AnnounceCancel(ctx context.Context, id domain.OrderID) error {
	return p.send(ctx, TickChannel, wire.KindCancel, wire.MarshalTickCancel(id))
}

func (p *Peer) send(ctx context.Context, channel string, kind wire.Kind, payload []byte) error {
	env := &wire.Envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		Sender:  p.self,
		Payload: payload,
	}
	sig, err := p.signer.Sign(env.SigningParts()...)
	if err != nil {
		return fmt.Errorf("transport: sign %s: %w", kind, err)
	}
	env.Signature = sig

	if err := p.bus.Publish(ctx, channel, env.Marshal()); err != nil {
		return fmt.Errorf("transport: send %s: %w", kind, err)
	}
	p.logger.DebugContext(ctx, "transport: sent",
		slog.String("kind", kind.String()),
		slog.String("channel", channel),
		slog.String("envelope", env.ID),
	)
	return nil
}

// Run subscribes to this trader's channel and the tick channel and
// dispatches inbound envelopes until ctx ends.
func (p *Peer) Run(ctx context.Context) error {
	direct, err := p.bus.Subscribe(ctx, TraderChannel(p.self))
	if err != nil {
		return fmt.Errorf("transport: subscribe direct: %w", err)
	}
	broadcast, err := p.bus.Subscribe(ctx, TickChannel)
	if err != nil {
		return fmt.Errorf("transport: subscribe ticks: %w", err)
	}
	p.logger.InfoContext(ctx, "transport: listening", slog.String("trader_id", p.self.String()))

	for {
		var (
			data []byte
			ok   bool
		)
		select {
		case <-ctx.Done():
			return nil
		case data, ok = <-direct:
		case data, ok = <-broadcast:
		}
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("transport: subscription closed")
		}
		if err := p.Deliver(ctx, data); err != nil {
			p.logger.WarnContext(ctx, "transport: inbound dropped", slog.String("error", err.Error()))
		}
	}
}

// Deliver verifies one raw envelope and hands its payload to the matching
// handler. Duplicates and this node's own broadcasts are ignored.
func (p *Peer) Deliver(ctx context.Context, data []byte) error {
	env, err := wire.UnmarshalEnvelope(data)
	if err != nil {
		return fmt.Errorf("transport: decode: %w", err)
	}
	if err := crypto.Verify(env.Sender, env.Signature, env.SigningParts()...); err != nil {
		return fmt.Errorf("transport: envelope %s: %w", env.ID, err)
	}
	if env.Sender == p.self && (env.Kind == wire.KindTick || env.Kind == wire.KindCancel) {
		return nil
	}
	if !p.markSeen(env.ID) {
		return nil
	}

	p.mu.Lock()
	trades, payments, ticks := p.trades, p.payments, p.ticks
	p.mu.Unlock()

	switch env.Kind {
	case wire.KindTrade:
		t, err := wire.UnmarshalTrade(env.Payload)
		if err != nil {
			return err
		}
		if t.TraderID != env.Sender {
			return fmt.Errorf("transport: trade %s: %w: sent by %s", t.ID, domain.ErrBadSignature, env.Sender)
		}
		if t.Recipient() != p.self {
			return fmt.Errorf("transport: trade %s addressed to %s", t.ID, t.Recipient())
		}
		if trades == nil {
			return nil
		}
		return trades.HandleTrade(ctx, t)

	case wire.KindPayment:
		pay, err := wire.UnmarshalPayment(env.Payload)
		if err != nil {
			return err
		}
		if pay.TraderID != env.Sender {
			return fmt.Errorf("transport: payment %s: %w: sent by %s", pay.PaymentID, domain.ErrBadSignature, env.Sender)
		}
		if payments == nil {
			return nil
		}
		return payments.OnPayment(ctx, pay)

	case wire.KindTick:
		tick, err := wire.UnmarshalTick(env.Payload)
		if err != nil {
			return err
		}
		if tick.OrderID.TraderID != env.Sender {
			return fmt.Errorf("transport: tick %s: %w: sent by %s", tick.OrderID, domain.ErrBadSignature, env.Sender)
		}
		if ticks == nil {
			return nil
		}
		return ticks.OnTickAnnounced(ctx, tick)

	case wire.KindCancel:
		id, err := wire.UnmarshalTickCancel(env.Payload)
		if err != nil {
			return err
		}
		if id.TraderID != env.Sender {
			return fmt.Errorf("transport: cancel %s: %w: sent by %s", id, domain.ErrBadSignature, env.Sender)
		}
		if ticks == nil {
			return nil
		}
		return ticks.OnTickCancelled(ctx, id)
	}
	return nil
}

// markSeen records id and reports whether it was new. The oldest id is
// forgotten once seenCapacity ids are held.
func (p *Peer) markSeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.seen[id]; dup {
		return false
	}
	if old := p.order[p.next]; old != "" {
		delete(p.seen, old)
	}
	p.order[p.next] = id
	p.next = (p.next + 1) % len(p.order)
	p.seen[id] = struct{}{}
	return true
}
