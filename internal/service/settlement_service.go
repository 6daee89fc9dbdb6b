package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jverbraeken/UniversalMarket/internal/crypto"
	"github.com/jverbraeken/UniversalMarket/internal/domain"
	"github.com/jverbraeken/UniversalMarket/internal/negotiation"
	"github.com/jverbraeken/UniversalMarket/internal/orderbook"
)

// SettlementStream is the durable stream of completed transactions.
const SettlementStream = "anydex:settlements"

// maxEarlyPayments bounds payments held for transactions not started yet.
const maxEarlyPayments = 1024

// PaymentSender delivers a payment notice to the counterparty.
type PaymentSender interface {
	SendPayment(ctx context.Context, to domain.TraderID, p *domain.Payment) error
}

// SettlementService turns agreed trades into transactions and drives both
// legs to completion. Asks pay the first asset, bids the second.
type SettlementService struct {
	self   domain.TraderID
	orders *OrderManager
	txs    domain.TransactionRepository
	book   *orderbook.OrderBook
	wallet domain.Wallet
	sender PaymentSender
	ledger domain.Ledger
	bus    domain.SignalBus
	now    func() domain.Timestamp
	logger *slog.Logger

	mu    sync.Mutex
	early map[domain.TransactionID][]*domain.Payment
	held  int
}

// NewSettlementService creates a SettlementService. ledger and bus may be
// nil.
func NewSettlementService(
	self domain.TraderID,
	orders *OrderManager,
	txs domain.TransactionRepository,
	book *orderbook.OrderBook,
	wallet domain.Wallet,
	sender PaymentSender,
	ledger domain.Ledger,
	bus domain.SignalBus,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		self:   self,
		orders: orders,
		txs:    txs,
		book:   book,
		wallet: wallet,
		sender: sender,
		ledger: ledger,
		bus:    bus,
		now:    domain.Now,
		logger: logger.With(slog.String("component", "settlement")),
		early:  make(map[domain.TransactionID][]*domain.Payment),
	}
}

// WithClock replaces the time source used to stamp payments.
func (s *SettlementService) WithClock(now func() domain.Timestamp) *SettlementService {
	s.now = now
	return s
}

// OnAgreement starts the transaction for an agreed trade and pays this
// side's leg.
func (s *SettlementService) OnAgreement(ctx context.Context, a negotiation.Agreement) error {
	s.mu.Lock()
	out, err := s.startLocked(ctx, a)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if out != nil {
		s.send(ctx, a.PartnerOrderID.TraderID, out)
	}
	return nil
}

func (s *SettlementService) startLocked(ctx context.Context, a negotiation.Agreement) (*domain.Payment, error) {
	id := crypto.TransactionIDFor(a.TradeID)
	tx := domain.NewTransaction(id, a.Assets, a.OrderID, a.PartnerOrderID, a.Timestamp)
	if err := s.txs.Add(ctx, tx); err != nil {
		return nil, fmt.Errorf("settlement: add transaction %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "settlement: transaction started",
		slog.String("transaction_id", id.String()),
		slog.String("order_id", a.OrderID.String()),
		slog.String("partner_order_id", a.PartnerOrderID.String()),
		slog.String("assets", a.Assets.String()),
	)

	order, err := s.orders.Order(ctx, a.OrderID)
	if err != nil {
		return nil, fmt.Errorf("settlement: start %s: %w", id, err)
	}

	if early := s.early[id]; len(early) > 0 {
		delete(s.early, id)
		s.held -= len(early)
		for _, p := range early {
			if err := s.receiveLocked(ctx, tx, order.IsAsk(), p); err != nil {
				s.logger.WarnContext(ctx, "settlement: early payment rejected",
					slog.String("transaction_id", id.String()),
					slog.String("payment_id", string(p.PaymentID)),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return s.payLocked(ctx, tx, order.IsAsk())
}

// paymentID names the next outbound payment on tx. It only depends on what
// is already booked, so a payment whose booking failed is retried under the
// same id and the wallet does not move the assets twice.
func (s *SettlementService) paymentID(tx *domain.Transaction) domain.PaymentID {
	n := 0
	for _, p := range tx.Payments() {
		if p.TraderID == s.self {
			n++
		}
	}
	name := fmt.Sprintf("%s/%s/%d", tx.ID(), s.self, n)
	return domain.PaymentID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String())
}

// payLocked transfers what this side still owes on tx.
func (s *SettlementService) payLocked(ctx context.Context, tx *domain.Transaction, isAsk bool) (*domain.Payment, error) {
	amount := tx.NextPayment(isAsk)
	if amount.IsZero() {
		return nil, nil
	}
	receipt, err := s.wallet.Transfer(ctx, s.paymentID(tx), amount, tx.PartnerOrderID().TraderID)
	if err != nil {
		return nil, fmt.Errorf("settlement: transfer %s for %s: %w", amount, tx.ID(), err)
	}
	p := &domain.Payment{
		TraderID:          s.self,
		TransactionID:     tx.ID(),
		TransferredAmount: amount,
		AddressFrom:       receipt.From,
		AddressTo:         receipt.To,
		PaymentID:         receipt.PaymentID,
		Timestamp:         s.now(),
	}
	if err := s.applyLocked(ctx, tx, p); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "settlement: payment sent",
		slog.String("transaction_id", tx.ID().String()),
		slog.String("payment_id", string(p.PaymentID)),
		slog.String("amount", amount.String()),
	)
	return p, nil
}

func (s *SettlementService) send(ctx context.Context, to domain.TraderID, p *domain.Payment) {
	if err := s.sender.SendPayment(ctx, to, p); err != nil {
		s.logger.WarnContext(ctx, "settlement: payment notice failed",
			slog.String("transaction_id", p.TransactionID.String()),
			slog.String("payment_id", string(p.PaymentID)),
			slog.String("error", err.Error()),
		)
	}
}

// OnPayment books a payment the counterparty made. Payments for a
// transaction that has not started yet are held until it does.
func (s *SettlementService) OnPayment(ctx context.Context, p *domain.Payment) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("settlement: inbound payment: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.txs.FindByID(ctx, p.TransactionID)
	if errors.Is(err, domain.ErrNotFound) {
		if s.held >= maxEarlyPayments {
			return fmt.Errorf("settlement: payment %s: %w", p.PaymentID, domain.ErrUnknownTrade)
		}
		s.early[p.TransactionID] = append(s.early[p.TransactionID], p)
		s.held++
		s.logger.DebugContext(ctx, "settlement: payment held for unknown transaction",
			slog.String("transaction_id", p.TransactionID.String()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: load transaction %s: %w", p.TransactionID, err)
	}
	order, err := s.orders.Order(ctx, tx.OrderID())
	if err != nil {
		return fmt.Errorf("settlement: payment %s: %w", p.PaymentID, err)
	}
	return s.receiveLocked(ctx, tx, order.IsAsk(), p)
}

// receiveLocked checks an inbound payment against the leg the partner owes,
// credits the wallet and books it.
func (s *SettlementService) receiveLocked(ctx context.Context, tx *domain.Transaction, isAsk bool, p *domain.Payment) error {
	if p.TraderID != tx.PartnerOrderID().TraderID {
		return fmt.Errorf("settlement: payment %s from %s: %w", p.PaymentID, p.TraderID, domain.ErrUnauthorized)
	}
	if tx.HasPayment(p.PaymentID) {
		return nil
	}
	owed := tx.NextPayment(!isAsk)
	if p.TransferredAmount.Urn() != owed.Urn() {
		return fmt.Errorf("settlement: payment %s in %s: %w", p.PaymentID, p.TransferredAmount.Urn(), domain.ErrUrnMismatch)
	}
	if c, _ := p.TransferredAmount.Cmp(owed); c > 0 {
		return fmt.Errorf("%w: payment %s of %s exceeds the %s owed", domain.ErrValidation, p.PaymentID, p.TransferredAmount, owed)
	}
	if err := s.wallet.Credit(ctx, p.PaymentID, p.TransferredAmount); err != nil {
		return fmt.Errorf("settlement: credit %s: %w", p.PaymentID, err)
	}
	if err := s.applyLocked(ctx, tx, p); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "settlement: payment received",
		slog.String("transaction_id", tx.ID().String()),
		slog.String("payment_id", string(p.PaymentID)),
		slog.String("amount", p.TransferredAmount.String()),
	)
	return nil
}

// applyLocked books p on tx and on the own order. A first-asset payment
// first gives back the matching part of the reservation.
func (s *SettlementService) applyLocked(ctx context.Context, tx *domain.Transaction, p *domain.Payment) error {
	if err := tx.AddPayment(p); err != nil {
		return fmt.Errorf("settlement: book payment %s: %w", p.PaymentID, err)
	}
	if err := s.txs.AddPayment(ctx, p); err != nil {
		return fmt.Errorf("settlement: store payment %s: %w", p.PaymentID, err)
	}

	firstLeg := p.TransferredAmount.Urn() == tx.Assets().First.Urn()
	partner := tx.PartnerOrderID()
	_, err := s.orders.Update(ctx, tx.OrderID(), func(o *domain.Order) error {
		if firstLeg {
			if err := o.ReleaseQuantityForTick(partner, p.TransferredAmount.Amount()); err != nil {
				return err
			}
		}
		return o.AddTrade(partner, p.TransferredAmount)
	})
	if err != nil {
		return fmt.Errorf("settlement: update order %s: %w", tx.OrderID(), err)
	}

	if tx.IsPaymentComplete() {
		s.completeLocked(ctx, tx)
	}
	return nil
}

// completeLocked updates the book and records a finished transaction.
// Failures here are logged; the transaction is already settled.
func (s *SettlementService) completeLocked(ctx context.Context, tx *domain.Transaction) {
	attrs := []any{slog.String("transaction_id", tx.ID().String())}

	if err := s.updateBook(ctx, tx); err != nil {
		s.logger.WarnContext(ctx, "settlement: update book failed", append(attrs, slog.String("error", err.Error()))...)
	}
	if err := s.txs.InsertOrUpdate(ctx, tx); err != nil {
		s.logger.WarnContext(ctx, "settlement: persist transaction failed", append(attrs, slog.String("error", err.Error()))...)
	}
	if s.ledger != nil {
		if err := s.ledger.Record(ctx, tx); err != nil {
			s.logger.WarnContext(ctx, "settlement: ledger record failed", append(attrs, slog.String("error", err.Error()))...)
		}
	}
	if s.bus != nil {
		payload, err := json.Marshal(tx.ToDictionary())
		if err == nil {
			err = s.bus.StreamAppend(ctx, SettlementStream, payload)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "settlement: stream append failed", append(attrs, slog.String("error", err.Error()))...)
		}
		evt, _ := json.Marshal(map[string]any{
			"event":       "transaction_completed",
			"transaction": tx.ToBlockDictionary(),
		})
		if err := s.bus.Publish(ctx, EventsChannel, evt); err != nil {
			s.logger.WarnContext(ctx, "settlement: publish event failed", append(attrs, slog.String("error", err.Error()))...)
		}
	}

	s.logger.InfoContext(ctx, "settlement: transaction completed", attrs...)
}

// updateBook applies the settled quantity to the own tick and the partner's.
// A partner tick this node never saw is reported as fully traded.
func (s *SettlementService) updateBook(ctx context.Context, tx *domain.Transaction) error {
	order, err := s.orders.Order(ctx, tx.OrderID())
	if err != nil {
		return err
	}
	own := domain.NewTick(order.ID(), order.Assets(), order.Timeout(), order.Timestamp(), order.IsAsk())
	own.Traded = order.TradedQuantity()

	partner, ok := s.book.Tick(tx.PartnerOrderID())
	if !ok {
		partner = domain.NewTick(tx.PartnerOrderID(), tx.Assets(), 0, tx.Timestamp(), !order.IsAsk())
		partner.Traded = tx.Assets().First.Amount()
	}

	ask, bid := own, partner
	if !order.IsAsk() {
		ask, bid = partner, own
	}
	return s.book.UpdateTicks(ask.ToDictionary(), bid.ToDictionary(), tx.Assets().First.Amount())
}

// ResumePending pays the outstanding own legs of unfinished transactions,
// for use after a restart. It returns how many payments were made.
func (s *SettlementService) ResumePending(ctx context.Context) (int, error) {
	txs, err := s.txs.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("settlement: resume: %w", err)
	}
	paid := 0
	for _, tx := range txs {
		if tx.IsPaymentComplete() {
			continue
		}
		s.mu.Lock()
		var p *domain.Payment
		order, err := s.orders.Order(ctx, tx.OrderID())
		if err == nil {
			p, err = s.payLocked(ctx, tx, order.IsAsk())
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.WarnContext(ctx, "settlement: resume failed",
				slog.String("transaction_id", tx.ID().String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if p != nil {
			s.send(ctx, tx.PartnerOrderID().TraderID, p)
			paid++
		}
	}
	return paid, nil
}

// Transactions lists every known transaction, oldest first.
func (s *SettlementService) Transactions(ctx context.Context) ([]*domain.Transaction, error) {
	txs, err := s.txs.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: list transactions: %w", err)
	}
	return txs, nil
}
