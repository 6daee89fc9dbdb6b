// Package wallet keeps the node's asset balances and moves them when
// transactions settle.
package wallet

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/big"
	"slices"
	"sync"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// BalanceWallet is a per-urn balance book. Transfers debit it immediately;
// the counterparty credits its own book when the payment notice arrives.
// Each payment id moves assets at most once.
type BalanceWallet struct {
	mu       sync.Mutex
	address  domain.WalletAddress
	balances map[domain.Urn]*big.Int
	sent     map[domain.PaymentID]domain.Transfer
	credited map[domain.PaymentID]struct{}
	logger   *slog.Logger
}

// New creates a wallet holding initial.
func New(address domain.WalletAddress, initial map[domain.Urn]*big.Int, logger *slog.Logger) *BalanceWallet {
	balances := make(map[domain.Urn]*big.Int, len(initial))
	for urn, amount := range initial {
		balances[urn] = new(big.Int).Set(amount)
	}
	return &BalanceWallet{
		address:  address,
		balances: balances,
		sent:     make(map[domain.PaymentID]domain.Transfer),
		credited: make(map[domain.PaymentID]struct{}),
		logger:   logger.With(slog.String("component", "wallet")),
	}
}

// ParseBalances reads "<urn>" -> "<integer>" pairs as found in config.
func ParseBalances(raw map[string]string) (map[domain.Urn]*big.Int, error) {
	out := make(map[domain.Urn]*big.Int, len(raw))
	for k, v := range raw {
		urn, err := domain.ParseUrn(k)
		if err != nil {
			return nil, fmt.Errorf("wallet: balance key: %w", err)
		}
		n, ok := new(big.Int).SetString(v, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("%w: balance for %s is not a non-negative integer: %q", domain.ErrValidation, k, v)
		}
		out[urn] = n
	}
	return out, nil
}

func (w *BalanceWallet) Address() domain.WalletAddress { return w.address }

// Balance returns the current balance of urn.
func (w *BalanceWallet) Balance(urn domain.Urn) *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balanceLocked(urn)
}

func (w *BalanceWallet) balanceLocked(urn domain.Urn) *big.Int {
	if b, ok := w.balances[urn]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Balances returns every balance as amounts, sorted by urn.
func (w *BalanceWallet) Balances() []domain.ProductAmount {
	w.mu.Lock()
	defer w.mu.Unlock()
	urns := slices.SortedFunc(maps.Keys(w.balances), func(a, b domain.Urn) int {
		return cmp.Compare(a.String(), b.String())
	})
	out := make([]domain.ProductAmount, 0, len(urns))
	for _, urn := range urns {
		amount, err := domain.NewProductAmountBig(w.balances[urn], urn)
		if err == nil {
			out = append(out, amount)
		}
	}
	return out
}

// Owed is what order still has to pay out: the unsettled first asset for an
// ask, the unsettled second asset for a bid.
func Owed(order *domain.Order) (domain.Urn, *big.Int) {
	assets := order.Assets()
	if order.IsAsk() {
		return assets.First.Urn(), new(big.Int).Sub(assets.First.Amount(), order.TradedQuantity())
	}
	return assets.Second.Urn(), new(big.Int).Sub(assets.Second.Amount(), order.ReceivedQuantity())
}

// Verify checks the balance covers what order gives on top of what the
// committed orders still owe in the same asset.
func (w *BalanceWallet) Verify(ctx context.Context, order *domain.Order, committed []*domain.Order) error {
	urn, need := Owed(order)
	for _, o := range committed {
		if u, owed := Owed(o); u == urn && owed.Sign() > 0 {
			need.Add(need, owed)
		}
	}

	w.mu.Lock()
	have := w.balanceLocked(urn)
	w.mu.Unlock()

	if have.Cmp(need) < 0 {
		w.logger.InfoContext(ctx, "wallet: order not covered",
			slog.String("order_id", order.ID().String()),
			slog.String("urn", urn.String()),
			slog.String("needed", need.String()),
			slog.String("balance", have.String()),
		)
		return fmt.Errorf("wallet: order %s needs %s %s, balance %s: %w", order.ID(), need, urn, have, domain.ErrInsufficientFunds)
	}
	return nil
}

// Transfer debits amount under payment id and returns the receipt for the
// payment notice. A repeated id returns the first receipt.
func (w *BalanceWallet) Transfer(ctx context.Context, id domain.PaymentID, amount domain.ProductAmount, to domain.TraderID) (domain.Transfer, error) {
	if id == "" {
		return domain.Transfer{}, fmt.Errorf("%w: transfer without payment id", domain.ErrValidation)
	}
	w.mu.Lock()
	if receipt, ok := w.sent[id]; ok {
		w.mu.Unlock()
		w.logger.DebugContext(ctx, "wallet: transfer already made", slog.String("payment_id", string(id)))
		return receipt, nil
	}
	have := w.balanceLocked(amount.Urn())
	if have.Cmp(amount.Amount()) < 0 {
		w.mu.Unlock()
		return domain.Transfer{}, fmt.Errorf("wallet: transfer %s with balance %s: %w", amount, have, domain.ErrInsufficientFunds)
	}
	w.balances[amount.Urn()] = have.Sub(have, amount.Amount())
	receipt := domain.Transfer{
		PaymentID: id,
		From:      w.address,
		To:        domain.WalletAddress(to.String()),
	}
	w.sent[id] = receipt
	w.mu.Unlock()

	w.logger.DebugContext(ctx, "wallet: transferred",
		slog.String("amount", amount.String()),
		slog.String("to", string(receipt.To)),
		slog.String("payment_id", string(id)),
	)
	return receipt, nil
}

// Credit adds an inbound transfer once per payment id.
func (w *BalanceWallet) Credit(ctx context.Context, id domain.PaymentID, amount domain.ProductAmount) error {
	if id == "" {
		return fmt.Errorf("%w: credit without payment id", domain.ErrValidation)
	}
	if amount.Urn().IsZero() {
		return fmt.Errorf("%w: credit without urn", domain.ErrValidation)
	}
	w.mu.Lock()
	if _, ok := w.credited[id]; ok {
		w.mu.Unlock()
		return nil
	}
	have := w.balanceLocked(amount.Urn())
	w.balances[amount.Urn()] = have.Add(have, amount.Amount())
	w.credited[id] = struct{}{}
	w.mu.Unlock()

	w.logger.DebugContext(ctx, "wallet: credited",
		slog.String("amount", amount.String()),
		slog.String("payment_id", string(id)),
	)
	return nil
}
