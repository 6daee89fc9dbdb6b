package domain

import (
	"context"
	"math/big"
)

// Transfer is the receipt of a completed outbound wallet transfer.
type Transfer struct {
	PaymentID PaymentID
	From      WalletAddress
	To        WalletAddress
}

// Wallet moves this node's assets.
type Wallet interface {
	// Verify checks the wallet can cover what order gives away on top of
	// what the committed orders still owe.
	Verify(ctx context.Context, order *Order, committed []*Order) error
	// Transfer and Credit are keyed by payment id. Repeating one returns the
	// first result without moving the assets again.
	Transfer(ctx context.Context, id PaymentID, amount ProductAmount, to TraderID) (Transfer, error)
	Credit(ctx context.Context, id PaymentID, amount ProductAmount) error
	Balance(urn Urn) *big.Int
	Address() WalletAddress
}
