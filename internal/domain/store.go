package domain

import (
	"context"
	"math/big"
)

// OrderRepository persists one trader's orders. Implementations store
// copies: callers mutate an Order and then call Update.
type OrderRepository interface {
	Add(ctx context.Context, order *Order) error
	Update(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id OrderID) (*Order, error)
	FindAll(ctx context.Context) ([]*Order, error)
	DeleteByID(ctx context.Context, id OrderID) error
	// NextIdentity allocates the next unused OrderID for the trader.
	NextIdentity(ctx context.Context) (OrderID, error)
}

// TransactionRepository persists transactions and their payments.
type TransactionRepository interface {
	Add(ctx context.Context, tx *Transaction) error
	Update(ctx context.Context, tx *Transaction) error
	// InsertOrUpdate stores tx unless a stored copy has a newer or equal
	// timestamp.
	InsertOrUpdate(ctx context.Context, tx *Transaction) error
	FindByID(ctx context.Context, id TransactionID) (*Transaction, error)
	FindAll(ctx context.Context) ([]*Transaction, error)
	DeleteByID(ctx context.Context, id TransactionID) error
	AddPayment(ctx context.Context, p *Payment) error
	Payments(ctx context.Context, id TransactionID) ([]*Payment, error)
}

// ReservedTick is a persisted reservation of Quantity on OrderID for a
// match with CounterpartyID.
type ReservedTick struct {
	OrderID        OrderID
	CounterpartyID OrderID
	Quantity       *big.Int
}

// ReservedTickStore persists reservations so they survive a restart.
type ReservedTickStore interface {
	AddReservedTick(ctx context.Context, orderID, counterparty OrderID, quantity *big.Int) error
	ReservedTicks(ctx context.Context, orderID OrderID) ([]ReservedTick, error)
	DeleteReservedTicks(ctx context.Context, orderID OrderID) error
}

// TickStore snapshots the order book.
type TickStore interface {
	AddTick(ctx context.Context, tick *Tick) error
	Ticks(ctx context.Context) ([]*Tick, error)
	DeleteAllTicks(ctx context.Context) error
}

// SchemaManager reports and upgrades the storage schema version.
type SchemaManager interface {
	// CheckDatabase upgrades the schema if needed and returns the resulting
	// version.
	CheckDatabase(ctx context.Context) (int, error)
	UpgradeScript(version int) (string, error)
}
