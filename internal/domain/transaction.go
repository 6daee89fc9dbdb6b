package domain

import "fmt"

// TransactionStatus is derived from the transferred amounts.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
)

// Transaction tracks settlement of one agreed trade from the point of view
// of OrderID's owner.
type Transaction struct {
	id             TransactionID
	assets         AssetPair
	orderID        OrderID
	partnerOrderID OrderID
	timestamp      Timestamp
	transferred    AssetPair
	payments       []*Payment
}

// NewTransaction starts a settlement with nothing transferred.
func NewTransaction(id TransactionID, assets AssetPair, orderID, partnerOrderID OrderID, ts Timestamp) *Transaction {
	return &Transaction{
		id:             id,
		assets:         assets,
		orderID:        orderID,
		partnerOrderID: partnerOrderID,
		timestamp:      ts,
		transferred:    assets.Zero(),
	}
}

// TransactionFromAcceptedTrade builds the proposer's view of an accepted
// trade: the acceptance is addressed to the proposer's order.
func TransactionFromAcceptedTrade(accepted Trade, id TransactionID) *Transaction {
	return NewTransaction(id, accepted.Assets, accepted.RecipientOrderID, accepted.OrderID, accepted.Timestamp)
}

func (t *Transaction) ID() TransactionID            { return t.id }
func (t *Transaction) Assets() AssetPair            { return t.assets }
func (t *Transaction) OrderID() OrderID             { return t.orderID }
func (t *Transaction) PartnerOrderID() OrderID      { return t.partnerOrderID }
func (t *Transaction) Timestamp() Timestamp         { return t.timestamp }
func (t *Transaction) TransferredAssets() AssetPair { return t.transferred }

// Payments returns the payment history in arrival order.
func (t *Transaction) Payments() []*Payment {
	out := make([]*Payment, len(t.payments))
	copy(out, t.payments)
	return out
}

// HasPayment reports whether a payment with id was already booked.
func (t *Transaction) HasPayment(id PaymentID) bool {
	for _, p := range t.payments {
		if p.PaymentID == id {
			return true
		}
	}
	return false
}

// AddPayment adds the payment to the leg with the matching urn. A payment
// that would take the leg past its agreed amount is rejected.
func (t *Transaction) AddPayment(p *Payment) error {
	if p.TransactionID != t.id {
		return fmt.Errorf("%w: payment %s belongs to transaction %s, not %s", ErrValidation, p.PaymentID, p.TransactionID, t.id)
	}
	var total, done *ProductAmount
	switch p.TransferredAmount.Urn() {
	case t.assets.First.Urn():
		total, done = &t.assets.First, &t.transferred.First
	case t.assets.Second.Urn():
		total, done = &t.assets.Second, &t.transferred.Second
	default:
		return fmt.Errorf("%w: transaction %s does not settle %s", ErrUrnMismatch, t.id, p.TransferredAmount.Urn())
	}
	sum, err := done.Add(p.TransferredAmount)
	if err != nil {
		return err
	}
	if c, _ := sum.Cmp(*total); c > 0 {
		return fmt.Errorf("%w: payment %s brings %s to %s of %s", ErrValidation, p.PaymentID, t.id, sum, total)
	}
	*done = sum
	t.payments = append(t.payments, p)
	return nil
}

// NextPayment is what is still owed on the first (first=true) or second leg.
func (t *Transaction) NextPayment(first bool) ProductAmount {
	total, done := t.assets.Second, t.transferred.Second
	if first {
		total, done = t.assets.First, t.transferred.First
	}
	left, err := total.Sub(done)
	if err != nil {
		return ZeroAmount(total.Urn())
	}
	return left
}

// IsPaymentComplete reports whether both legs are fully transferred.
func (t *Transaction) IsPaymentComplete() bool {
	return t.transferred.Equal(t.assets)
}

func (t *Transaction) Status() TransactionStatus {
	if t.IsPaymentComplete() {
		return TransactionCompleted
	}
	return TransactionPending
}

// BlockDict is the stable record handed to the ledger.
type BlockDict struct {
	TraderID           TraderID      `json:"trader_id"`
	TransactionID      TransactionID `json:"transaction_id"`
	OrderNumber        OrderNumber   `json:"order_number"`
	PartnerTraderID    TraderID      `json:"partner_trader_id"`
	PartnerOrderNumber OrderNumber   `json:"partner_order_number"`
	Assets             AssetPairDict `json:"assets"`
	Transferred        AssetPairDict `json:"transferred"`
	Timestamp          Timestamp     `json:"timestamp"`
}

func (t *Transaction) ToBlockDictionary() BlockDict {
	return BlockDict{
		TraderID:           t.orderID.TraderID,
		TransactionID:      t.id,
		OrderNumber:        t.orderID.OrderNumber,
		PartnerTraderID:    t.partnerOrderID.TraderID,
		PartnerOrderNumber: t.partnerOrderID.OrderNumber,
		Assets:             t.assets.ToDictionary(),
		Transferred:        t.transferred.ToDictionary(),
		Timestamp:          t.timestamp,
	}
}

// TransactionDict adds settlement progress to the block dictionary.
type TransactionDict struct {
	BlockDict
	Status   TransactionStatus `json:"status"`
	Payments []PaymentDict     `json:"payments"`
}

func (t *Transaction) ToDictionary() TransactionDict {
	payments := make([]PaymentDict, 0, len(t.payments))
	for _, p := range t.payments {
		payments = append(payments, p.ToDictionary())
	}
	return TransactionDict{
		BlockDict: t.ToBlockDictionary(),
		Status:    t.Status(),
		Payments:  payments,
	}
}

// RestoreTransaction rebuilds a transaction and replays its payments.
func RestoreTransaction(id TransactionID, assets AssetPair, orderID, partnerOrderID OrderID, ts Timestamp, payments []*Payment) (*Transaction, error) {
	tx := NewTransaction(id, assets, orderID, partnerOrderID, ts)
	for _, p := range payments {
		if err := tx.AddPayment(p); err != nil {
			return nil, fmt.Errorf("restore transaction %s: %w", id, err)
		}
	}
	return tx, nil
}
