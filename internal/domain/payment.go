package domain

import "fmt"

// Payment records one transfer made towards a Transaction. The wallet moves
// the funds; the core only keeps the amounts.
type Payment struct {
	TraderID          TraderID
	TransactionID     TransactionID
	TransferredAmount ProductAmount
	AddressFrom       WalletAddress
	AddressTo         WalletAddress
	PaymentID         PaymentID
	Timestamp         Timestamp
}

// Validate rejects payments that could not be booked on any transaction.
func (p *Payment) Validate() error {
	if p.TransferredAmount.Urn().IsZero() || p.TransferredAmount.IsZero() {
		return fmt.Errorf("%w: payment %s transfers nothing", ErrValidation, p.PaymentID)
	}
	if p.PaymentID == "" {
		return fmt.Errorf("%w: payment without id", ErrValidation)
	}
	return nil
}

// PaymentDict is the canonical dictionary encoding of a Payment.
type PaymentDict struct {
	TraderID          TraderID      `json:"trader_id"`
	TransactionID     TransactionID `json:"transaction_id"`
	TransferredAmount AmountDict    `json:"transferred"`
	AddressFrom       WalletAddress `json:"address_from"`
	AddressTo         WalletAddress `json:"address_to"`
	PaymentID         PaymentID     `json:"payment_id"`
	Timestamp         Timestamp     `json:"timestamp"`
}

func (p *Payment) ToDictionary() PaymentDict {
	return PaymentDict{
		TraderID:          p.TraderID,
		TransactionID:     p.TransactionID,
		TransferredAmount: p.TransferredAmount.ToDictionary(),
		AddressFrom:       p.AddressFrom,
		AddressTo:         p.AddressTo,
		PaymentID:         p.PaymentID,
		Timestamp:         p.Timestamp,
	}
}
