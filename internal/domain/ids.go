package domain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// TraderIDLen is the byte length of a trader identity (an account address).
const TraderIDLen = 20

// TransactionIDLen is the byte length of a transaction identifier.
const TransactionIDLen = 32

// TraderID is the opaque identity of a market participant.
type TraderID [TraderIDLen]byte

// NewTraderID copies b, which must be exactly TraderIDLen bytes.
func NewTraderID(b []byte) (TraderID, error) {
	var id TraderID
	if len(b) != TraderIDLen {
		return id, fmt.Errorf("%w: trader id must be %d bytes, got %d", ErrValidation, TraderIDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseTraderID decodes the hex form produced by String.
func ParseTraderID(s string) (TraderID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return TraderID{}, fmt.Errorf("%w: trader id %q: %v", ErrValidation, s, err)
	}
	return NewTraderID(b)
}

func (t TraderID) String() string { return hex.EncodeToString(t[:]) }
func (t TraderID) Bytes() []byte  { return bytes.Clone(t[:]) }

func (t TraderID) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TraderID) UnmarshalText(text []byte) error {
	parsed, err := ParseTraderID(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// OrderNumber is a positive sequence number local to one trader.
type OrderNumber uint64

// NewOrderNumber rejects zero and negative numbers.
func NewOrderNumber(n int64) (OrderNumber, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: order number must be positive, got %d", ErrValidation, n)
	}
	return OrderNumber(n), nil
}

func (n OrderNumber) String() string { return strconv.FormatUint(uint64(n), 10) }

// OrderID identifies an order across the network.
type OrderID struct {
	TraderID    TraderID
	OrderNumber OrderNumber
}

func (o OrderID) String() string {
	return o.TraderID.String() + "." + o.OrderNumber.String()
}

// ParseOrderID decodes "<traderhex>.<number>".
func ParseOrderID(s string) (OrderID, error) {
	traderPart, numberPart, ok := strings.Cut(s, ".")
	if !ok {
		return OrderID{}, fmt.Errorf("%w: order id %q", ErrValidation, s)
	}
	trader, err := ParseTraderID(traderPart)
	if err != nil {
		return OrderID{}, err
	}
	n, err := strconv.ParseInt(numberPart, 10, 64)
	if err != nil {
		return OrderID{}, fmt.Errorf("%w: order number %q", ErrValidation, numberPart)
	}
	number, err := NewOrderNumber(n)
	if err != nil {
		return OrderID{}, err
	}
	return OrderID{TraderID: trader, OrderNumber: number}, nil
}

func (o OrderID) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *OrderID) UnmarshalText(text []byte) error {
	parsed, err := ParseOrderID(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// TransactionID identifies a settlement. Both parties derive the same value
// from the agreed trade.
type TransactionID [TransactionIDLen]byte

// NewTransactionID copies b, which must be exactly TransactionIDLen bytes.
func NewTransactionID(b []byte) (TransactionID, error) {
	var id TransactionID
	if len(b) != TransactionIDLen {
		return id, fmt.Errorf("%w: transaction id must be %d bytes, got %d", ErrValidation, TransactionIDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseTransactionID decodes the hex form produced by String.
func ParseTransactionID(s string) (TransactionID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return TransactionID{}, fmt.Errorf("%w: transaction id %q: %v", ErrValidation, s, err)
	}
	return NewTransactionID(b)
}

func (t TransactionID) String() string { return hex.EncodeToString(t[:]) }

func (t TransactionID) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TransactionID) UnmarshalText(text []byte) error {
	parsed, err := ParseTransactionID(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PaymentID is the external reference returned by the wallet for a transfer.
type PaymentID string

// WalletAddress is an opaque wallet-specific destination.
type WalletAddress string

// TradeID identifies one negotiation.
type TradeID string
