package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// ProductAmount is a non-negative integer quantity of a single asset.
// Values are immutable; every operation returns a new ProductAmount.
type ProductAmount struct {
	amount *big.Int
	urn    Urn
}

// NewProductAmount returns n units of urn.
func NewProductAmount(n uint64, urn Urn) ProductAmount {
	return ProductAmount{amount: new(big.Int).SetUint64(n), urn: urn}
}

// NewProductAmountBig validates that n is non-negative and that urn is set.
func NewProductAmountBig(n *big.Int, urn Urn) (ProductAmount, error) {
	if n == nil || n.Sign() < 0 {
		return ProductAmount{}, fmt.Errorf("%w: amount must be a non-negative integer, got %v", ErrValidation, n)
	}
	if urn.IsZero() {
		return ProductAmount{}, fmt.Errorf("%w: amount without urn", ErrValidation)
	}
	return ProductAmount{amount: new(big.Int).Set(n), urn: urn}, nil
}

// ZeroAmount returns an empty amount of urn.
func ZeroAmount(urn Urn) ProductAmount {
	return ProductAmount{amount: new(big.Int), urn: urn}
}

func (a ProductAmount) int() *big.Int {
	if a.amount == nil {
		return new(big.Int)
	}
	return a.amount
}

// Amount returns a copy of the integer quantity.
func (a ProductAmount) Amount() *big.Int { return new(big.Int).Set(a.int()) }

func (a ProductAmount) Urn() Urn { return a.urn }

func (a ProductAmount) IsZero() bool { return a.int().Sign() == 0 }

// Add returns a + o. Both amounts must carry the same urn.
func (a ProductAmount) Add(o ProductAmount) (ProductAmount, error) {
	if a.urn != o.urn {
		return ProductAmount{}, fmt.Errorf("%w: %s + %s", ErrUrnMismatch, a.urn, o.urn)
	}
	return ProductAmount{amount: new(big.Int).Add(a.int(), o.int()), urn: a.urn}, nil
}

// Sub returns a - o. A negative result is rejected.
func (a ProductAmount) Sub(o ProductAmount) (ProductAmount, error) {
	if a.urn != o.urn {
		return ProductAmount{}, fmt.Errorf("%w: %s - %s", ErrUrnMismatch, a.urn, o.urn)
	}
	diff := new(big.Int).Sub(a.int(), o.int())
	if diff.Sign() < 0 {
		return ProductAmount{}, fmt.Errorf("%w: %s - %s is negative", ErrValidation, a, o)
	}
	return ProductAmount{amount: diff, urn: a.urn}, nil
}

// Cmp compares two amounts of the same urn.
func (a ProductAmount) Cmp(o ProductAmount) (int, error) {
	if a.urn != o.urn {
		return 0, fmt.Errorf("%w: cannot compare %s with %s", ErrUrnMismatch, a.urn, o.urn)
	}
	return a.int().Cmp(o.int()), nil
}

// Equal reports whether both the urn and the quantity match.
func (a ProductAmount) Equal(o ProductAmount) bool {
	return a.urn == o.urn && a.int().Cmp(o.int()) == 0
}

func (a ProductAmount) String() string {
	return fmt.Sprintf("%s %s", a.int().String(), a.urn)
}

// AmountDict is the canonical dictionary encoding of a ProductAmount.
type AmountDict struct {
	Amount *big.Int `json:"amount"`
	Type   string   `json:"type"`
}

func (a ProductAmount) ToDictionary() AmountDict {
	return AmountDict{Amount: a.Amount(), Type: a.urn.String()}
}

// ProductAmountFromDictionary validates and decodes d.
func ProductAmountFromDictionary(d AmountDict) (ProductAmount, error) {
	urn, err := ParseUrn(d.Type)
	if err != nil {
		return ProductAmount{}, err
	}
	return NewProductAmountBig(d.Amount, urn)
}

func (a ProductAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.ToDictionary())
}

func (a *ProductAmount) UnmarshalJSON(data []byte) error {
	var d AmountDict
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	decoded, err := ProductAmountFromDictionary(d)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}
