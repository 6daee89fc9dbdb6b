package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// priceDisplayPlaces bounds the decimal expansion used by String.
const priceDisplayPlaces = 16

// Price is an exact ratio of numerator units per denominator unit, e.g.
// 0.5 MB/BTC. Comparison only looks at the reduced fraction; the urns are
// carried for display and for the market key.
type Price struct {
	rat      *big.Rat
	numUrn   Urn
	denomUrn Urn
}

// NewPrice returns num/denom in numUrn per denomUrn. denom must not be zero.
func NewPrice(num, denom int64, numUrn, denomUrn Urn) Price {
	return Price{rat: big.NewRat(num, denom), numUrn: numUrn, denomUrn: denomUrn}
}

// NewPriceBig is NewPrice for arbitrary precision operands.
func NewPriceBig(num, denom *big.Int, numUrn, denomUrn Urn) (Price, error) {
	if denom == nil || denom.Sign() == 0 {
		return Price{}, fmt.Errorf("%w: price with zero denominator", ErrValidation)
	}
	return Price{rat: new(big.Rat).SetFrac(num, denom), numUrn: numUrn, denomUrn: denomUrn}, nil
}

// ZeroPrice is a price of nothing, used where a side of the book is empty.
func ZeroPrice(numUrn, denomUrn Urn) Price {
	return Price{rat: new(big.Rat), numUrn: numUrn, denomUrn: denomUrn}
}

func (p Price) r() *big.Rat {
	if p.rat == nil {
		return new(big.Rat)
	}
	return p.rat
}

// Rat returns a copy of the reduced fraction.
func (p Price) Rat() *big.Rat { return new(big.Rat).Set(p.r()) }

func (p Price) NumUrn() Urn   { return p.numUrn }
func (p Price) DenomUrn() Urn { return p.denomUrn }

func (p Price) Cmp(o Price) int    { return p.r().Cmp(o.r()) }
func (p Price) Equal(o Price) bool { return p.Cmp(o) == 0 }
func (p Price) IsZero() bool       { return p.r().Sign() == 0 }

// Sub returns p - o in p's units.
func (p Price) Sub(o Price) Price {
	return Price{rat: new(big.Rat).Sub(p.r(), o.r()), numUrn: p.numUrn, denomUrn: p.denomUrn}
}

// Key is a stable map key for the reduced fraction.
func (p Price) Key() string { return p.r().RatString() }

// Decimal renders the fraction without trailing zeros.
func (p Price) Decimal() string {
	r := p.r()
	num := decimal.NewFromBigInt(r.Num(), 0)
	if r.IsInt() {
		return num.String()
	}
	return num.DivRound(decimal.NewFromBigInt(r.Denom(), 0), priceDisplayPlaces).String()
}

func (p Price) String() string {
	return fmt.Sprintf("%s %s/%s", p.Decimal(), p.numUrn, p.denomUrn)
}
