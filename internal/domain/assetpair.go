package domain

import (
	"fmt"
	"math/big"
)

// AssetPair is an exchange of First for Second. For an ask the owner gives
// First and receives Second; for a bid the roles are reversed, but the pair
// is always quoted as Second per First.
type AssetPair struct {
	First  ProductAmount `json:"first"`
	Second ProductAmount `json:"second"`
}

// NewAssetPair rejects pairs quoted in a single asset.
func NewAssetPair(first, second ProductAmount) (AssetPair, error) {
	if first.Urn().IsZero() || second.Urn().IsZero() {
		return AssetPair{}, fmt.Errorf("%w: asset pair without urn", ErrValidation)
	}
	if first.Urn() == second.Urn() {
		return AssetPair{}, fmt.Errorf("%w: asset pair %s/%s uses one asset twice", ErrValidation, first.Urn(), second.Urn())
	}
	return AssetPair{First: first, Second: second}, nil
}

// MustAssetPair builds a pair from plain quantities. It panics on invalid
// input and is meant for constants and tests.
func MustAssetPair(first uint64, firstUrn Urn, second uint64, secondUrn Urn) AssetPair {
	p, err := NewAssetPair(NewProductAmount(first, firstUrn), NewProductAmount(second, secondUrn))
	if err != nil {
		panic(err)
	}
	return p
}

// Price is Second per First. A pair with an empty first leg has a zero price.
func (p AssetPair) Price() Price {
	if p.First.IsZero() {
		return ZeroPrice(p.Second.Urn(), p.First.Urn())
	}
	price, _ := NewPriceBig(p.Second.int(), p.First.int(), p.Second.Urn(), p.First.Urn())
	return price
}

// DownscaleFirst returns the pair with First set to first and Second scaled
// to keep the ratio. The derived leg is truncated toward zero.
func (p AssetPair) DownscaleFirst(first *big.Int) AssetPair {
	second := new(big.Int)
	if !p.First.IsZero() {
		second.Mul(p.Second.int(), first)
		second.Quo(second, p.First.int())
	}
	return AssetPair{
		First:  ProductAmount{amount: new(big.Int).Set(first), urn: p.First.Urn()},
		Second: ProductAmount{amount: second, urn: p.Second.Urn()},
	}
}

// DownscaleSecond returns the pair with Second set to second and First
// scaled to keep the ratio. The derived leg is truncated toward zero.
func (p AssetPair) DownscaleSecond(second *big.Int) AssetPair {
	first := new(big.Int)
	if !p.Second.IsZero() {
		first.Mul(p.First.int(), second)
		first.Quo(first, p.Second.int())
	}
	return AssetPair{
		First:  ProductAmount{amount: first, urn: p.First.Urn()},
		Second: ProductAmount{amount: new(big.Int).Set(second), urn: p.Second.Urn()},
	}
}

// Zero returns an empty pair in the same assets.
func (p AssetPair) Zero() AssetPair {
	return AssetPair{First: ZeroAmount(p.First.Urn()), Second: ZeroAmount(p.Second.Urn())}
}

func (p AssetPair) Equal(o AssetPair) bool {
	return p.First.Equal(o.First) && p.Second.Equal(o.Second)
}

func (p AssetPair) String() string {
	return fmt.Sprintf("%s %s", p.First, p.Second)
}

// AssetPairDict is the canonical dictionary encoding of an AssetPair.
type AssetPairDict struct {
	First  AmountDict `json:"first"`
	Second AmountDict `json:"second"`
}

func (p AssetPair) ToDictionary() AssetPairDict {
	return AssetPairDict{First: p.First.ToDictionary(), Second: p.Second.ToDictionary()}
}

// AssetPairFromDictionary validates and decodes d.
func AssetPairFromDictionary(d AssetPairDict) (AssetPair, error) {
	first, err := ProductAmountFromDictionary(d.First)
	if err != nil {
		return AssetPair{}, fmt.Errorf("first: %w", err)
	}
	second, err := ProductAmountFromDictionary(d.Second)
	if err != nil {
		return AssetPair{}, fmt.Errorf("second: %w", err)
	}
	return NewAssetPair(first, second)
}
