package domain

import (
	"encoding/hex"
	"fmt"
	"math/big"
)

// BlockHash links a tick to the ledger entry that announced it.
type BlockHash [32]byte

func (h BlockHash) String() string { return hex.EncodeToString(h[:]) }

func (h BlockHash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *BlockHash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil || len(b) != len(h) {
		return fmt.Errorf("%w: block hash %q", ErrValidation, text)
	}
	copy(h[:], b)
	return nil
}

// Tick is the book's view of an order's offer. Traded counts what the book
// has seen matched out of it, which can run ahead of the order's settlement.
type Tick struct {
	OrderID   OrderID
	Assets    AssetPair
	Timeout   Timeout
	Timestamp Timestamp
	IsAsk     bool
	Traded    *big.Int
	BlockHash BlockHash
}

// NewTick builds an ask (isAsk) or bid snapshot with nothing traded.
func NewTick(id OrderID, assets AssetPair, timeout Timeout, timestamp Timestamp, isAsk bool) *Tick {
	return &Tick{
		OrderID:   id,
		Assets:    assets,
		Timeout:   timeout,
		Timestamp: timestamp,
		IsAsk:     isAsk,
		Traded:    new(big.Int),
	}
}

// TickFromOrder mirrors the order's untraded remainder.
func TickFromOrder(o *Order) *Tick {
	assets := o.Assets()
	if o.traded.Sign() > 0 {
		remaining := new(big.Int).Sub(assets.First.int(), o.traded)
		assets = assets.DownscaleFirst(remaining)
	}
	return NewTick(o.ID(), assets, o.Timeout(), o.Timestamp(), o.IsAsk())
}

// Price is Second per First.
func (t *Tick) Price() Price { return t.Assets.Price() }

// Remaining is the first-asset quantity still on offer.
func (t *Tick) Remaining() *big.Int {
	r := t.Assets.First.Amount()
	if t.Traded != nil {
		r.Sub(r, t.Traded)
	}
	if r.Sign() < 0 {
		r.SetInt64(0)
	}
	return r
}

func (t *Tick) Deadline() Timestamp { return Deadline(t.Timestamp, t.Timeout) }

// IsValidAt reports whether something is left and the tick has not expired.
func (t *Tick) IsValidAt(now Timestamp) bool {
	return t.Remaining().Sign() > 0 && now < t.Deadline()
}

// Clone returns an independent copy.
func (t *Tick) Clone() *Tick {
	c := *t
	c.Traded = new(big.Int)
	if t.Traded != nil {
		c.Traded.Set(t.Traded)
	}
	return &c
}

func (t *Tick) String() string {
	return fmt.Sprintf("%s\t@\t%s %s", t.Assets.First, t.Price().Decimal(), t.Assets.Second.Urn())
}

// TickDict is the canonical dictionary encoding of a Tick.
type TickDict struct {
	TraderID    TraderID      `json:"trader_id"`
	OrderNumber OrderNumber   `json:"order_number"`
	Assets      AssetPairDict `json:"assets"`
	Timeout     Timeout       `json:"timeout"`
	Timestamp   Timestamp     `json:"timestamp"`
	Traded      *big.Int      `json:"traded"`
	BlockHash   BlockHash     `json:"block_hash"`
	IsAsk       bool          `json:"is_ask"`
}

func (t *Tick) ToDictionary() TickDict {
	traded := new(big.Int)
	if t.Traded != nil {
		traded.Set(t.Traded)
	}
	return TickDict{
		TraderID:    t.OrderID.TraderID,
		OrderNumber: t.OrderID.OrderNumber,
		Assets:      t.Assets.ToDictionary(),
		Timeout:     t.Timeout,
		Timestamp:   t.Timestamp,
		Traded:      traded,
		BlockHash:   t.BlockHash,
		IsAsk:       t.IsAsk,
	}
}

// TickFromDictionary validates and decodes d.
func TickFromDictionary(d TickDict) (*Tick, error) {
	assets, err := AssetPairFromDictionary(d.Assets)
	if err != nil {
		return nil, fmt.Errorf("tick assets: %w", err)
	}
	if d.OrderNumber == 0 {
		return nil, fmt.Errorf("%w: tick without order number", ErrValidation)
	}
	if d.Timestamp < 0 || d.Timeout < 0 {
		return nil, fmt.Errorf("%w: tick with negative time", ErrValidation)
	}
	t := NewTick(OrderID{TraderID: d.TraderID, OrderNumber: d.OrderNumber}, assets, d.Timeout, d.Timestamp, d.IsAsk)
	if d.Traded != nil {
		if d.Traded.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative traded quantity", ErrValidation)
		}
		t.Traded.Set(d.Traded)
	}
	t.BlockHash = d.BlockHash
	return t, nil
}
