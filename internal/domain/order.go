package domain

import (
	"fmt"
	"maps"
	"math/big"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusUnverified OrderStatus = "unverified"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusExpired    OrderStatus = "expired"
	OrderStatusOpen       OrderStatus = "open"
)

// Order is one trader's intent to exchange an AssetPair. The reservation
// bookkeeping keeps reserved + traded <= Assets.First at all times.
//
// An Order is not safe for concurrent use; the order manager serialises
// access per order.
type Order struct {
	id        OrderID
	assets    AssetPair
	isAsk     bool
	timeout   Timeout
	timestamp Timestamp

	verified     bool
	cancelled    bool
	traded       *big.Int
	received     *big.Int
	completedAt  *Timestamp
	reservations map[OrderID]*big.Int
}

// NewOrder creates an unverified order. Both legs must be non-empty.
func NewOrder(id OrderID, assets AssetPair, timeout Timeout, timestamp Timestamp, isAsk bool) (*Order, error) {
	if assets.First.IsZero() || assets.Second.IsZero() {
		return nil, fmt.Errorf("%w: order %s has an empty leg (%s)", ErrValidation, id, assets)
	}
	if id.OrderNumber == 0 {
		return nil, fmt.Errorf("%w: order without number", ErrValidation)
	}
	return &Order{
		id:           id,
		assets:       assets,
		isAsk:        isAsk,
		timeout:      timeout,
		timestamp:    timestamp,
		traded:       new(big.Int),
		received:     new(big.Int),
		reservations: make(map[OrderID]*big.Int),
	}, nil
}

func (o *Order) ID() OrderID          { return o.id }
func (o *Order) Assets() AssetPair    { return o.assets }
func (o *Order) IsAsk() bool          { return o.isAsk }
func (o *Order) Timeout() Timeout     { return o.timeout }
func (o *Order) Timestamp() Timestamp { return o.timestamp }
func (o *Order) Verified() bool       { return o.verified }
func (o *Order) Cancelled() bool      { return o.cancelled }

// TotalQuantity is the amount of the first asset the order covers.
func (o *Order) TotalQuantity() *big.Int { return o.assets.First.Amount() }

// TradedQuantity is the settled amount of the first asset.
func (o *Order) TradedQuantity() *big.Int { return new(big.Int).Set(o.traded) }

// ReceivedQuantity is the settled amount of the second asset.
func (o *Order) ReceivedQuantity() *big.Int { return new(big.Int).Set(o.received) }

// ReservedQuantity sums all outstanding reservations.
func (o *Order) ReservedQuantity() *big.Int {
	total := new(big.Int)
	for _, q := range o.reservations {
		total.Add(total, q)
	}
	return total
}

// AvailableQuantity is what can still be reserved.
func (o *Order) AvailableQuantity() *big.Int {
	avail := o.assets.First.Amount()
	avail.Sub(avail, o.ReservedQuantity())
	return avail.Sub(avail, o.traded)
}

// ReservedQuantityForTick returns the reservation held for counterparty, or
// zero when there is none.
func (o *Order) ReservedQuantityForTick(counterparty OrderID) *big.Int {
	if q, ok := o.reservations[counterparty]; ok {
		return new(big.Int).Set(q)
	}
	return new(big.Int)
}

// Reservations returns a copy of the reservation table.
func (o *Order) Reservations() map[OrderID]*big.Int {
	out := make(map[OrderID]*big.Int, len(o.reservations))
	for id, q := range o.reservations {
		out[id] = new(big.Int).Set(q)
	}
	return out
}

// CompletedTimestamp is set once both legs are fully settled.
func (o *Order) CompletedTimestamp() (Timestamp, bool) {
	if o.completedAt == nil {
		return 0, false
	}
	return *o.completedAt, true
}

func (o *Order) SetVerified() { o.verified = true }
func (o *Order) Cancel()      { o.cancelled = true }

// ReserveQuantityForTick holds quantity of the first asset for a match with
// counterparty.
func (o *Order) ReserveQuantityForTick(counterparty OrderID, quantity *big.Int) error {
	if quantity == nil || quantity.Sign() <= 0 {
		return fmt.Errorf("%w: reservation quantity must be positive", ErrValidation)
	}
	if quantity.Cmp(o.AvailableQuantity()) > 0 {
		return fmt.Errorf("%w: order %s cannot reserve %s (available %s)",
			ErrInsufficientCapacity, o.id, quantity, o.AvailableQuantity())
	}
	if cur, ok := o.reservations[counterparty]; ok {
		cur.Add(cur, quantity)
	} else {
		o.reservations[counterparty] = new(big.Int).Set(quantity)
	}
	return nil
}

// ReleaseQuantityForTick gives back part or all of a reservation.
func (o *Order) ReleaseQuantityForTick(counterparty OrderID, quantity *big.Int) error {
	cur, ok := o.reservations[counterparty]
	if !ok {
		return fmt.Errorf("%w: order %s holds nothing for %s", ErrTickWasNotReserved, o.id, counterparty)
	}
	if quantity == nil || quantity.Sign() < 0 {
		return fmt.Errorf("%w: release quantity must be non-negative", ErrValidation)
	}
	if quantity.Cmp(cur) > 0 {
		return fmt.Errorf("%w: order %s releasing %s of %s reserved for %s",
			ErrOverRelease, o.id, quantity, cur, counterparty)
	}
	cur.Sub(cur, quantity)
	if cur.Sign() == 0 {
		delete(o.reservations, counterparty)
	}
	return nil
}

// AddTrade books a settled transfer. Amounts of the first asset count as
// traded, amounts of the second as received. Reservations are left alone;
// the caller releases them once the leg has settled.
func (o *Order) AddTrade(counterparty OrderID, amount ProductAmount) error {
	switch amount.Urn() {
	case o.assets.First.Urn():
		o.traded.Add(o.traded, amount.int())
	case o.assets.Second.Urn():
		o.received.Add(o.received, amount.int())
	default:
		return fmt.Errorf("%w: order %s does not trade %s (trade with %s)", ErrUrnMismatch, o.id, amount.Urn(), counterparty)
	}
	if o.completedAt == nil && o.IsComplete() {
		now := Now()
		o.completedAt = &now
	}
	return nil
}

// IsComplete reports whether both legs are fully settled.
func (o *Order) IsComplete() bool {
	return o.traded.Cmp(o.assets.First.int()) == 0 && o.received.Cmp(o.assets.Second.int()) == 0
}

// HasAcceptablePrice reports whether trading at candidate's price is at
// least as good as this order's own limit.
func (o *Order) HasAcceptablePrice(candidate AssetPair) bool {
	cmp := candidate.Price().Cmp(o.assets.Price())
	if o.isAsk {
		return cmp >= 0
	}
	return cmp <= 0
}

// AcceptsAssets reports whether the order can trade exactly p: both legs
// are non-zero and p's price is within the order's limit.
func (o *Order) AcceptsAssets(p AssetPair) bool {
	if p.First.IsZero() || p.Second.IsZero() {
		return false
	}
	return o.HasAcceptablePrice(p)
}

// ProposalFor scales the order's own pair to quantity of the first asset.
// ok is false when truncating the second leg leaves a pair the order itself
// would not accept.
func (o *Order) ProposalFor(quantity *big.Int) (p AssetPair, ok bool) {
	p = o.assets.DownscaleFirst(quantity)
	return p, o.AcceptsAssets(p)
}

// IsValid reports whether the order has not timed out.
func (o *Order) IsValid() bool { return o.IsValidAt(Now()) }

func (o *Order) IsValidAt(now Timestamp) bool {
	return now < Deadline(o.timestamp, o.timeout)
}

// Status evaluates the lifecycle state at the current time.
func (o *Order) Status() OrderStatus { return o.StatusAt(Now()) }

func (o *Order) StatusAt(now Timestamp) OrderStatus {
	return EvaluateOrderStatus(o.verified, o.cancelled, o.IsComplete(), o.IsValidAt(now))
}

// EvaluateOrderStatus applies the fixed priority: unverified, cancelled,
// completed, expired, open.
func EvaluateOrderStatus(verified, cancelled, complete, valid bool) OrderStatus {
	switch {
	case !verified:
		return OrderStatusUnverified
	case cancelled:
		return OrderStatusCancelled
	case complete:
		return OrderStatusCompleted
	case !valid:
		return OrderStatusExpired
	default:
		return OrderStatusOpen
	}
}

// OrderDict is the canonical dictionary encoding of an Order.
type OrderDict struct {
	TraderID           TraderID      `json:"trader_id"`
	Cancelled          bool          `json:"cancelled"`
	CompletedTimestamp *Timestamp    `json:"completed_timestamp"`
	IsAsk              bool          `json:"is_ask"`
	OrderNumber        OrderNumber   `json:"order_number"`
	Assets             AssetPairDict `json:"assets"`
	ReservedQuantity   *big.Int      `json:"reserved_quantity"`
	Traded             *big.Int      `json:"traded"`
	Received           *big.Int      `json:"received"`
	Status             OrderStatus   `json:"status"`
	Timeout            Timeout       `json:"timeout"`
	Timestamp          Timestamp     `json:"timestamp"`
}

func (o *Order) ToDictionary() OrderDict {
	var completed *Timestamp
	if o.completedAt != nil {
		ts := *o.completedAt
		completed = &ts
	}
	return OrderDict{
		TraderID:           o.id.TraderID,
		Cancelled:          o.cancelled,
		CompletedTimestamp: completed,
		IsAsk:              o.isAsk,
		OrderNumber:        o.id.OrderNumber,
		Assets:             o.assets.ToDictionary(),
		ReservedQuantity:   o.ReservedQuantity(),
		Traded:             o.TradedQuantity(),
		Received:           o.ReceivedQuantity(),
		Status:             o.Status(),
		Timeout:            o.timeout,
		Timestamp:          o.timestamp,
	}
}

// OrderState is the full persisted state of an Order.
type OrderState struct {
	ID                 OrderID
	Assets             AssetPair
	IsAsk              bool
	Timeout            Timeout
	Timestamp          Timestamp
	Verified           bool
	Cancelled          bool
	Traded             *big.Int
	Received           *big.Int
	CompletedTimestamp *Timestamp
	Reservations       map[OrderID]*big.Int
}

func (o *Order) State() OrderState {
	var completed *Timestamp
	if o.completedAt != nil {
		ts := *o.completedAt
		completed = &ts
	}
	return OrderState{
		ID:                 o.id,
		Assets:             o.assets,
		IsAsk:              o.isAsk,
		Timeout:            o.timeout,
		Timestamp:          o.timestamp,
		Verified:           o.verified,
		Cancelled:          o.cancelled,
		Traded:             o.TradedQuantity(),
		Received:           o.ReceivedQuantity(),
		CompletedTimestamp: completed,
		Reservations:       o.Reservations(),
	}
}

// RestoreOrder rebuilds an Order from persisted state, re-checking the
// reservation invariant.
func RestoreOrder(s OrderState) (*Order, error) {
	o, err := NewOrder(s.ID, s.Assets, s.Timeout, s.Timestamp, s.IsAsk)
	if err != nil {
		return nil, err
	}
	o.verified = s.Verified
	o.cancelled = s.Cancelled
	if s.Traded != nil {
		o.traded.Set(s.Traded)
	}
	if s.Received != nil {
		o.received.Set(s.Received)
	}
	if s.CompletedTimestamp != nil {
		ts := *s.CompletedTimestamp
		o.completedAt = &ts
	}
	for id, q := range s.Reservations {
		if q == nil || q.Sign() <= 0 {
			continue
		}
		o.reservations[id] = new(big.Int).Set(q)
	}
	if o.AvailableQuantity().Sign() < 0 {
		return nil, fmt.Errorf("%w: restored order %s over-reserved", ErrInsufficientCapacity, s.ID)
	}
	return o, nil
}

// Clone returns an independent copy.
func (o *Order) Clone() *Order {
	c := *o
	c.traded = new(big.Int).Set(o.traded)
	c.received = new(big.Int).Set(o.received)
	c.reservations = maps.Clone(o.reservations)
	for id, q := range c.reservations {
		c.reservations[id] = new(big.Int).Set(q)
	}
	if o.completedAt != nil {
		ts := *o.completedAt
		c.completedAt = &ts
	}
	return &c
}
