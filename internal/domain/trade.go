package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// TradeStatus tags the negotiation message variant.
type TradeStatus string

const (
	TradeProposed  TradeStatus = "proposed"
	TradeAccepted  TradeStatus = "accepted"
	TradeDeclined  TradeStatus = "declined"
	TradeCountered TradeStatus = "countered"
)

// DeclineReason explains a Declined trade.
type DeclineReason string

const (
	DeclineOrderCompleted      DeclineReason = "order_completed"
	DeclineOrderExpired        DeclineReason = "order_expired"
	DeclineOrderReserved       DeclineReason = "order_reserved"
	DeclineOrderInvalid        DeclineReason = "order_invalid"
	DeclineOrderCancelled      DeclineReason = "order_cancelled"
	DeclineUnacceptablePrice   DeclineReason = "unacceptable_price"
	DeclineNoAvailableQuantity DeclineReason = "no_available_quantity"
	DeclineAlreadyMatching     DeclineReason = "already_matching"
	DeclineOther               DeclineReason = "other"
)

// DeclineReasonFor maps an order that cannot trade to the reason sent back.
func DeclineReasonFor(status OrderStatus) DeclineReason {
	switch status {
	case OrderStatusCompleted:
		return DeclineOrderCompleted
	case OrderStatusExpired:
		return DeclineOrderExpired
	case OrderStatusCancelled:
		return DeclineOrderCancelled
	case OrderStatusUnverified:
		return DeclineOrderInvalid
	default:
		return DeclineOther
	}
}

// Trade is one negotiation message. TraderID and OrderID describe the
// sender; RecipientOrderID names the order the message is addressed to.
// Responses keep the trade id of the proposal they answer.
type Trade struct {
	ID               TradeID
	Status           TradeStatus
	TraderID         TraderID
	OrderID          OrderID
	RecipientOrderID OrderID
	Assets           AssetPair
	Timestamp        Timestamp
	DeclineReason    DeclineReason
}

// ProposeTrade opens a negotiation with a fresh trade id. It does not check
// whether the price suits the recipient.
func ProposeTrade(traderID TraderID, orderID, recipientOrderID OrderID, assets AssetPair, ts Timestamp) Trade {
	return Trade{
		ID:               TradeID(uuid.NewString()),
		Status:           TradeProposed,
		TraderID:         traderID,
		OrderID:          orderID,
		RecipientOrderID: recipientOrderID,
		Assets:           assets,
		Timestamp:        ts,
	}
}

// reply swaps sender and recipient.
func (t Trade) reply(status TradeStatus, ts Timestamp) Trade {
	return Trade{
		ID:               t.ID,
		Status:           status,
		TraderID:         t.RecipientOrderID.TraderID,
		OrderID:          t.RecipientOrderID,
		RecipientOrderID: t.OrderID,
		Assets:           t.Assets,
		Timestamp:        ts,
	}
}

// Accept answers t with the same assets.
func (t Trade) Accept(ts Timestamp) Trade { return t.reply(TradeAccepted, ts) }

// Decline answers t with a reason.
func (t Trade) Decline(ts Timestamp, reason DeclineReason) Trade {
	r := t.reply(TradeDeclined, ts)
	r.DeclineReason = reason
	return r
}

// Counter answers t with revised assets; the receiver treats it as a fresh
// proposal under the same trade id.
func (t Trade) Counter(assets AssetPair, ts Timestamp) Trade {
	r := t.reply(TradeCountered, ts)
	r.Assets = assets
	return r
}

// Recipient is the trader the message is addressed to.
func (t Trade) Recipient() TraderID { return t.RecipientOrderID.TraderID }

// Validate checks the fields a receiver relies on.
func (t Trade) Validate() error {
	switch t.Status {
	case TradeProposed, TradeAccepted, TradeDeclined, TradeCountered:
	default:
		return fmt.Errorf("%w: unknown trade status %q", ErrValidation, t.Status)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: trade without id", ErrValidation)
	}
	if t.OrderID.TraderID != t.TraderID {
		return fmt.Errorf("%w: trade %s sent by %s for order %s", ErrValidation, t.ID, t.TraderID, t.OrderID)
	}
	if t.Status != TradeDeclined {
		if t.Assets.First.IsZero() || t.Assets.Second.IsZero() {
			return fmt.Errorf("%w: trade %s with empty leg", ErrValidation, t.ID)
		}
	}
	return nil
}
