package wire

import (
	"fmt"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// ProductAmount{1 amount, 2 urn}
func AppendProductAmount(b []byte, a domain.ProductAmount) []byte {
	b = appendBig(b, 1, a.Amount())
	return appendString(b, 2, a.Urn().String())
}

func ConsumeProductAmount(data []byte) (domain.ProductAmount, error) {
	r, err := parse("product amount", data)
	if err != nil {
		return domain.ProductAmount{}, err
	}
	amount := readBig(r, 1)
	urn := r.string(2)
	if r.err != nil {
		return domain.ProductAmount{}, r.err
	}
	u, err := domain.ParseUrn(urn)
	if err != nil {
		return domain.ProductAmount{}, fmt.Errorf("wire: product amount: %w", err)
	}
	return domain.NewProductAmountBig(amount, u)
}

// AssetPair{1 first, 2 second}
func AppendAssetPair(b []byte, p domain.AssetPair) []byte {
	b = appendMessage(b, 1, AppendProductAmount(nil, p.First))
	return appendMessage(b, 2, AppendProductAmount(nil, p.Second))
}

func ConsumeAssetPair(data []byte) (domain.AssetPair, error) {
	r, err := parse("asset pair", data)
	if err != nil {
		return domain.AssetPair{}, err
	}
	first, err := ConsumeProductAmount(r.bytes(1))
	if err != nil {
		return domain.AssetPair{}, fmt.Errorf("wire: asset pair first: %w", err)
	}
	second, err := ConsumeProductAmount(r.bytes(2))
	if err != nil {
		return domain.AssetPair{}, fmt.Errorf("wire: asset pair second: %w", err)
	}
	if r.err != nil {
		return domain.AssetPair{}, r.err
	}
	return domain.NewAssetPair(first, second)
}

// OrderID{1 trader, 2 number}
func appendOrderID(b []byte, id domain.OrderID) []byte {
	b = appendBytes(b, 1, id.TraderID[:])
	return appendVarint(b, 2, uint64(id.OrderNumber))
}

func consumeOrderID(data []byte) (domain.OrderID, error) {
	r, err := parse("order id", data)
	if err != nil {
		return domain.OrderID{}, err
	}
	id := domain.OrderID{TraderID: readTraderID(r, 1), OrderNumber: domain.OrderNumber(r.uint(2))}
	if r.err != nil {
		return domain.OrderID{}, r.err
	}
	if id.OrderNumber == 0 {
		return domain.OrderID{}, fmt.Errorf("wire: order id: %w: order number 0", domain.ErrValidation)
	}
	return id, nil
}

// Trade{1 id, 2 status, 3 trader, 4 order, 5 recipient order, 6 assets,
// 7 timestamp, 8 decline reason}
func MarshalTrade(t domain.Trade) []byte {
	var b []byte
	b = appendString(b, 1, string(t.ID))
	b = appendString(b, 2, string(t.Status))
	b = appendBytes(b, 3, t.TraderID[:])
	b = appendMessage(b, 4, appendOrderID(nil, t.OrderID))
	b = appendMessage(b, 5, appendOrderID(nil, t.RecipientOrderID))
	if !t.Assets.First.Urn().IsZero() {
		b = appendMessage(b, 6, AppendAssetPair(nil, t.Assets))
	}
	b = appendVarint(b, 7, uint64(t.Timestamp))
	return appendString(b, 8, string(t.DeclineReason))
}

// UnmarshalTrade decodes and validates a trade message.
func UnmarshalTrade(data []byte) (domain.Trade, error) {
	r, err := parse("trade", data)
	if err != nil {
		return domain.Trade{}, err
	}
	t := domain.Trade{
		ID:            domain.TradeID(r.string(1)),
		Status:        domain.TradeStatus(r.string(2)),
		TraderID:      readTraderID(r, 3),
		Timestamp:     domain.Timestamp(r.int(7)),
		DeclineReason: domain.DeclineReason(r.string(8)),
	}
	if t.OrderID, err = consumeOrderID(r.bytes(4)); err != nil {
		return domain.Trade{}, fmt.Errorf("wire: trade order: %w", err)
	}
	if t.RecipientOrderID, err = consumeOrderID(r.bytes(5)); err != nil {
		return domain.Trade{}, fmt.Errorf("wire: trade recipient: %w", err)
	}
	if r.has(6) {
		if t.Assets, err = ConsumeAssetPair(r.bytes(6)); err != nil {
			return domain.Trade{}, fmt.Errorf("wire: trade assets: %w", err)
		}
	}
	if r.err != nil {
		return domain.Trade{}, r.err
	}
	if t.Timestamp < 0 {
		return domain.Trade{}, fmt.Errorf("wire: trade: %w: negative timestamp", domain.ErrValidation)
	}
	if err := t.Validate(); err != nil {
		return domain.Trade{}, fmt.Errorf("wire: trade: %w", err)
	}
	return t, nil
}

// Payment{1 trader, 2 transaction, 3 amount, 4 from, 5 to, 6 payment id,
// 7 timestamp}
func MarshalPayment(p *domain.Payment) []byte {
	var b []byte
	b = appendBytes(b, 1, p.TraderID[:])
	b = appendBytes(b, 2, p.TransactionID[:])
	b = appendMessage(b, 3, AppendProductAmount(nil, p.TransferredAmount))
	b = appendString(b, 4, string(p.AddressFrom))
	b = appendString(b, 5, string(p.AddressTo))
	b = appendString(b, 6, string(p.PaymentID))
	return appendVarint(b, 7, uint64(p.Timestamp))
}

func UnmarshalPayment(data []byte) (*domain.Payment, error) {
	r, err := parse("payment", data)
	if err != nil {
		return nil, err
	}
	p := &domain.Payment{
		TraderID:    readTraderID(r, 1),
		AddressFrom: domain.WalletAddress(r.string(4)),
		AddressTo:   domain.WalletAddress(r.string(5)),
		PaymentID:   domain.PaymentID(r.string(6)),
		Timestamp:   domain.Timestamp(r.int(7)),
	}
	txID, err := domain.NewTransactionID(r.bytes(2))
	if err != nil {
		return nil, fmt.Errorf("wire: payment: %w", err)
	}
	p.TransactionID = txID
	if p.TransferredAmount, err = ConsumeProductAmount(r.bytes(3)); err != nil {
		return nil, fmt.Errorf("wire: payment amount: %w", err)
	}
	if r.err != nil {
		return nil, r.err
	}
	if p.Timestamp < 0 {
		return nil, fmt.Errorf("wire: payment: %w: negative timestamp", domain.ErrValidation)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("wire: payment: %w", err)
	}
	return p, nil
}

// TickAnnouncement{1 order, 2 assets, 3 timeout, 4 timestamp, 5 is_ask,
// 6 traded, 7 block hash}
func MarshalTick(t *domain.Tick) []byte {
	var b []byte
	b = appendMessage(b, 1, appendOrderID(nil, t.OrderID))
	b = appendMessage(b, 2, AppendAssetPair(nil, t.Assets))
	b = appendVarint(b, 3, uint64(t.Timeout))
	b = appendVarint(b, 4, uint64(t.Timestamp))
	b = appendBool(b, 5, t.IsAsk)
	b = appendBig(b, 6, t.Traded)
	if t.BlockHash != (domain.BlockHash{}) {
		b = appendBytes(b, 7, t.BlockHash[:])
	}
	return b
}

func UnmarshalTick(data []byte) (*domain.Tick, error) {
	r, err := parse("tick", data)
	if err != nil {
		return nil, err
	}
	id, err := consumeOrderID(r.bytes(1))
	if err != nil {
		return nil, fmt.Errorf("wire: tick order: %w", err)
	}
	assets, err := ConsumeAssetPair(r.bytes(2))
	if err != nil {
		return nil, fmt.Errorf("wire: tick assets: %w", err)
	}
	timeout := domain.Timeout(r.int(3))
	ts := domain.Timestamp(r.int(4))
	tick := domain.NewTick(id, assets, timeout, ts, r.bool(5))
	tick.Traded = readBig(r, 6)
	if hash := r.bytes(7); len(hash) > 0 {
		if len(hash) != len(tick.BlockHash) {
			r.fail(fmt.Errorf("%w: block hash is %d bytes", domain.ErrValidation, len(hash)))
		}
		copy(tick.BlockHash[:], hash)
	}
	if r.err != nil {
		return nil, r.err
	}
	if timeout < 0 || ts < 0 {
		return nil, fmt.Errorf("wire: tick: %w: negative time", domain.ErrValidation)
	}
	return tick, nil
}

// TickCancel{1 order}
func MarshalTickCancel(id domain.OrderID) []byte {
	return appendMessage(nil, 1, appendOrderID(nil, id))
}

func UnmarshalTickCancel(data []byte) (domain.OrderID, error) {
	r, err := parse("tick cancel", data)
	if err != nil {
		return domain.OrderID{}, err
	}
	if !r.has(1) {
		return domain.OrderID{}, fmt.Errorf("wire: tick cancel: %w: missing order", domain.ErrValidation)
	}
	return consumeOrderID(r.bytes(1))
}
