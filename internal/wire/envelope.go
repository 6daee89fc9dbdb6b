package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// Kind tags the payload carried by an Envelope.
type Kind uint32

const (
	KindTrade   Kind = 1
	KindPayment Kind = 2
	KindTick    Kind = 3
	KindCancel  Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindTrade:
		return "trade"
	case KindPayment:
		return "payment"
	case KindTick:
		return "tick"
	case KindCancel:
		return "cancel"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Envelope{1 id, 2 kind, 3 sender, 4 payload, 5 signature}
type Envelope struct {
	ID        string
	Kind      Kind
	Sender    domain.TraderID
	Payload   []byte
	Signature []byte
}

// SigningParts are the byte strings the signature covers, in order.
func (e *Envelope) SigningParts() [][]byte {
	return [][]byte{
		[]byte(e.ID),
		protowire.AppendVarint(nil, uint64(e.Kind)),
		e.Sender[:],
		e.Payload,
	}
}

func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, e.ID)
	b = appendVarint(b, 2, uint64(e.Kind))
	b = appendBytes(b, 3, e.Sender[:])
	b = appendBytes(b, 4, e.Payload)
	return appendBytes(b, 5, e.Signature)
}

// UnmarshalEnvelope decodes data. It does not check the signature.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	r, err := parse("envelope", data)
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		ID:        r.string(1),
		Kind:      Kind(r.uint(2)),
		Sender:    readTraderID(r, 3),
		Payload:   r.bytes(4),
		Signature: r.bytes(5),
	}
	if r.err != nil {
		return nil, r.err
	}
	if e.ID == "" {
		return nil, fmt.Errorf("wire: envelope: %w: missing id", domain.ErrValidation)
	}
	switch e.Kind {
	case KindTrade, KindPayment, KindTick, KindCancel:
	default:
		return nil, fmt.Errorf("wire: envelope %s: %w: unknown %s", e.ID, domain.ErrValidation, e.Kind)
	}
	return e, nil
}
