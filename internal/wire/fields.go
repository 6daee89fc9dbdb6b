// Package wire encodes the messages nodes exchange in protobuf wire format.
// Field numbers are assigned by hand and never reused.
package wire

import (
	"fmt"
	"math/big"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// field is one decoded scalar or length-delimited value.
type field struct {
	typ protowire.Type
	u   uint64
	b   []byte
}

// reader gives typed access to a decoded message and keeps the first error.
// Absent fields read as zero values; a present field of the wrong wire type
// is an error.
type reader struct {
	what   string
	fields map[protowire.Number]field
	err    error
}

// parse splits b into its top-level fields. Later occurrences of a field
// number replace earlier ones. Unknown wire types are skipped.
func parse(what string, b []byte) (*reader, error) {
	r := &reader{what: what, fields: make(map[protowire.Number]field)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: %s: tag: %w", what, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: %s: field %d: %w", what, num, protowire.ParseError(m))
			}
			r.fields[num] = field{typ: typ, u: v}
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: %s: field %d: %w", what, num, protowire.ParseError(m))
			}
			r.fields[num] = field{typ: typ, b: v}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: %s: field %d: %w", what, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return r, nil
}

func (r *reader) get(num protowire.Number, typ protowire.Type) (field, bool) {
	f, ok := r.fields[num]
	if !ok {
		return field{}, false
	}
	if f.typ != typ && r.err == nil {
		r.err = fmt.Errorf("wire: %s: field %d has wire type %d", r.what, num, f.typ)
		return field{}, false
	}
	return f, f.typ == typ
}

func (r *reader) has(num protowire.Number) bool {
	_, ok := r.fields[num]
	return ok
}

func (r *reader) uint(num protowire.Number) uint64 {
	f, _ := r.get(num, protowire.VarintType)
	return f.u
}

func (r *reader) int(num protowire.Number) int64 {
	return int64(r.uint(num))
}

func (r *reader) bool(num protowire.Number) bool {
	return r.uint(num) != 0
}

func (r *reader) bytes(num protowire.Number) []byte {
	f, _ := r.get(num, protowire.BytesType)
	return f.b
}

func (r *reader) string(num protowire.Number) string {
	return string(r.bytes(num))
}

// fail records err unless an earlier error is already held.
func (r *reader) fail(err error) {
	if r.err == nil && err != nil {
		r.err = fmt.Errorf("wire: %s: %w", r.what, err)
	}
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendMessage writes a nested message even when it is empty, so that its
// presence survives the round trip.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// appendBig writes a non-negative integer as its big-endian magnitude.
func appendBig(b []byte, num protowire.Number, v *big.Int) []byte {
	if v == nil || v.Sign() == 0 {
		return b
	}
	return appendBytes(b, num, v.Bytes())
}

func readBig(r *reader, num protowire.Number) *big.Int {
	return new(big.Int).SetBytes(r.bytes(num))
}

func readTraderID(r *reader, num protowire.Number) domain.TraderID {
	if !r.has(num) {
		r.fail(fmt.Errorf("%w: missing trader id", domain.ErrValidation))
		return domain.TraderID{}
	}
	id, err := domain.NewTraderID(r.bytes(num))
	r.fail(err)
	return id
}
