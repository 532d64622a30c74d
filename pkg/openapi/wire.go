package openapi

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cowanweks/ctrader-go/errs"
)

// Field 1 of every Open API message carries its payload type.
const fieldPayloadType protowire.Number = 1

// Message is a request body that knows its payload type.
type Message interface {
	PayloadType() uint32
	Marshal() []byte
}

type encoder struct{ b []byte }

func newEncoder(payloadType uint32) *encoder {
	e := &encoder{b: make([]byte, 0, 64)}
	e.uint(fieldPayloadType, uint64(payloadType))
	return e
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) int(num protowire.Number, v int64) { e.uint(num, uint64(v)) }

func (e *encoder) optInt(num protowire.Number, v int64) {
	if v != 0 {
		e.int(num, v)
	}
}

func (e *encoder) bool(num protowire.Number, v bool) { e.uint(num, protowire.EncodeBool(v)) }

func (e *encoder) str(num protowire.Number, s string) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) optStr(num protowire.Number, s string) {
	if s != "" {
		e.str(num, s)
	}
}

func (e *encoder) double(num protowire.Number, v float64) {
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed64Type)
	e.b = protowire.AppendFixed64(e.b, math.Float64bits(v))
}

func (e *encoder) bytes() []byte { return e.b }

// value is one decoded field. Varint and fixed values land in u, length
// delimited values in b.
type value struct {
	typ protowire.Type
	u   uint64
	b   []byte
}

func (v value) int64() int64    { return int64(v.u) }
func (v value) int32() int32    { return int32(v.u) }
func (v value) bool() bool      { return protowire.DecodeBool(v.u) }
func (v value) str() string     { return string(v.b) }
func (v value) double() float64 { return math.Float64frombits(v.u) }

// packed decodes a repeated varint field. Both packed and unpacked
// encodings are accepted.
func (v value) packed() ([]uint64, error) {
	if v.typ == protowire.VarintType {
		return []uint64{v.u}, nil
	}
	var out []uint64
	b := v.b
	for len(b) > 0 {
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, x)
		b = b[n:]
	}
	return out, nil
}

// walk visits every field of a message body. Unknown wire types are skipped.
func walk(b []byte, visit func(num protowire.Number, v value) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var v value
		v.typ = typ
		switch typ {
		case protowire.VarintType:
			v.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v.u, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			v.u = uint64(x)
		case protowire.BytesType:
			v.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := visit(num, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeError(message string, err error) error {
	return errs.New("openapi", errs.CodeProtocol,
		errs.WithMessage(fmt.Sprintf("decode %s", message)),
		errs.WithCause(err))
}
