// Package waproto hand-encodes the protobuf messages exchanged by the socket
// layer: handshake and certificates, the client payload, device identity,
// Signal envelopes, app-state sync records and the E2E message subset the
// client understands.
package waproto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("waproto: malformed message")

type builder struct {
	buf []byte
}

func (b *builder) bytes(num protowire.Number, v []byte) {
	if v == nil {
		return
	}
	b.buf = protowire.AppendTag(b.buf, num, protowire.BytesType)
	b.buf = protowire.AppendBytes(b.buf, v)
}

func (b *builder) str(num protowire.Number, v string) {
	if v == "" {
		return
	}
	b.buf = protowire.AppendTag(b.buf, num, protowire.BytesType)
	b.buf = protowire.AppendString(b.buf, v)
}

func (b *builder) uvarint(num protowire.Number, v uint64) {
	b.buf = protowire.AppendTag(b.buf, num, protowire.VarintType)
	b.buf = protowire.AppendVarint(b.buf, v)
}

func (b *builder) optUvarint(num protowire.Number, v uint64) {
	if v != 0 {
		b.uvarint(num, v)
	}
}

func (b *builder) boolean(num protowire.Number, v bool) {
	if v {
		b.uvarint(num, 1)
	}
}

func (b *builder) message(num protowire.Number, m interface{ Marshal() []byte }, present bool) {
	if !present {
		return
	}
	b.buf = protowire.AppendTag(b.buf, num, protowire.BytesType)
	b.buf = protowire.AppendBytes(b.buf, m.Marshal())
}

// field is one decoded protobuf field. Bytes fields alias the input buffer.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	raw    []byte
}

func (f field) bytes() []byte {
	return append([]byte(nil), f.raw...)
}

func (f field) str() string {
	return string(f.raw)
}

func parseFields(data []byte, fn func(f field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(data)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(data)
			f.varint = uint64(v)
		case protowire.Fixed64Type:
			f.varint, n = protowire.ConsumeFixed64(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		data = data[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// expect rejects a field whose wire type does not match the schema.
func expect(f field, typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, f.num, f.typ)
	}
	return nil
}
