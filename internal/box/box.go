// Package box holds the wire messages of the stp protocol. Every message is
// encoded in the protobuf wire format, field by field, so peers written
// against a .proto schema interoperate.
package box

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var ErrMalformed = errors.New("malformed message")

// Kind identifies the payload carried by an Envelope.
type Kind uint32

const (
	KindUnknown Kind = iota
	KindHello
	KindPairRef
	KindPairSuccess
	KindReady
	KindMessage
	KindPing
	KindPong
	KindLogout
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindPairRef:
		return "pair-ref"
	case KindPairSuccess:
		return "pair-success"
	case KindReady:
		return "ready"
	case KindMessage:
		return "message"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindLogout:
		return "logout"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Marshaler is implemented by every message in this package.
type Marshaler interface {
	Marshal() []byte
}

// Unmarshaler is implemented by pointers to every message in this package.
type Unmarshaler interface {
	Unmarshal(b []byte) error
}

type field struct {
	num   protowire.Number
	typ   protowire.Type
	bytes []byte
	value uint64
}

func (f field) string() string { return string(f.bytes) }

func (f field) clone() []byte { return slices.Clone(f.bytes) }

// walk calls fn for every varint and length-delimited field in b. Fields of
// any other wire type are skipped.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.value, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}

	return nil
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

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	ts, err := proto.Marshal(timestamppb.New(t))
	if err != nil {
		panic(fmt.Errorf("marshalling timestamp: %w", err))
	}
	return appendBytes(b, num, ts)
}

func parseTime(f field) (time.Time, error) {
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(f.bytes, &ts); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %w", ErrMalformed, err)
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %w", ErrMalformed, err)
	}
	return ts.AsTime(), nil
}

func expect(f field, typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf(
			"%w: field %d has wire type %d", ErrMalformed, f.num, f.typ,
		)
	}
	return nil
}
