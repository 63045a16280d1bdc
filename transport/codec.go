package transport

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/maxpoletaev/swim/faildetector"
	"github.com/maxpoletaev/swim/membership"
)

// Messages use the protobuf wire format, so that they can be decoded by any
// protobuf implementation given the following schema:
//
//	message Update {
//	  uint32 subject = 1;
//	  uint32 status = 2;
//	  uint64 incarnation = 3;
//	}
//
//	message Message {
//	  uint32 kind = 1;
//	  uint32 from = 2;
//	  uint32 target = 3;
//	  uint64 seq = 4;
//	  repeated Update updates = 5;
//	}
const (
	fieldKind    protowire.Number = 1
	fieldFrom    protowire.Number = 2
	fieldTarget  protowire.Number = 3
	fieldSeq     protowire.Number = 4
	fieldUpdates protowire.Number = 5

	fieldSubject     protowire.Number = 1
	fieldStatus      protowire.Number = 2
	fieldIncarnation protowire.Number = 3
)

var ErrMalformed = errors.New("malformed message")

// Marshal encodes the message.
func Marshal(msg *faildetector.Message) []byte {
	return AppendMessage(nil, msg)
}

// AppendMessage appends the encoded message to b.
func AppendMessage(b []byte, msg *faildetector.Message) []byte {
	b = appendVarint(b, fieldKind, uint64(msg.Kind))
	b = appendVarint(b, fieldFrom, uint64(msg.From))
	b = appendVarint(b, fieldTarget, uint64(msg.Target))
	b = appendVarint(b, fieldSeq, msg.Seq)

	var buf []byte

	for _, u := range msg.Updates {
		buf = buf[:0]
		buf = appendVarint(buf, fieldSubject, uint64(u.Subject))
		buf = appendVarint(buf, fieldStatus, uint64(u.Status))
		buf = appendVarint(buf, fieldIncarnation, u.Incarnation)

		b = protowire.AppendTag(b, fieldUpdates, protowire.BytesType)
		b = protowire.AppendBytes(b, buf)
	}

	return b
}

// Zero values are omitted, as in proto3.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, v)
}

// Unmarshal decodes the message from b. Unknown fields are skipped. Updates
// that cannot be decoded are dropped one by one, without failing the whole
// message.
func Unmarshal(b []byte, msg *faildetector.Message) error {
	*msg = faildetector.Message{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}

		b = b[n:]

		switch {
		case num == fieldUpdates && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: updates: %v", ErrMalformed, protowire.ParseError(n))
			}

			if u, err := unmarshalUpdate(v); err == nil {
				msg.Updates = append(msg.Updates, u)
			}

			b = b[n:]

		case typ == protowire.VarintType && num >= fieldKind && num <= fieldSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}

			if err := setField(msg, num, v); err != nil {
				return err
			}

			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}

			b = b[n:]
		}
	}

	return nil
}

func setField(msg *faildetector.Message, num protowire.Number, v uint64) error {
	switch num {
	case fieldKind:
		if v > math.MaxUint8 {
			return fmt.Errorf("%w: kind %d is out of range", ErrMalformed, v)
		}

		msg.Kind = faildetector.Kind(v)

	case fieldFrom, fieldTarget:
		if v > math.MaxUint32 {
			return fmt.Errorf("%w: node id %d is out of range", ErrMalformed, v)
		}

		if num == fieldFrom {
			msg.From = membership.NodeID(v)
		} else {
			msg.Target = membership.NodeID(v)
		}

	case fieldSeq:
		msg.Seq = v
	}

	return nil
}

func unmarshalUpdate(b []byte) (membership.Update, error) {
	var u membership.Update

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return u, protowire.ParseError(n)
		}

		b = b[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return u, protowire.ParseError(n)
			}

			b = b[n:]

			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return u, protowire.ParseError(n)
		}

		b = b[n:]

		switch num {
		case fieldSubject:
			if v > math.MaxUint32 {
				return u, fmt.Errorf("subject %d is out of range", v)
			}

			u.Subject = membership.NodeID(v)

		case fieldStatus:
			if v > math.MaxUint8 {
				return u, fmt.Errorf("status %d is out of range", v)
			}

			u.Status = membership.Status(v)

		case fieldIncarnation:
			u.Incarnation = v
		}
	}

	return u, nil
}
