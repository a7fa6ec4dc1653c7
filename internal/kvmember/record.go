package kvmember

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"pkt.systems/svcgroup/replica"
)

// ErrMalformedRecord reports a payload that is not a record.
var ErrMalformedRecord = errors.New("kvmember: malformed record")

type recordOp int

const (
	opPut recordOp = iota + 1
	opDelete
	opHeader
)

// record is one replicated or copied item. A header carries the progress of
// a copied store.
type record struct {
	Op             recordOp
	Key            string
	Value          string
	GroupID        int64
	SequenceNumber int64
	AppliedThrough int64
}

const (
	fieldOp             protowire.Number = 1
	fieldKey            protowire.Number = 2
	fieldValue          protowire.Number = 3
	fieldGroupID        protowire.Number = 4
	fieldSequenceNumber protowire.Number = 5
	fieldAppliedThrough protowire.Number = 6
)

func (r record) marshal() []byte {
	b := protowire.AppendTag(nil, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Op))
	if r.Key != "" {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, r.Key)
	}
	if r.Value != "" {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendString(b, r.Value)
	}
	b = protowire.AppendTag(b, fieldGroupID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.GroupID))
	b = protowire.AppendTag(b, fieldSequenceNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.SequenceNumber))
	if r.Op == opHeader {
		b = protowire.AppendTag(b, fieldAppliedThrough, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.AppliedThrough))
	}
	return b
}

func unmarshalRecord(b []byte) (record, error) {
	r := record{GroupID: replica.InvalidAtomicGroupID}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return record{}, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldOp:
				r.Op = recordOp(v)
			case fieldGroupID:
				r.GroupID = protowire.DecodeZigZag(v)
			case fieldSequenceNumber:
				r.SequenceNumber = protowire.DecodeZigZag(v)
			case fieldAppliedThrough:
				r.AppliedThrough = protowire.DecodeZigZag(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return record{}, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKey:
				r.Key = v
			case fieldValue:
				r.Value = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return record{}, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if r.Op < opPut || r.Op > opHeader {
		return record{}, fmt.Errorf("%w: op %d", ErrMalformedRecord, r.Op)
	}
	return r, nil
}

func payload(r record) [][]byte {
	return [][]byte{r.marshal()}
}

func decodePayload(data [][]byte) (record, error) {
	if len(data) != 1 {
		return record{}, fmt.Errorf("%w: %d segments", ErrMalformedRecord, len(data))
	}
	return unmarshalRecord(data[0])
}
