// Package envelope encodes the routing header carried as the first payload
// segment of every operation replicated by a grouped replica.
package envelope

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"pkt.systems/svcgroup/replica"
)

const (
	fieldKind    protowire.Number = 1
	fieldGroupID protowire.Number = 2
	fieldMember  protowire.Number = 3
)

// ErrMalformed reports a payload whose first segment is not an envelope.
var ErrMalformed = errors.New("envelope: malformed")

// Envelope routes one replicated operation.
type Envelope struct {
	Kind    replica.OperationKind
	GroupID int64
	Member  uuid.UUID
}

// ForMember returns a normal envelope addressed to member.
func ForMember(member uuid.UUID) Envelope {
	return Envelope{Kind: replica.KindNormal, GroupID: replica.InvalidAtomicGroupID, Member: member}
}

// Marshal encodes e. Every field is written so the encoding has a fixed shape.
func (e Envelope) Marshal() []byte {
	b := make([]byte, 0, 32)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = protowire.AppendTag(b, fieldGroupID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.GroupID))
	b = protowire.AppendTag(b, fieldMember, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Member[:])
	return b
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	var sawKind, sawGroup, sawMember bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.Kind = replica.OperationKind(v)
			sawKind = true
			b = b[n:]
		case num == fieldGroupID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: group id: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.GroupID = protowire.DecodeZigZag(v)
			sawGroup = true
			b = b[n:]
		case num == fieldMember && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: member: %v", ErrMalformed, protowire.ParseError(n))
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return Envelope{}, fmt.Errorf("%w: member: %v", ErrMalformed, err)
			}
			e.Member = id
			sawMember = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawKind || !sawGroup || !sawMember {
		return Envelope{}, fmt.Errorf("%w: missing fields", ErrMalformed)
	}
	if e.Kind < replica.KindNormal || e.Kind > replica.KindRollbackAtomicGroup {
		return Envelope{}, fmt.Errorf("%w: kind %d", ErrMalformed, e.Kind)
	}
	return e, nil
}

// Wrap prefixes data with the encoded envelope.
func Wrap(e Envelope, data [][]byte) [][]byte {
	out := make([][]byte, 0, len(data)+1)
	out = append(out, e.Marshal())
	return append(out, data...)
}

// Split decodes the envelope segment and returns the remaining segments.
func Split(data [][]byte) (Envelope, [][]byte, error) {
	if len(data) == 0 {
		return Envelope{}, nil, fmt.Errorf("%w: no segments", ErrMalformed)
	}
	e, err := Unmarshal(data[0])
	if err != nil {
		return Envelope{}, nil, err
	}
	return e, data[1:], nil
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s group=%d member=%s", e.Kind, e.GroupID, e.Member)
}
