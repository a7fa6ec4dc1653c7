package atomicgroup

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"pkt.systems/svcgroup/replica"
)

// ErrMalformedSnapshot reports a snapshot segment that cannot be decoded.
var ErrMalformedSnapshot = errors.New("atomicgroup: malformed snapshot")

// Snapshot is the atomic group state shipped to a secondary during copy.
type Snapshot struct {
	LastCommitted int64
	Epoch         replica.Epoch
	Groups        []Group
}

// Snapshot captures groups created at or before upto, keeping only the
// participants that joined at or before upto. When the copy boundary was
// raised to upto the snapshot carries upto as last committed, so the
// secondary skips the live operations its members already received by copy.
// Otherwise last committed is invalid.
func (t *Table) Snapshot(upto int64, raised bool) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{LastCommitted: replica.InvalidSequenceNumber, Epoch: t.epoch}
	if raised {
		s.LastCommitted = upto
	}
	for _, g := range t.groups {
		if g.CreatedSequenceNumber > upto {
			continue
		}
		cp := g.clone()
		for id, p := range cp.Participants {
			if p.CreatedSequenceNumber > upto {
				delete(cp.Participants, id)
			}
		}
		s.Groups = append(s.Groups, cp)
	}
	sort.Slice(s.Groups, func(i, j int) bool { return s.Groups[i].ID < s.Groups[j].ID })
	return s
}

// Restore replaces the table contents with s. It returns the highest group id
// seen, which has also been reserved so later ids do not collide.
func (t *Table) Restore(s Snapshot) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateLastCommittedLocked(s.LastCommitted)
	t.epoch = s.Epoch
	t.groups = make(map[int64]*Group, len(s.Groups))
	var maxID int64
	for i := range s.Groups {
		g := s.Groups[i].clone()
		t.groups[g.ID] = &g
		if g.ID > maxID {
			maxID = g.ID
		}
	}
	t.RaiseID(maxID)
	t.refreshDoneLocked()
	return maxID
}

const (
	snapFieldLastCommitted protowire.Number = 1
	snapFieldEpoch         protowire.Number = 2
	snapFieldGroup         protowire.Number = 3

	epochFieldDataLoss      protowire.Number = 1
	epochFieldConfiguration protowire.Number = 2

	groupFieldID                protowire.Number = 1
	groupFieldStatus            protowire.Number = 2
	groupFieldCreated           protowire.Number = 3
	groupFieldReplicating       protowire.Number = 4
	groupFieldReplicated        protowire.Number = 5
	groupFieldTerminator        protowire.Number = 6
	groupFieldTerminationFailed protowire.Number = 7
	groupFieldParticipant       protowire.Number = 8

	participantFieldMember      protowire.Number = 1
	participantFieldReplicating protowire.Number = 2
	participantFieldReplicated  protowire.Number = 3
	participantFieldCreated     protowire.Number = 4
)

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendID(b []byte, num protowire.Number, id uuid.UUID) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, id[:])
}

// MarshalSnapshot encodes s in protobuf wire format.
func MarshalSnapshot(s Snapshot) []byte {
	var b []byte
	b = appendSint(b, snapFieldLastCommitted, s.LastCommitted)

	var eb []byte
	eb = appendSint(eb, epochFieldDataLoss, s.Epoch.DataLossNumber)
	eb = appendSint(eb, epochFieldConfiguration, s.Epoch.ConfigurationNumber)
	b = protowire.AppendTag(b, snapFieldEpoch, protowire.BytesType)
	b = protowire.AppendBytes(b, eb)

	for i := range s.Groups {
		b = protowire.AppendTag(b, snapFieldGroup, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalGroup(&s.Groups[i]))
	}
	return b
}

func marshalGroup(g *Group) []byte {
	var b []byte
	b = appendSint(b, groupFieldID, g.ID)
	b = appendSint(b, groupFieldStatus, int64(g.Status))
	b = appendSint(b, groupFieldCreated, g.CreatedSequenceNumber)
	b = appendSint(b, groupFieldReplicating, g.Replicating)
	b = appendSint(b, groupFieldReplicated, g.Replicated)
	b = appendID(b, groupFieldTerminator, g.Terminator)
	if g.TerminationFailed {
		b = appendSint(b, groupFieldTerminationFailed, 1)
	}
	for _, id := range g.members() {
		p := g.Participants[id]
		var pb []byte
		pb = appendID(pb, participantFieldMember, id)
		pb = appendSint(pb, participantFieldReplicating, p.Replicating)
		pb = appendSint(pb, participantFieldReplicated, p.Replicated)
		pb = appendSint(pb, participantFieldCreated, p.CreatedSequenceNumber)
		b = protowire.AppendTag(b, groupFieldParticipant, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}
	return b
}

// UnmarshalSnapshot decodes a snapshot produced by MarshalSnapshot.
func UnmarshalSnapshot(b []byte) (Snapshot, error) {
	s := Snapshot{LastCommitted: replica.InvalidSequenceNumber}
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case snapFieldLastCommitted:
			s.LastCommitted = protowire.DecodeZigZag(v)
		case snapFieldEpoch:
			return walk(raw, func(num protowire.Number, v uint64, _ []byte) error {
				switch num {
				case epochFieldDataLoss:
					s.Epoch.DataLossNumber = protowire.DecodeZigZag(v)
				case epochFieldConfiguration:
					s.Epoch.ConfigurationNumber = protowire.DecodeZigZag(v)
				}
				return nil
			})
		case snapFieldGroup:
			g, err := unmarshalGroup(raw)
			if err != nil {
				return err
			}
			s.Groups = append(s.Groups, g)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func unmarshalGroup(b []byte) (Group, error) {
	g := newGroup(0)
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case groupFieldID:
			g.ID = protowire.DecodeZigZag(v)
		case groupFieldStatus:
			st := Status(protowire.DecodeZigZag(v))
			if st < InFlight || st > RollingBack {
				return fmt.Errorf("%w: status %d", ErrMalformedSnapshot, st)
			}
			g.Status = st
		case groupFieldCreated:
			g.CreatedSequenceNumber = protowire.DecodeZigZag(v)
		case groupFieldReplicating:
			g.Replicating = protowire.DecodeZigZag(v)
		case groupFieldReplicated:
			g.Replicated = protowire.DecodeZigZag(v)
		case groupFieldTerminator:
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return fmt.Errorf("%w: terminator: %v", ErrMalformedSnapshot, err)
			}
			g.Terminator = id
		case groupFieldTerminationFailed:
			g.TerminationFailed = v != 0
		case groupFieldParticipant:
			var member uuid.UUID
			p := newParticipant()
			err := walk(raw, func(num protowire.Number, v uint64, raw []byte) error {
				switch num {
				case participantFieldMember:
					id, err := uuid.FromBytes(raw)
					if err != nil {
						return fmt.Errorf("%w: participant: %v", ErrMalformedSnapshot, err)
					}
					member = id
				case participantFieldReplicating:
					p.Replicating = protowire.DecodeZigZag(v)
				case participantFieldReplicated:
					p.Replicated = protowire.DecodeZigZag(v)
				case participantFieldCreated:
					p.CreatedSequenceNumber = protowire.DecodeZigZag(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			g.Participants[member] = p
		}
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	return *g, nil
}

// walk visits every varint and length-delimited field of b.
func walk(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedSnapshot, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedSnapshot, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedSnapshot, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedSnapshot, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
