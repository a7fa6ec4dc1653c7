package envelope

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"pkt.systems/svcgroup/replica"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	coordinator := uuid.MustParse("6a3c8c1e-5d1f-4f7e-9b1c-0d2e3f405162")
	member := uuid.MustParse("0f0e0d0c-0b0a-4908-8706-050403020100")
	cases := []struct {
		name string
		env  Envelope
	}{
		{"normal", ForMember(member)},
		{"group zero", Envelope{Kind: replica.KindAtomicGroupOperation, GroupID: 0, Member: member}},
		{"invalid group", Envelope{Kind: replica.KindNormal, GroupID: replica.InvalidAtomicGroupID, Member: member}},
		{"coordinator", Envelope{Kind: replica.KindNormal, GroupID: replica.InvalidAtomicGroupID, Member: coordinator}},
		{"nil member", Envelope{Kind: replica.KindCommitAtomicGroup, GroupID: 42, Member: uuid.Nil}},
		{"max group", Envelope{Kind: replica.KindRollbackAtomicGroup, GroupID: replica.MaxSequenceNumber, Member: member}},
		{"create", Envelope{Kind: replica.KindCreateAtomicGroup, GroupID: 1, Member: member}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Unmarshal(tc.env.Marshal())
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got != tc.env {
				t.Fatalf("round trip mismatch: got %v want %v", got, tc.env)
			}
		})
	}
}

func TestSplitStripsEnvelope(t *testing.T) {
	member := uuid.New()
	data := Wrap(ForMember(member), [][]byte{[]byte("a"), []byte("b")})
	if len(data) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(data))
	}
	env, rest, err := Split(data)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if env.Member != member || len(rest) != 2 || string(rest[1]) != "b" {
		t.Fatalf("unexpected split %v %q", env, rest)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"empty":     nil,
		"truncated": ForMember(uuid.New()).Marshal()[:5],
		"short id": func() []byte {
			b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
			b = protowire.AppendVarint(b, 0)
			b = protowire.AppendTag(b, fieldGroupID, protowire.VarintType)
			b = protowire.AppendVarint(b, 0)
			b = protowire.AppendTag(b, fieldMember, protowire.BytesType)
			return protowire.AppendBytes(b, []byte{1, 2, 3})
		}(),
		"bad kind": func() []byte {
			b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
			b = protowire.AppendVarint(b, 99)
			b = protowire.AppendTag(b, fieldGroupID, protowire.VarintType)
			b = protowire.AppendVarint(b, 0)
			b = protowire.AppendTag(b, fieldMember, protowire.BytesType)
			return protowire.AppendBytes(b, make([]byte, 16))
		}(),
	}
	for name, b := range cases {
		if _, err := Unmarshal(b); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
	if _, _, err := Split(nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("split of no segments: %v", err)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	env := Envelope{Kind: replica.KindAtomicGroupOperation, GroupID: 9, Member: uuid.New()}
	b := env.Marshal()
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != env {
		t.Fatalf("got %v want %v", got, env)
	}
}
