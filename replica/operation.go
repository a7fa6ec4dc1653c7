package replica

import "context"

// OperationKind classifies a replicated operation.
type OperationKind int

const (
	// KindNormal is an ordinary member operation.
	KindNormal OperationKind = iota
	// KindCopy is an operation delivered on a copy stream.
	KindCopy
	// KindCreateAtomicGroup is a member's first operation inside an atomic group.
	KindCreateAtomicGroup
	// KindAtomicGroupOperation is a subsequent operation inside an atomic group.
	KindAtomicGroupOperation
	// KindCommitAtomicGroup commits an atomic group.
	KindCommitAtomicGroup
	// KindRollbackAtomicGroup rolls back an atomic group.
	KindRollbackAtomicGroup
)

func (k OperationKind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindCopy:
		return "copy"
	case KindCreateAtomicGroup:
		return "create_atomic_group"
	case KindAtomicGroupOperation:
		return "atomic_group_operation"
	case KindCommitAtomicGroup:
		return "commit_atomic_group"
	case KindRollbackAtomicGroup:
		return "rollback_atomic_group"
	default:
		return "invalid"
	}
}

// IsAtomic reports whether k belongs to an atomic group.
func (k OperationKind) IsAtomic() bool {
	return k >= KindCreateAtomicGroup && k <= KindRollbackAtomicGroup
}

// IsTermination reports whether k ends an atomic group.
func (k OperationKind) IsTermination() bool {
	return k == KindCommitAtomicGroup || k == KindRollbackAtomicGroup
}

// OperationMetadata describes a replicated operation.
type OperationMetadata struct {
	Kind           OperationKind
	SequenceNumber int64
	AtomicGroupID  int64
}

// Operation is one item pulled from a copy or replication stream. The
// consumer acknowledges it once applied.
type Operation interface {
	Metadata() OperationMetadata
	Data() [][]byte
	Acknowledge() error
}

// OperationStream is a pull source of operations. A nil operation with a nil
// error marks the end of the stream.
type OperationStream interface {
	GetOperation(ctx context.Context) *Future[Operation]
}

// OperationDataStream is a pull source of payloads used for copy context and
// copy state. GetNext returns nil data and a nil error at the end.
type OperationDataStream interface {
	GetNext(ctx context.Context) ([][]byte, error)
}

// EmptyDataStream is an OperationDataStream that is always at its end.
type EmptyDataStream struct{}

// GetNext always reports the end of the stream.
func (EmptyDataStream) GetNext(context.Context) ([][]byte, error) {
	return nil, nil
}

// SliceDataStream serves a fixed list of payloads.
type SliceDataStream struct {
	items [][][]byte
	pos   int
}

// NewSliceDataStream returns a stream over items.
func NewSliceDataStream(items ...[][]byte) *SliceDataStream {
	return &SliceDataStream{items: items}
}

// GetNext returns the next payload or nil at the end.
func (s *SliceDataStream) GetNext(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.items) {
		return nil, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

// DrainDataStream reads s until its end.
func DrainDataStream(ctx context.Context, s OperationDataStream) ([][][]byte, error) {
	if s == nil {
		return nil, nil
	}
	var out [][][]byte
	for {
		data, err := s.GetNext(ctx)
		if err != nil {
			return out, err
		}
		if data == nil {
			return out, nil
		}
		out = append(out, data)
	}
}
