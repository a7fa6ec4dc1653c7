// Package copystate builds the copy context and copy state streams of a
// grouped replica from its members' streams, and splits a received copy
// context back into per-member streams.
package copystate

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/svcgroup/internal/envelope"
	"pkt.systems/svcgroup/internal/loggingutil"
	"pkt.systems/svcgroup/replica"
)

// Source is one member's stream inside an aggregate.
type Source struct {
	Member uuid.UUID
	Name   string
	Stream replica.OperationDataStream
}

// Aggregate serves every source in order. Each item is prefixed with its
// member's envelope and every source is followed by a single-segment
// sentinel addressed to the coordinator.
type Aggregate struct {
	kind        string
	coordinator uuid.UUID
	head        [][][]byte
	sources     []Source
	idx         int
	done        bool
	logger      pslog.Logger

	items int
	bytes uint64
}

// NewAggregate returns an aggregate over sources. kind names the stream in
// logs.
func NewAggregate(kind string, coordinator uuid.UUID, sources []Source, logger pslog.Logger) *Aggregate {
	return &Aggregate{
		kind:        kind,
		coordinator: coordinator,
		sources:     sources,
		logger:      loggingutil.EnsureLogger(logger),
	}
}

// WithSnapshot queues a coordinator snapshot and its sentinel ahead of the
// member sources.
func (a *Aggregate) WithSnapshot(snapshot []byte) *Aggregate {
	a.head = append(a.head,
		envelope.Wrap(envelope.ForMember(a.coordinator), [][]byte{snapshot}),
		Sentinel(a.coordinator),
	)
	a.logger.Debug("group.copy.snapshot.queued", "size", humanize.Bytes(uint64(len(snapshot))))
	return a
}

// Sentinel returns the end-of-source marker.
func Sentinel(coordinator uuid.UUID) [][]byte {
	return envelope.Wrap(envelope.ForMember(coordinator), nil)
}

// GetNext implements replica.OperationDataStream.
func (a *Aggregate) GetNext(ctx context.Context) ([][]byte, error) {
	if len(a.head) > 0 {
		item := a.head[0]
		a.head = a.head[1:]
		a.count(item)
		return item, nil
	}
	if a.idx >= len(a.sources) {
		if !a.done {
			a.done = true
			a.logger.Info("group.copy.stream.complete",
				"stream", a.kind,
				"members", len(a.sources),
				"items", a.items,
				"size", humanize.Bytes(a.bytes),
			)
		}
		return nil, nil
	}
	src := a.sources[a.idx]
	data, err := src.Stream.GetNext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s stream of member %s: %w", a.kind, src.Name, err)
	}
	if data == nil {
		a.idx++
		a.logger.Debug("group.copy.member.complete", "stream", a.kind, "member", src.Name)
		item := Sentinel(a.coordinator)
		a.count(item)
		return item, nil
	}
	item := envelope.Wrap(envelope.ForMember(src.Member), data)
	a.count(item)
	return item, nil
}

func (a *Aggregate) count(item [][]byte) {
	a.items++
	for _, seg := range item {
		a.bytes += uint64(len(seg))
	}
}
