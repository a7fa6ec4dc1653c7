package copystate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/svcgroup/internal/envelope"
	"pkt.systems/svcgroup/internal/loggingutil"
	"pkt.systems/svcgroup/internal/opstream"
	"pkt.systems/svcgroup/replica"
)

// Dispatcher splits an aggregate copy context received from a secondary
// into one queue per member.
type Dispatcher struct {
	coordinator uuid.UUID
	source      replica.OperationDataStream
	queues      map[uuid.UUID]*opstream.DataQueue
	logger      pslog.Logger
}

// NewDispatcher returns a dispatcher reading source.
func NewDispatcher(coordinator uuid.UUID, source replica.OperationDataStream, members []uuid.UUID, logger pslog.Logger) *Dispatcher {
	d := &Dispatcher{
		coordinator: coordinator,
		source:      source,
		queues:      make(map[uuid.UUID]*opstream.DataQueue, len(members)),
		logger:      loggingutil.EnsureLogger(logger),
	}
	for _, id := range members {
		d.queues[id] = opstream.NewDataQueue()
	}
	return d
}

// Queue returns the context stream of member.
func (d *Dispatcher) Queue(member uuid.UUID) replica.OperationDataStream {
	return d.queues[member]
}

// Run relays the source until its end. On failure every queue fails with the
// same error.
func (d *Dispatcher) Run(ctx context.Context) error {
	items := 0
	for {
		data, err := d.source.GetNext(ctx)
		if err != nil {
			d.fail(err)
			return err
		}
		if data == nil {
			for _, q := range d.queues {
				_ = q.Enqueue(nil)
			}
			d.logger.Debug("group.copy.context.relayed", "items", items)
			return nil
		}
		env, payload, err := envelope.Split(data)
		if err != nil {
			d.fail(err)
			return err
		}
		if env.Member == d.coordinator {
			continue
		}
		q, ok := d.queues[env.Member]
		if !ok {
			err := fmt.Errorf("copy context for unknown member %s", env.Member)
			d.fail(err)
			return err
		}
		if err := q.Enqueue(payload); err != nil {
			d.fail(err)
			return err
		}
		items++
	}
}

func (d *Dispatcher) fail(err error) {
	d.logger.Warn("group.copy.context.failed", "error", err)
	for _, q := range d.queues {
		q.ForceDrain(err)
	}
}
