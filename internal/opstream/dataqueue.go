package opstream

import (
	"context"
	"sync"

	"pkt.systems/svcgroup/replica"
)

// DataQueue is a replica.OperationDataStream fed by a producer goroutine. It
// carries the copy context routed to one member.
type DataQueue struct {
	mu     sync.Mutex
	items  [][][]byte
	ended  bool
	err    error
	notify chan struct{}
}

// NewDataQueue returns an empty queue.
func NewDataQueue() *DataQueue {
	return &DataQueue{notify: make(chan struct{})}
}

// Enqueue appends data. nil data ends the queue.
func (q *DataQueue) Enqueue(data [][]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ended || q.err != nil {
		return replica.ErrClosed
	}
	if data == nil {
		q.ended = true
	} else {
		q.items = append(q.items, data)
	}
	q.wakeLocked()
	return nil
}

// ForceDrain fails every pending and future GetNext with err.
func (q *DataQueue) ForceDrain(err error) {
	if err == nil {
		err = replica.ErrClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return
	}
	q.err = err
	q.items = nil
	q.wakeLocked()
}

func (q *DataQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// GetNext blocks until data, the end of the queue, or an error is available.
func (q *DataQueue) GetNext(ctx context.Context) ([][]byte, error) {
	for {
		q.mu.Lock()
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return nil, err
		}
		if len(q.items) > 0 {
			data := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return data, nil
		}
		if q.ended {
			q.mu.Unlock()
			return nil, nil
		}
		wait := q.notify
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
