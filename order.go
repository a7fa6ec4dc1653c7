package svcgroup

import (
	"sort"
	"sync"

	"pkt.systems/svcgroup/internal/atomicgroup"
)

// decisionOrder releases replicated commits and rollbacks in sequence number
// order. Every termination that got a sequence number is registered; a ready
// decision is held back until every termination before it was released or
// dropped.
type decisionOrder struct {
	// replicateMu is held across a termination replicate and its register
	// call so sequence numbers are registered in the order they are assigned.
	replicateMu sync.Mutex

	mu      sync.Mutex
	pending []pendingDecision
}

type pendingDecision struct {
	seq      int64
	groupID  int64
	decision *atomicgroup.Decision
}

func (o *decisionOrder) register(seq, groupID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := sort.Search(len(o.pending), func(i int) bool { return o.pending[i].seq >= seq })
	o.pending = append(o.pending, pendingDecision{})
	copy(o.pending[i+1:], o.pending[i:])
	o.pending[i] = pendingDecision{seq: seq, groupID: groupID}
}

// ready marks d as applicable and dispatches every decision that is now at
// the head. dispatch runs under the order lock and must not block.
func (o *decisionOrder) ready(d *atomicgroup.Decision, dispatch func(*atomicgroup.Decision)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.indexLocked(d.SequenceNumber)
	if i < 0 {
		dispatch(d)
		return
	}
	o.pending[i].decision = d
	o.releaseLocked(dispatch)
}

// drop forgets the termination replicated at seq.
func (o *decisionOrder) drop(seq int64, dispatch func(*atomicgroup.Decision)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := o.indexLocked(seq); i >= 0 {
		o.pending = append(o.pending[:i], o.pending[i+1:]...)
	}
	o.releaseLocked(dispatch)
}

// forget drops the terminations of groups rolled back locally.
func (o *decisionOrder) forget(groupIDs map[int64]struct{}, dispatch func(*atomicgroup.Decision)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.pending[:0]
	for _, p := range o.pending {
		if _, ok := groupIDs[p.groupID]; ok {
			continue
		}
		kept = append(kept, p)
	}
	clear(o.pending[len(kept):])
	o.pending = kept
	o.releaseLocked(dispatch)
}

func (o *decisionOrder) indexLocked(seq int64) int {
	i := sort.Search(len(o.pending), func(i int) bool { return o.pending[i].seq >= seq })
	if i < len(o.pending) && o.pending[i].seq == seq {
		return i
	}
	return -1
}

func (o *decisionOrder) releaseLocked(dispatch func(*atomicgroup.Decision)) {
	for len(o.pending) > 0 && o.pending[0].decision != nil {
		d := o.pending[0].decision
		o.pending[0] = pendingDecision{}
		o.pending = o.pending[1:]
		dispatch(d)
	}
}

func (o *decisionOrder) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
