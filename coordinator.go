package svcgroup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/svcgroup/internal/atomicgroup"
	"pkt.systems/svcgroup/internal/clock"
	"pkt.systems/svcgroup/internal/demux"
	"pkt.systems/svcgroup/internal/loggingutil"
	"pkt.systems/svcgroup/internal/member"
	"pkt.systems/svcgroup/internal/svcfields"
	"pkt.systems/svcgroup/replica"
)

// Coordinator is one grouped replica. It implements replica.Lifecycle and
// replica.StateProvider so it can be hosted like a plain replica.
type Coordinator struct {
	cfg     Config
	id      uuid.UUID
	logger  pslog.Logger
	clock   clock.Clock
	tracer  trace.Tracer
	metrics *coordinatorMetrics

	adapters []*member.Adapter
	byID     map[uuid.UUID]*member.Adapter
	table    *atomicgroup.Table

	// lifecycleMu serialises Open, ChangeRole, Close, UpdateEpoch and
	// OnDataLoss.
	lifecycleMu sync.Mutex

	// mu guards the channel and stream handles.
	mu             sync.Mutex
	channel        replica.Channel
	role           replica.Role
	opened         bool
	closed         bool
	streamsStarted bool
	demux          *demux.Demux

	faulted   atomic.Bool
	faultOnce sync.Once

	decisionMu sync.Mutex
	decisions  map[int64]*replica.Future[struct{}]
	order      decisionOrder

	bgCtx       context.Context
	bgCancel    context.CancelFunc
	dispatchers sync.WaitGroup
}

var (
	_ replica.Lifecycle     = (*Coordinator)(nil)
	_ replica.StateProvider = (*Coordinator)(nil)
	_ member.Host           = (*Coordinator)(nil)
)

// New constructs a Coordinator for cfg. Members are opened by Open.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.WithReplica(loggingutil.EnsureLogger(o.Logger), cfg.PartitionID.String(), cfg.ReplicaID)
	mp := o.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	tp := o.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c := &Coordinator{
		cfg:       cfg,
		id:        cfg.PartitionID,
		logger:    svcfields.WithSubsystem(logger, "group.coordinator"),
		clock:     clock.Ensure(o.Clock),
		tracer:    tp.Tracer(instrumentationName),
		byID:      make(map[uuid.UUID]*member.Adapter, len(cfg.Members)),
		table:     atomicgroup.NewTable(svcfields.WithSubsystem(logger, "group.atomic")),
		decisions: make(map[int64]*replica.Future[struct{}]),
	}
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	for _, spec := range cfg.Members {
		a := member.New(spec.ID, spec.Name, spec.Member, c, logger)
		c.adapters = append(c.adapters, a)
		c.byID[spec.ID] = a
	}
	c.metrics = newCoordinatorMetrics(mp, cfg.PartitionID.String(), c.table, c.logger)
	return c, nil
}

// PartitionID returns the partition identity.
func (c *Coordinator) PartitionID() uuid.UUID { return c.id }

// Role returns the role the replica currently holds.
func (c *Coordinator) Role() replica.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Faulted reports whether a permanent fault was recorded.
func (c *Coordinator) Faulted() bool { return c.faulted.Load() }

// MemberStatus is one member's row in a Status.
type MemberStatus struct {
	Name string       `json:"name"`
	ID   uuid.UUID    `json:"id"`
	Role replica.Role `json:"role"`
}

// GroupStatus summarises one open atomic group.
type GroupStatus struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	Participants int    `json:"participants"`
	Replicating  int64  `json:"replicating"`
	Created      int64  `json:"created_sequence_number"`
}

// Status is a point in time view of the replica.
type Status struct {
	PartitionID     uuid.UUID      `json:"partition_id"`
	Role            replica.Role   `json:"role"`
	Epoch           replica.Epoch  `json:"epoch"`
	LastCommitted   int64          `json:"last_committed"`
	ReplicationDone bool           `json:"replication_done"`
	Faulted         bool           `json:"faulted"`
	Groups          []GroupStatus  `json:"groups"`
	Members         []MemberStatus `json:"members"`
}

// Status returns a snapshot of the replica state.
func (c *Coordinator) Status() Status {
	s := Status{
		PartitionID:     c.id,
		Role:            c.Role(),
		Epoch:           c.table.Epoch(),
		LastCommitted:   c.table.LastCommitted(),
		ReplicationDone: c.table.ReplicationDone(),
		Faulted:         c.faulted.Load(),
	}
	for _, g := range c.table.Groups() {
		s.Groups = append(s.Groups, GroupStatus{
			ID:           g.ID,
			Status:       g.Status.String(),
			Participants: len(g.Participants),
			Replicating:  g.Replicating,
			Created:      g.CreatedSequenceNumber,
		})
	}
	for _, a := range c.adapters {
		s.Members = append(s.Members, MemberStatus{Name: a.Name(), ID: a.ID(), Role: a.Role()})
	}
	return s
}

func (c *Coordinator) channelHandle() (replica.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, replica.ErrClosed
	}
	if c.channel == nil {
		return nil, replica.ErrNotPrimary
	}
	return c.channel, nil
}

func (c *Coordinator) memberByID(id uuid.UUID) (*member.Adapter, error) {
	a, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("svcgroup: unknown member %s", id)
	}
	return a, nil
}

// MemberID resolves a member name.
func (c *Coordinator) MemberID(name string) (uuid.UUID, bool) {
	for _, a := range c.adapters {
		if a.Name() == name {
			return a.ID(), true
		}
	}
	return uuid.Nil, false
}

// WriteStatus reports the channel write status. A replica without channel is
// not primary.
func (c *Coordinator) WriteStatus() replica.AccessStatus {
	ch, err := c.channelHandle()
	if err != nil {
		return replica.AccessNotPrimary
	}
	return ch.WriteStatus()
}

// ReadStatus reports the channel read status.
func (c *Coordinator) ReadStatus() replica.AccessStatus {
	ch, err := c.channelHandle()
	if err != nil {
		return replica.AccessNotPrimary
	}
	return ch.ReadStatus()
}

// ReportMemberFault forwards a member's fault to the channel. A permanent
// member fault faults the whole replica.
func (c *Coordinator) ReportMemberFault(id uuid.UUID, kind replica.FaultType, cause error) {
	name := id.String()
	a, known := c.byID[id]
	if known {
		name = a.Name()
	}
	c.metrics.recordFault(context.Background(), kind, name)
	err := &MemberError{Member: name, MemberID: id, Op: "fault", Err: cause}
	if kind == replica.FaultPermanent {
		if known {
			a.TerminateStreams(err, true)
		}
		c.fault(err)
		return
	}
	c.logger.Warn("group.member.fault.transient", "member", name, "error", cause)
	if ch, cerr := c.channelHandle(); cerr == nil {
		ch.ReportFault(kind, err)
	}
}

// fault records a permanent fault once and reports it on the channel.
func (c *Coordinator) fault(err error) {
	c.faultOnce.Do(func() {
		c.faulted.Store(true)
		c.metrics.recordFault(context.Background(), replica.FaultPermanent, "")
		c.logger.Error("group.fault", "error", err)
		c.mu.Lock()
		ch, d := c.channel, c.demux
		c.mu.Unlock()
		if d != nil {
			d.Stop()
		}
		if ch != nil {
			ch.ReportFault(replica.FaultPermanent, err)
		}
	})
}

func (c *Coordinator) memberIDs() []uuid.UUID {
	out := make([]uuid.UUID, len(c.adapters))
	for i, a := range c.adapters {
		out[i] = a.ID()
	}
	return out
}

// compositeEndpoint joins member endpoints as name=endpoint pairs.
func compositeEndpoint(names, endpoints []string) string {
	pairs := make([]string, 0, len(names))
	for i, name := range names {
		if endpoints[i] == "" {
			continue
		}
		pairs = append(pairs, name+"="+endpoints[i])
	}
	return strings.Join(pairs, EndpointSeparator)
}

// ParseEndpoint splits a composite endpoint into member endpoints.
func ParseEndpoint(endpoint string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(endpoint, EndpointSeparator) {
		name, ep, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			continue
		}
		out[name] = ep
	}
	return out
}
