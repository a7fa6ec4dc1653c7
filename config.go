package svcgroup

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/svcgroup/internal/clock"
	"pkt.systems/svcgroup/replica"
)

const (
	// DefaultAbortDrainTimeout bounds how long Abort waits for in-flight
	// atomic group replicates.
	DefaultAbortDrainTimeout = 5 * time.Second
	// EndpointSeparator joins member endpoints in the composite endpoint.
	EndpointSeparator = ";"
	// MaxMemberNameLength bounds member names.
	MaxMemberNameLength = 128
)

// MemberSpec describes one hosted member.
type MemberSpec struct {
	// Name is unique inside the group and used in logs and endpoints.
	Name string
	// ID addresses the member in replicated envelopes. It must be the same
	// on every replica of the partition.
	ID     uuid.UUID
	Member replica.Member
}

// Config captures the tunable parameters of a Coordinator.
type Config struct {
	// PartitionID is the partition identity shared by every replica. It also
	// addresses the Coordinator's own control operations.
	PartitionID uuid.UUID
	// ReplicaID tags log entries. Optional.
	ReplicaID string
	Members   []MemberSpec
	// HasPersistedState makes Open and OnDataLoss undo member progress past
	// the lowest last committed sequence number.
	HasPersistedState bool
	// AbortDrainTimeout bounds Abort's wait for in-flight replicates.
	AbortDrainTimeout time.Duration
}

// Validate applies defaults and reports configuration errors.
func (c *Config) Validate() error {
	if c.PartitionID == uuid.Nil {
		return fmt.Errorf("config: partition id is required")
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("config: at least one member is required")
	}
	names := make(map[string]struct{}, len(c.Members))
	ids := make(map[uuid.UUID]struct{}, len(c.Members))
	for i := range c.Members {
		m := &c.Members[i]
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" {
			return fmt.Errorf("config: member %d: name is required", i)
		}
		if len(m.Name) > MaxMemberNameLength {
			return fmt.Errorf("config: member %q: name exceeds %d characters", m.Name, MaxMemberNameLength)
		}
		if strings.ContainsAny(m.Name, EndpointSeparator+"=") {
			return fmt.Errorf("config: member %q: name may not contain %q or %q", m.Name, EndpointSeparator, "=")
		}
		if _, ok := names[m.Name]; ok {
			return fmt.Errorf("config: duplicate member name %q", m.Name)
		}
		names[m.Name] = struct{}{}
		if m.ID == uuid.Nil {
			return fmt.Errorf("config: member %q: id is required", m.Name)
		}
		if m.ID == c.PartitionID {
			return fmt.Errorf("config: member %q: id collides with the partition id", m.Name)
		}
		if _, ok := ids[m.ID]; ok {
			return fmt.Errorf("config: duplicate member id %s", m.ID)
		}
		ids[m.ID] = struct{}{}
		if m.Member == nil {
			return fmt.Errorf("config: member %q: implementation is required", m.Name)
		}
	}
	if c.AbortDrainTimeout == 0 {
		c.AbortDrainTimeout = DefaultAbortDrainTimeout
	} else if c.AbortDrainTimeout < 0 {
		return fmt.Errorf("config: abort drain timeout must be >= 0")
	}
	return nil
}

// Option configures coordinator instances.
type Option func(*options)

type options struct {
	Logger         pslog.Logger
	Clock          clock.Clock
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithMeterProvider overrides the global otel meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.MeterProvider = mp
	}
}

// WithTracerProvider overrides the global otel tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.TracerProvider = tp
	}
}
