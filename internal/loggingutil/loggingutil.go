// Package loggingutil holds small pslog helpers shared by the grouped replica
// packages.
package loggingutil

import (
	"io"
	"sync"

	"pkt.systems/pslog"
)

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// WithReplica tags every entry with the partition and replica identity.
// Empty values are left out.
func WithReplica(l pslog.Logger, partitionID, replicaID string) pslog.Logger {
	l = EnsureLogger(l)
	var kv []any
	if partitionID != "" {
		kv = append(kv, "partition_id", partitionID)
	}
	if replicaID != "" {
		kv = append(kv, "replica_id", replicaID)
	}
	if len(kv) == 0 {
		return l
	}
	return l.With(kv...)
}
