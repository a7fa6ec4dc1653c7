// Package svcfields holds the structured log keys shared by every component
// of a grouped replica.
package svcfields

import (
	"strings"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the component that wrote an entry.
	SubsystemKey = pslog.TrustedString("sys")
	// MemberKey carries the member name.
	MemberKey = pslog.TrustedString("member")
	// MemberIDKey carries the member id.
	MemberIDKey = pslog.TrustedString("member_id")
)

// Subsystem joins parts into a dot-delimited subsystem path, skipping empty
// fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithMember tags entries with a member name and, when set, its id.
func WithMember(logger pslog.Logger, name string, id uuid.UUID) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = logger.With(MemberKey, name)
	if id != uuid.Nil {
		logger = logger.With(MemberIDKey, id.String())
	}
	return logger
}
