// Package replica defines the contracts shared between a grouped replica, the
// replication channel it rides on, and the members it hosts.
//
// A Channel is the primary/backup replication primitive: it assigns sequence
// numbers to replicated payloads and hands secondaries pull-based copy and
// replication streams. A Member is one logical stateful service. The
// svcgroup.Coordinator consumes both and re-exposes Lifecycle and
// StateProvider one level up, so a coordinator can itself be hosted by
// anything that drives a Member.
package replica
