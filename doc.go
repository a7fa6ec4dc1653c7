// Package svcgroup hosts several independently implemented replicated
// members on one replica. The members share a partition identity and a single
// primary/backup replication channel, and the Coordinator adds atomic groups
// on top of that channel: operations from several members that commit or roll
// back together.
//
// # Hosting
//
// A Coordinator is built from a Config listing the members and is then
// driven by the hosting layer like any other replica:
//
//	coord, err := svcgroup.New(svcgroup.Config{
//	    PartitionID: partition,
//	    Members: []svcgroup.MemberSpec{
//	        {Name: "orders", ID: ordersID, Member: orders},
//	        {Name: "stock", ID: stockID, Member: stock},
//	    },
//	}, svcgroup.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	if err := coord.Open(ctx, replica.OpenNew, channel); err != nil { log.Fatal(err) }
//	endpoint, err := coord.ChangeRole(ctx, replica.RolePrimary)
//
// Every member receives its own replica.Partition in Open. Operations a
// member replicates through it are prefixed with a routing envelope and
// delivered to the same member on the secondaries.
//
// # Atomic groups
//
// A member starts a group with CreateAtomicGroup on its partition and
// replicates operations into it. Any participant may commit or roll back the
// group; once the decision replicated, every participant applies it through
// AtomicGroupCommit or AtomicGroupRollback. Groups still open when the replica
// stops being primary, closes or aborts are rolled back locally.
//
// # Copy
//
// A new secondary is built from the aggregate copy state of every member,
// preceded by a snapshot of the atomic group table, so groups in flight on
// the primary survive a failover.
package svcgroup
