// Package tablet implements the reference storage node the nameserver
// manages.
//
// A tablet hosts partition replicas keyed by (tid, pid). Each replica keeps
// an append-only record log (see package storage) and a role:
//
//	leader     accepts puts, pushes each record to its followers
//	follower   accepts records pushed by the leader of its term
//
// # Terms
//
// Every role change, follower attach and snapshot carries the partition
// term. A replica rejects requests with a term below its own, so a demoted
// leader that missed its demotion cannot be driven by stale commands, and a
// follower adopts a higher term the first time a new leader pushes to it.
//
// # Catch-up
//
// Attaching a follower sends it the leader's whole log. The follower skips
// records it already holds, so re-attaching is idempotent and the nameserver
// can retry the call freely. Progress is the replica offset reported by the
// status RPC.
//
// # Snapshots
//
// A snapshot writes the log to <data_dir>/<tid>_<pid>/<name>.sdb and
// rewrites MANIFEST next to it:
//
//	name: 1_0_5f0c....sdb
//	offset: 10
//	count: 10
//	term: 2
package tablet
