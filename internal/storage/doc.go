// Package storage provides the record log kept by each partition replica on a
// tablet node.
//
// # Overview
//
// A replica's data is an append-only sequence of records. Each record gets the
// next offset when it is written on the leader; followers receive the same
// records, with the same offsets, through Apply. The last applied offset is the
// replica's progress marker: the nameserver compares follower offsets against
// the leader's to decide when a new replica has caught up, and snapshot
// manifests record it as the last included log position.
//
// # Offsets
//
//	offset 0      nothing applied
//	offset n      records 1..n applied, in order
//
// Apply is idempotent for records already present and refuses gaps, so a
// leader can resend from any point at or below the follower's offset.
//
// # Thread Safety
//
// MemoryStore is safe for concurrent use. Returned records and values are
// copies.
package storage
