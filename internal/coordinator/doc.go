// Package coordinator holds the nameserver's authoritative view of the
// cluster: which tablets are alive, which tables exist, and which endpoint
// holds which role for every partition.
//
// # Overview
//
// Everything in this package is in-process state guarded by mutexes, with
// optional durable stores injected as small interfaces. The op manager and
// the nameserver command layer are the only writers; the admin API and the
// failover controller read consistent copies.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│               COORDINATOR                │
//	├──────────────────────────────────────────┤
//	│  ┌────────────────────────────────────┐  │
//	│  │ TableRegistry                      │  │
//	│  │  - table → partitions → replicas   │  │
//	│  │  - per-partition version CAS       │  │
//	│  │  - at most one leader per pid      │  │
//	│  └────────────────────────────────────┘  │
//	│  ┌────────────────────────────────────┐  │
//	│  │ HealthMonitor                      │  │
//	│  │  - heartbeats + active probes      │  │
//	│  │  - hysteresis, transition hooks    │  │
//	│  └────────────────────────────────────┘  │
//	│  ┌────────────────────────────────────┐  │
//	│  │ RuntimeConfig                      │  │
//	│  │  - auto_failover                   │  │
//	│  │  - auto_recover_table              │  │
//	│  └────────────────────────────────────┘  │
//	│  ┌────────────────────────────────────┐  │
//	│  │ ManifestCatalog                    │  │
//	│  │  - latest snapshot per replica     │  │
//	│  └────────────────────────────────────┘  │
//	└──────────────────────────────────────────┘
//
// # Core Components
//
// TableRegistry: the Partition Metadata Store
//   - Tables are replaced copy-on-write; readers never see a half-applied partition
//   - UpdatePartition is a compare-and-swap on the partition version
//   - Mutations are persisted through TableStore before they become visible
//
// HealthMonitor: the Node Health Monitor
//   - Tablets register and heartbeat; the monitor probes /health on an interval
//   - Unhealthy requires repeated probe failures and heartbeat silence
//   - Healthy again requires a successful probe
//
// RuntimeConfig: the Config Store
//   - Flags are read as an immutable RuntimeFlags snapshot
//
// ManifestCatalog: snapshot manifests keyed by (tid, pid, endpoint)
//   - Offsets never move backwards
//
// # Consistency
//
// The partition version is the single commit token. A caller reads a
// partition, performs remote work, and commits with the version it read. A
// concurrent commit makes the second one fail with ErrVersionConflict, and
// the caller reloads and re-validates instead of overwriting.
//
//	read p@v ──▶ remote steps ──▶ UpdatePartition(v) ──▶ p@v+1
//	                                     │
//	                                     └─ ErrVersionConflict if p moved
//
// # Error Handling
//
// Errors are sentinels from errors.go wrapped with context. Callers test them
// with errors.Is.
package coordinator
