// Package coordinator provides the nameserver's authoritative cluster state.
// See doc.go for complete package documentation.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/slices"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/metrics"
)

// ColumnDesc describes one column of a table's schema. The catalog stores
// columns verbatim and never interprets them.
type ColumnDesc struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	AddTSIdx bool   `json:"add_ts_idx" yaml:"add_ts_idx"`
}

// ReplicaInfo is one copy of a partition hosted on a tablet endpoint.
//
// Alive is false when the failover controller has taken the replica offline
// after its endpoint went unhealthy. Offset is the last log position the
// nameserver observed for the replica; it is informational only.
type ReplicaInfo struct {
	Endpoint string       `json:"endpoint"`
	Role     cluster.Role `json:"role"`
	Offset   uint64       `json:"offset"`
	Alive    bool         `json:"alive"`
}

// IsLeader reports whether the replica holds the leader role.
func (r ReplicaInfo) IsLeader() bool { return r.Role == cluster.RoleLeader }

// PartitionInfo is the replica set of one partition.
//
// Version increases by one on every committed mutation and is the
// compare-and-swap token for UpdatePartition. Term increases by one on every
// leader change and is passed to tablets to fence stale leaders.
type PartitionInfo struct {
	Replicas []ReplicaInfo `json:"replicas"`
	Version  uint64        `json:"version"`
	Term     uint64        `json:"term"`
	PID      uint32        `json:"pid"`
}

// Leader returns the leader replica, if any. The returned replica may be
// not alive.
func (p PartitionInfo) Leader() (ReplicaInfo, bool) {
	for _, r := range p.Replicas {
		if r.IsLeader() {
			return r, true
		}
	}
	return ReplicaInfo{}, false
}

// Replica returns the replica hosted on endpoint, if any.
func (p PartitionInfo) Replica(endpoint string) (ReplicaInfo, bool) {
	i := p.replicaIndex(endpoint)
	if i < 0 {
		return ReplicaInfo{}, false
	}
	return p.Replicas[i], true
}

// Followers returns the follower replicas in endpoint order.
func (p PartitionInfo) Followers() []ReplicaInfo {
	var out []ReplicaInfo
	for _, r := range p.Replicas {
		if !r.IsLeader() {
			out = append(out, r)
		}
	}
	return out
}

func (p PartitionInfo) replicaIndex(endpoint string) int {
	return slices.IndexFunc(p.Replicas, func(r ReplicaInfo) bool { return r.Endpoint == endpoint })
}

func (p PartitionInfo) clone() PartitionInfo {
	c := p
	c.Replicas = slices.Clone(p.Replicas)
	return c
}

// validate checks the structural invariants every committed partition obeys.
func (p PartitionInfo) validate() error {
	leaders := 0
	seen := make(map[string]bool, len(p.Replicas))
	for _, r := range p.Replicas {
		if r.Endpoint == "" {
			return fmt.Errorf("%w: pid %d has a replica without endpoint", ErrInvalidTable, p.PID)
		}
		if seen[r.Endpoint] {
			return fmt.Errorf("%w: %s in pid %d", ErrReplicaExists, r.Endpoint, p.PID)
		}
		seen[r.Endpoint] = true
		if r.IsLeader() {
			leaders++
		}
	}
	if leaders > 1 {
		return fmt.Errorf("%w: pid %d", ErrMultipleLeaders, p.PID)
	}
	return nil
}

// TableInfo is the catalog entry for one table.
type TableInfo struct {
	CreatedAt  time.Time       `json:"created_at"`
	Name       string          `json:"name"`
	TTLType    string          `json:"ttl_type"`
	Columns    []ColumnDesc    `json:"column_desc"`
	Partitions []PartitionInfo `json:"partitions"`
	TTL        uint64          `json:"ttl"`
	ReplicaNum int             `json:"replica_num"`
	SegCnt     uint32          `json:"seg_cnt"`
	TID        uint32          `json:"tid"`
}

// PartitionCount returns the number of partitions; valid pids are
// [0, PartitionCount).
func (t TableInfo) PartitionCount() int { return len(t.Partitions) }

func (t TableInfo) clone() TableInfo {
	c := t
	c.Columns = slices.Clone(t.Columns)
	c.Partitions = make([]PartitionInfo, len(t.Partitions))
	for i, p := range t.Partitions {
		c.Partitions[i] = p.clone()
	}
	return c
}

// PartitionRef locates one replica of a partition hosted on an endpoint.
type PartitionRef struct {
	Table string
	Role  cluster.Role
	TID   uint32
	PID   uint32
	Alive bool
}

// TableStore persists catalog mutations. Implementations must make each
// call durable before returning.
type TableStore interface {
	SaveTable(ctx context.Context, table TableInfo) error
	DeleteTable(ctx context.Context, name string) error
	SaveNextTID(ctx context.Context, next uint32) error
}

// TableRegistry is the Partition Metadata Store: the authoritative mapping
// from table name to partitions to replica sets.
//
// Architecture:
//
//	┌────────────────────────────────────────────┐
//	│               TableRegistry                │
//	├────────────────────────────────────────────┤
//	│  tables: name → *TableInfo (immutable)     │
//	│  nextTID: next table id to allocate        │
//	│  store: durable TableStore (optional)      │
//	├────────────────────────────────────────────┤
//	│  "t1" → pid 0 → [a:1 leader, b:1 follower] │
//	│         pid 1 → [b:1 leader, a:1 follower] │
//	└────────────────────────────────────────────┘
//
// Concurrency Model:
//   - Writers are serialized by wmu; a mutation is persisted to the store
//     first and only then published by swapping the table pointer under mu
//   - Readers take mu.RLock and receive deep copies, so they always observe
//     a fully committed table and never wait on the store
//   - A published *TableInfo is never mutated in place
type TableRegistry struct {
	tables  map[string]*TableInfo
	store   TableStore
	wmu     sync.Mutex
	mu      sync.RWMutex
	nextTID uint32
}

// NewTableRegistry creates an empty registry. A nil store keeps the catalog
// in memory only.
//
// Example:
//
//	registry := NewTableRegistry(zkstore.New(conn, "/nameserver"))
//	registry.Load(tables, nextTID)
func NewTableRegistry(store TableStore) *TableRegistry {
	return &TableRegistry{
		tables:  make(map[string]*TableInfo),
		store:   store,
		nextTID: 1,
	}
}

// Load replaces the registry content with tables read from durable storage.
// nextTID is raised above every loaded table id if needed.
func (r *TableRegistry) Load(tables []TableInfo, nextTID uint32) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	m := make(map[string]*TableInfo, len(tables))
	for _, t := range tables {
		c := t.clone()
		m[t.Name] = &c
		if t.TID >= nextTID {
			nextTID = t.TID + 1
		}
	}
	if nextTID == 0 {
		nextTID = 1
	}

	r.mu.Lock()
	r.tables = m
	r.nextTID = nextTID
	r.mu.Unlock()

	metrics.Tables.Set(float64(len(m)))
	log.Info().Int("tables", len(m)).Uint32("next_tid", nextTID).Msg("table catalog loaded")
}

// AllocateTID reserves and returns a new table id. Ids are never reused,
// even when the table creation that reserved one later fails.
func (r *TableRegistry) AllocateTID(ctx context.Context) (uint32, error) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.RLock()
	tid := r.nextTID
	r.mu.RUnlock()

	if r.store != nil {
		if err := r.store.SaveNextTID(ctx, tid+1); err != nil {
			return 0, fmt.Errorf("persisting table id counter: %w", err)
		}
	}

	r.mu.Lock()
	r.nextTID = tid + 1
	r.mu.Unlock()
	return tid, nil
}

// CreateTable validates and commits a new table. Every partition is created
// at version 1 and term 1.
//
// Returns:
//   - ErrTableExists if the name is taken
//   - ErrInvalidTable or ErrMultipleLeaders if the definition is malformed
func (r *TableRegistry) CreateTable(ctx context.Context, table TableInfo) (TableInfo, error) {
	if table.Name == "" {
		return TableInfo{}, fmt.Errorf("%w: empty name", ErrInvalidTable)
	}
	if len(table.Partitions) == 0 {
		return TableInfo{}, fmt.Errorf("%w: no partitions", ErrInvalidTable)
	}

	t := table.clone()
	for i := range t.Partitions {
		p := &t.Partitions[i]
		if int(p.PID) != i {
			return TableInfo{}, fmt.Errorf("%w: partition %d has pid %d", ErrInvalidTable, i, p.PID)
		}
		if err := p.validate(); err != nil {
			return TableInfo{}, err
		}
		p.Version = 1
		if p.Term == 0 {
			p.Term = 1
		}
		sortReplicas(p.Replicas)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.RLock()
	_, exists := r.tables[t.Name]
	r.mu.RUnlock()
	if exists {
		return TableInfo{}, fmt.Errorf("%w: %s", ErrTableExists, t.Name)
	}

	if err := r.persist(ctx, t); err != nil {
		return TableInfo{}, err
	}

	r.mu.Lock()
	r.tables[t.Name] = &t
	n := len(r.tables)
	r.mu.Unlock()

	metrics.Tables.Set(float64(n))
	log.Info().Str("table", t.Name).Uint32("tid", t.TID).Int("partitions", len(t.Partitions)).
		Msg("table created")
	return t.clone(), nil
}

// DropTable removes a table from the catalog.
func (r *TableRegistry) DropTable(ctx context.Context, name string) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.RLock()
	_, exists := r.tables[name]
	r.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	if r.store != nil {
		if err := r.store.DeleteTable(ctx, name); err != nil {
			return fmt.Errorf("deleting table %s: %w", name, err)
		}
	}

	r.mu.Lock()
	delete(r.tables, name)
	n := len(r.tables)
	r.mu.Unlock()

	metrics.Tables.Set(float64(n))
	log.Info().Str("table", name).Msg("table dropped")
	return nil
}

// GetTable returns a copy of the named table.
func (r *TableRegistry) GetTable(name string) (TableInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[name]
	if !ok {
		return TableInfo{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t.clone(), nil
}

// ListTables returns copies of all tables sorted by name.
func (r *TableRegistry) ListTables() []TableInfo {
	r.mu.RLock()
	out := make([]TableInfo, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListPartitions returns copies of a table's partitions ordered by pid.
func (r *TableRegistry) ListPartitions(name string) ([]PartitionInfo, error) {
	t, err := r.GetTable(name)
	if err != nil {
		return nil, err
	}
	return t.Partitions, nil
}

// GetPartition returns a copy of one partition together with its table id.
func (r *TableRegistry) GetPartition(name string, pid uint32) (PartitionInfo, uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[name]
	if !ok {
		return PartitionInfo{}, 0, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if int(pid) >= len(t.Partitions) {
		return PartitionInfo{}, t.TID, fmt.Errorf("%w: %s pid %d", ErrPartitionNotFound, name, pid)
	}
	return t.Partitions[pid].clone(), t.TID, nil
}

// UpdatePartition is the compare-and-swap primitive every other partition
// mutation is built on. fn receives a private copy of the partition and may
// edit its replicas and term; the result is committed only if the partition
// is still at version and the invariants hold.
//
// Returns:
//   - The committed partition, at version+1
//   - ErrVersionConflict if the partition changed since version was read
//   - Any error returned by fn, unchanged
//
// Example:
//
//	p, _, _ := registry.GetPartition("t1", 0)
//	_, err := registry.UpdatePartition(ctx, "t1", 0, p.Version, func(p *PartitionInfo) error {
//	    p.Term++
//	    return nil
//	})
func (r *TableRegistry) UpdatePartition(ctx context.Context, name string, pid uint32, version uint64,
	fn func(p *PartitionInfo) error) (PartitionInfo, error) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.RLock()
	cur, ok := r.tables[name]
	r.mu.RUnlock()
	if !ok {
		return PartitionInfo{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if int(pid) >= len(cur.Partitions) {
		return PartitionInfo{}, fmt.Errorf("%w: %s pid %d", ErrPartitionNotFound, name, pid)
	}
	if got := cur.Partitions[pid].Version; got != version {
		return PartitionInfo{}, fmt.Errorf("%w: %s pid %d at version %d, expected %d",
			ErrVersionConflict, name, pid, got, version)
	}

	next := cur.clone()
	p := &next.Partitions[pid]
	if err := fn(p); err != nil {
		return PartitionInfo{}, err
	}
	p.PID = pid
	p.Version = version + 1
	sortReplicas(p.Replicas)
	if err := p.validate(); err != nil {
		return PartitionInfo{}, err
	}

	if err := r.persist(ctx, next); err != nil {
		return PartitionInfo{}, err
	}

	r.mu.Lock()
	r.tables[name] = &next
	r.mu.Unlock()

	log.Debug().Str("table", name).Uint32("pid", pid).Uint64("version", p.Version).
		Uint64("term", p.Term).Msg("partition updated")
	return p.clone(), nil
}

// EditReplica returns an UpdatePartition function that applies fn to the
// replica hosted on endpoint.
func EditReplica(endpoint string, fn func(replica *ReplicaInfo)) func(p *PartitionInfo) error {
	return func(p *PartitionInfo) error {
		i := p.replicaIndex(endpoint)
		if i < 0 {
			return fmt.Errorf("%w: %s pid %d", ErrReplicaNotFound, endpoint, p.PID)
		}
		fn(&p.Replicas[i])
		return nil
	}
}

// EndpointPartitions returns every replica hosted on endpoint, ordered by
// table name and pid.
func (r *TableRegistry) EndpointPartitions(endpoint string) []PartitionRef {
	var refs []PartitionRef
	for _, t := range r.ListTables() {
		for _, p := range t.Partitions {
			if rep, ok := p.Replica(endpoint); ok {
				refs = append(refs, PartitionRef{
					Table: t.Name,
					TID:   t.TID,
					PID:   p.PID,
					Role:  rep.Role,
					Alive: rep.Alive,
				})
			}
		}
	}
	return refs
}

func (r *TableRegistry) persist(ctx context.Context, t TableInfo) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveTable(ctx, t); err != nil {
		return fmt.Errorf("persisting table %s: %w", t.Name, err)
	}
	return nil
}

// sortReplicas orders replicas leader first, then by endpoint.
func sortReplicas(rs []ReplicaInfo) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].IsLeader() != rs[j].IsLeader() {
			return rs[i].IsLeader()
		}
		return rs[i].Endpoint < rs[j].Endpoint
	})
}
