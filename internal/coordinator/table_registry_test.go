package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/nameserver/internal/cluster"
)

// memTableStore records persisted tables and can be told to fail.
type memTableStore struct {
	mu      sync.Mutex
	tables  map[string]TableInfo
	nextTID uint32
	fail    error
}

func newMemTableStore() *memTableStore {
	return &memTableStore{tables: map[string]TableInfo{}}
}

func (s *memTableStore) SaveTable(_ context.Context, t TableInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.tables[t.Name] = t
	return nil
}

func (s *memTableStore) DeleteTable(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	delete(s.tables, name)
	return nil
}

func (s *memTableStore) SaveNextTID(_ context.Context, next uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.nextTID = next
	return nil
}

func leader(ep string) ReplicaInfo {
	return ReplicaInfo{Endpoint: ep, Role: cluster.RoleLeader, Alive: true}
}

func addReplica(rep ReplicaInfo) func(p *PartitionInfo) error {
	return func(p *PartitionInfo) error {
		p.Replicas = append(p.Replicas, rep)
		return nil
	}
}

func removeReplica(ep string) func(p *PartitionInfo) error {
	return func(p *PartitionInfo) error {
		i := p.replicaIndex(ep)
		if i < 0 {
			return ErrReplicaNotFound
		}
		p.Replicas = append(p.Replicas[:i], p.Replicas[i+1:]...)
		return nil
	}
}

func follower(ep string) ReplicaInfo {
	return ReplicaInfo{Endpoint: ep, Role: cluster.RoleFollower, Alive: true}
}

func testTable(name string, tid uint32) TableInfo {
	return TableInfo{
		Name:       name,
		TID:        tid,
		TTL:        144000,
		ReplicaNum: 2,
		Partitions: []PartitionInfo{
			{PID: 0, Replicas: []ReplicaInfo{follower("b:1"), leader("a:1")}},
			{PID: 1, Replicas: []ReplicaInfo{leader("b:1"), follower("a:1")}},
		},
	}
}

func TestTableRegistryCreateAndGet(t *testing.T) {
	store := newMemTableStore()
	r := NewTableRegistry(store)
	ctx := context.Background()

	tid, err := r.AllocateTID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tid)
	assert.Equal(t, uint32(2), store.nextTID)

	created, err := r.CreateTable(ctx, testTable("t1", tid))
	require.NoError(t, err)
	assert.Equal(t, 2, created.PartitionCount())
	assert.False(t, created.CreatedAt.IsZero())

	for _, p := range created.Partitions {
		assert.Equal(t, uint64(1), p.Version)
		assert.Equal(t, uint64(1), p.Term)
		assert.True(t, p.Replicas[0].IsLeader(), "leader sorts first")
	}

	got, err := r.GetTable("t1")
	require.NoError(t, err)
	if diff := cmp.Diff(created, got); diff != "" {
		t.Errorf("GetTable mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, store.tables, "t1")

	_, err = r.CreateTable(ctx, testTable("t1", 9))
	assert.ErrorIs(t, err, ErrTableExists)

	_, err = r.GetTable("missing")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestTableRegistryCreateInvalid(t *testing.T) {
	tests := []struct {
		name  string
		table TableInfo
		want  error
	}{
		{"empty name", TableInfo{Partitions: []PartitionInfo{{}}}, ErrInvalidTable},
		{"no partitions", TableInfo{Name: "t"}, ErrInvalidTable},
		{"pid gap", TableInfo{Name: "t", Partitions: []PartitionInfo{{PID: 1}}}, ErrInvalidTable},
		{
			"two leaders",
			TableInfo{Name: "t", Partitions: []PartitionInfo{{Replicas: []ReplicaInfo{leader("a:1"), leader("b:1")}}}},
			ErrMultipleLeaders,
		},
		{
			"duplicate endpoint",
			TableInfo{Name: "t", Partitions: []PartitionInfo{{Replicas: []ReplicaInfo{leader("a:1"), follower("a:1")}}}},
			ErrReplicaExists,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTableRegistry(nil).CreateTable(context.Background(), tt.table)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTableRegistryPersistFailureLeavesCatalog(t *testing.T) {
	store := newMemTableStore()
	r := NewTableRegistry(store)
	ctx := context.Background()

	_, err := r.CreateTable(ctx, testTable("t1", 1))
	require.NoError(t, err)

	store.fail = errors.New("zk down")
	_, err = r.UpdatePartition(ctx, "t1", 0, 1, addReplica(follower("c:1")))
	require.Error(t, err)

	p, _, err := r.GetPartition("t1", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Version)
	assert.Len(t, p.Replicas, 2)

	_, err = r.CreateTable(ctx, testTable("t2", 2))
	require.Error(t, err)
	_, err = r.GetTable("t2")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestTableRegistryUpdatePartitionCAS(t *testing.T) {
	r := NewTableRegistry(nil)
	ctx := context.Background()
	_, err := r.CreateTable(ctx, testTable("t1", 1))
	require.NoError(t, err)

	p, err := r.UpdatePartition(ctx, "t1", 0, 1, EditReplica("b:1", func(rep *ReplicaInfo) { rep.Offset = 42 }))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.Version)
	rep, ok := p.Replica("b:1")
	require.True(t, ok)
	assert.Equal(t, uint64(42), rep.Offset)

	// Stale version is rejected and nothing changes.
	_, err = r.UpdatePartition(ctx, "t1", 0, 1, EditReplica("b:1", func(rep *ReplicaInfo) { rep.Offset = 7 }))
	assert.ErrorIs(t, err, ErrVersionConflict)
	p, _, _ = r.GetPartition("t1", 0)
	rep, _ = p.Replica("b:1")
	assert.Equal(t, uint64(42), rep.Offset)

	// Promoting without demoting would create two leaders.
	_, err = r.UpdatePartition(ctx, "t1", 0, 2, EditReplica("b:1", func(rep *ReplicaInfo) { rep.Role = cluster.RoleLeader }))
	assert.ErrorIs(t, err, ErrMultipleLeaders)

	// fn errors are returned unchanged.
	boom := errors.New("boom")
	_, err = r.UpdatePartition(ctx, "t1", 0, 2, func(*PartitionInfo) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = r.UpdatePartition(ctx, "t1", 5, 1, func(*PartitionInfo) error { return nil })
	assert.ErrorIs(t, err, ErrPartitionNotFound)
	_, err = r.UpdatePartition(ctx, "nope", 0, 1, func(*PartitionInfo) error { return nil })
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestTableRegistryReplicaMembership(t *testing.T) {
	r := NewTableRegistry(nil)
	ctx := context.Background()
	_, err := r.CreateTable(ctx, testTable("t1", 1))
	require.NoError(t, err)

	p, err := r.UpdatePartition(ctx, "t1", 0, 1, addReplica(follower("c:1")))
	require.NoError(t, err)
	assert.Len(t, p.Replicas, 3)

	_, err = r.UpdatePartition(ctx, "t1", 0, p.Version, addReplica(follower("c:1")))
	assert.ErrorIs(t, err, ErrReplicaExists)

	p, err = r.UpdatePartition(ctx, "t1", 0, p.Version, removeReplica("b:1"))
	require.NoError(t, err)
	_, ok := p.Replica("b:1")
	assert.False(t, ok)

	_, err = r.UpdatePartition(ctx, "t1", 0, p.Version, removeReplica("b:1"))
	assert.ErrorIs(t, err, ErrReplicaNotFound)

	l, ok := p.Leader()
	require.True(t, ok)
	assert.Equal(t, "a:1", l.Endpoint)
	assert.Equal(t, []ReplicaInfo{follower("c:1")}, p.Followers())
}

func TestTableRegistryReadersGetCopies(t *testing.T) {
	r := NewTableRegistry(nil)
	_, err := r.CreateTable(context.Background(), testTable("t1", 1))
	require.NoError(t, err)

	got, _ := r.GetTable("t1")
	got.Partitions[0].Replicas[0].Endpoint = "mutated"

	again, _ := r.GetTable("t1")
	assert.Equal(t, "a:1", again.Partitions[0].Replicas[0].Endpoint)
}

func TestTableRegistryDropAndList(t *testing.T) {
	store := newMemTableStore()
	r := NewTableRegistry(store)
	ctx := context.Background()

	for i, name := range []string{"b", "a", "c"} {
		_, err := r.CreateTable(ctx, testTable(name, uint32(i+1)))
		require.NoError(t, err)
	}

	names := func() []string {
		var out []string
		for _, tbl := range r.ListTables() {
			out = append(out, tbl.Name)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, names())

	require.NoError(t, r.DropTable(ctx, "b"))
	assert.Equal(t, []string{"a", "c"}, names())
	assert.NotContains(t, store.tables, "b")
	assert.ErrorIs(t, r.DropTable(ctx, "b"), ErrTableNotFound)

	parts, err := r.ListPartitions("a")
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestTableRegistryEndpointPartitions(t *testing.T) {
	r := NewTableRegistry(nil)
	ctx := context.Background()
	_, err := r.CreateTable(ctx, testTable("t1", 1))
	require.NoError(t, err)
	_, err = r.CreateTable(ctx, TableInfo{
		Name:       "t2",
		TID:        2,
		Partitions: []PartitionInfo{{Replicas: []ReplicaInfo{leader("c:1")}}},
	})
	require.NoError(t, err)

	refs := r.EndpointPartitions("b:1")
	want := []PartitionRef{
		{Table: "t1", TID: 1, PID: 0, Role: cluster.RoleFollower, Alive: true},
		{Table: "t1", TID: 1, PID: 1, Role: cluster.RoleLeader, Alive: true},
	}
	assert.Equal(t, want, refs)
	assert.Empty(t, r.EndpointPartitions("z:1"))
}

func TestTableRegistryLoad(t *testing.T) {
	r := NewTableRegistry(nil)
	r.Load([]TableInfo{testTable("t1", 7)}, 3)

	tid, err := r.AllocateTID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(8), tid, "next tid is raised above loaded tables")

	got, err := r.GetTable("t1")
	require.NoError(t, err)
	if diff := cmp.Diff(testTable("t1", 7), got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("loaded table mismatch (-want +got):\n%s", diff)
	}
}

func TestTableRegistryConcurrentUpdates(t *testing.T) {
	r := NewTableRegistry(nil)
	ctx := context.Background()
	_, err := r.CreateTable(ctx, testTable("t1", 1))
	require.NoError(t, err)

	// Each writer retries on version conflicts; every increment must land.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, _, err := r.GetPartition("t1", 1)
				if err != nil {
					t.Error(err)
					return
				}
				_, err = r.UpdatePartition(ctx, "t1", 1, p.Version, EditReplica("a:1", func(rep *ReplicaInfo) { rep.Offset++ }))
				if err == nil {
					return
				}
				if !errors.Is(err, ErrVersionConflict) {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	p, _, err := r.GetPartition("t1", 1)
	require.NoError(t, err)
	rep, _ := p.Replica("a:1")
	assert.Equal(t, uint64(10), rep.Offset)
	assert.Equal(t, uint64(11), p.Version)
}
