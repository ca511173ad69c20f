package nameserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
	"github.com/dreamware/nameserver/internal/ops"
)

var errUnreachable = errors.New("connection refused")

type fakePartition struct {
	role      cluster.Role
	followers map[string]bool
	term      uint64
	offset    uint64
}

// fakeFleet simulates tablets in memory. Followers catch up instantly when
// attached, and leaders push writes to attached followers synchronously.
type fakeFleet struct {
	mu    sync.Mutex
	parts map[string]map[[2]uint32]*fakePartition
	down  map[string]bool
	// lagging endpoints never receive records from their leader.
	lagging map[string]bool
	// faults fail a call ("addfollower a:1") on one endpoint.
	faults map[string]error
	// hooks run once, with mu held, when a call reaches its endpoint.
	hooks map[string]func(f *fakeFleet)
	calls []string
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		parts:  map[string]map[[2]uint32]*fakePartition{},
		down:    map[string]bool{},
		lagging: map[string]bool{},
		faults:  map[string]error{},
		hooks:   map[string]func(f *fakeFleet){},
	}
}

func (f *fakeFleet) IsHealthy(endpoint string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, known := f.parts[endpoint]
	return known && !f.down[endpoint]
}

func (f *fakeFleet) addTablet(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[endpoint] = map[[2]uint32]*fakePartition{}
}

func (f *fakeFleet) setDown(endpoint string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[endpoint] = down
}

func (f *fakeFleet) fail(call, endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[call+" "+endpoint] = err
}

func (f *fakeFleet) setLagging(endpoint string, lagging bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lagging[endpoint] = lagging
}

func (f *fakeFleet) on(call, endpoint string, hook func(f *fakeFleet)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[call+" "+endpoint] = hook
}

// receives reports whether a follower on endpoint gets pushed records.
func (f *fakeFleet) receives(endpoint string) bool {
	return !f.down[endpoint] && !f.lagging[endpoint]
}

func (f *fakeFleet) called(call, endpoint string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call+" "+endpoint {
			return true
		}
	}
	return false
}

func (f *fakeFleet) enter(endpoint, call string) error {
	key := call + " " + endpoint
	f.calls = append(f.calls, key)
	if hook := f.hooks[key]; hook != nil {
		delete(f.hooks, key)
		hook(f)
	}
	if err := f.faults[key]; err != nil {
		return err
	}
	if f.down[endpoint] {
		return errUnreachable
	}
	if _, ok := f.parts[endpoint]; !ok {
		return errUnreachable
	}
	return nil
}

func (f *fakeFleet) part(endpoint string, tid, pid uint32) (*fakePartition, error) {
	p, ok := f.parts[endpoint][[2]uint32{tid, pid}]
	if !ok {
		return nil, &cluster.StatusError{Code: http.StatusNotFound, Msg: "partition not found"}
	}
	return p, nil
}

// write appends n records on the leader and pushes them to its followers.
func (f *fakeFleet) write(endpoint string, tid, pid uint32, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.parts[endpoint][[2]uint32{tid, pid}]
	p.offset += n
	for ep := range p.followers {
		if fp, err := f.part(ep, tid, pid); err == nil && f.receives(ep) {
			fp.offset = p.offset
		}
	}
}

func (f *fakeFleet) offset(endpoint string, tid, pid uint32) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.part(endpoint, tid, pid)
	if err != nil {
		return 0
	}
	return p.offset
}

func (f *fakeFleet) hasPartition(endpoint string, tid, pid uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.part(endpoint, tid, pid)
	return err == nil
}

func (f *fakeFleet) CreatePartition(_ context.Context, endpoint string, req cluster.CreatePartitionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(endpoint, "create"); err != nil {
		return err
	}
	key := [2]uint32{req.TID, req.PID}
	if _, ok := f.parts[endpoint][key]; ok {
		return &cluster.StatusError{Code: http.StatusConflict, Msg: "partition exists"}
	}
	p := &fakePartition{role: req.Role, term: req.Term, followers: map[string]bool{}}
	for _, ep := range req.Followers {
		p.followers[ep] = true
	}
	f.parts[endpoint][key] = p
	return nil
}

func (f *fakeFleet) DropPartition(_ context.Context, endpoint string, tid, pid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(endpoint, "drop"); err != nil {
		return err
	}
	delete(f.parts[endpoint], [2]uint32{tid, pid})
	return nil
}

func (f *fakeFleet) ChangeRole(_ context.Context, endpoint string, req cluster.ChangeRoleRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(endpoint, "role:"+string(req.Role)); err != nil {
		return err
	}
	p, err := f.part(endpoint, req.TID, req.PID)
	if err != nil {
		return err
	}
	if req.Term < p.term {
		return &cluster.StatusError{Code: http.StatusConflict, Msg: "stale term"}
	}
	p.role, p.term = req.Role, req.Term
	p.followers = map[string]bool{}
	for _, ep := range req.Followers {
		p.followers[ep] = true
	}
	return nil
}

func (f *fakeFleet) AddFollower(_ context.Context, endpoint string, req cluster.FollowerRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(endpoint, "addfollower"); err != nil {
		return err
	}
	p, err := f.part(endpoint, req.TID, req.PID)
	if err != nil {
		return err
	}
	if p.role != cluster.RoleLeader {
		return &cluster.StatusError{Code: http.StatusConflict, Msg: "not leader"}
	}
	p.followers[req.Endpoint] = true
	if fp, err := f.part(req.Endpoint, req.TID, req.PID); err == nil && f.receives(req.Endpoint) {
		fp.offset = p.offset
	}
	return nil
}

func (f *fakeFleet) RemoveFollower(_ context.Context, endpoint string, req cluster.FollowerRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(endpoint, "removefollower"); err != nil {
		return err
	}
	p, err := f.part(endpoint, req.TID, req.PID)
	if err != nil {
		return err
	}
	delete(p.followers, req.Endpoint)
	return nil
}

func (f *fakeFleet) PartitionStatus(_ context.Context, endpoint string, tid, pid uint32) (cluster.PartitionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(endpoint, "status"); err != nil {
		return cluster.PartitionStatus{}, err
	}
	p, err := f.part(endpoint, tid, pid)
	if err != nil {
		return cluster.PartitionStatus{}, err
	}
	return cluster.PartitionStatus{TID: tid, PID: pid, Role: p.role, Term: p.term, Offset: p.offset}, nil
}

func (f *fakeFleet) MakeSnapshot(_ context.Context, endpoint string, req cluster.SnapshotRequest) (cluster.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(endpoint, "snapshot"); err != nil {
		return cluster.Manifest{}, err
	}
	p, err := f.part(endpoint, req.TID, req.PID)
	if err != nil {
		return cluster.Manifest{}, err
	}
	if p.role != cluster.RoleLeader {
		return cluster.Manifest{}, &cluster.StatusError{Code: http.StatusConflict, Msg: "not leader"}
	}
	if req.Term < p.term {
		return cluster.Manifest{}, &cluster.StatusError{Code: http.StatusConflict, Msg: "stale term"}
	}
	return cluster.Manifest{
		Name:    fmt.Sprintf("%d_%d_%s.sdb", req.TID, req.PID, uuid.NewString()),
		Offset:  p.offset,
		Count:   p.offset,
		Term:    p.term,
		TakenAt: time.Now().UTC(),
	}, nil
}

type testEnv struct {
	ns      *NameServer
	fleet   *fakeFleet
	tables  *coordinator.TableRegistry
	runtime *coordinator.RuntimeConfig
	ops     *ops.Manager
}

func newTestEnv(t *testing.T, endpoints ...string) *testEnv {
	t.Helper()
	fleet := newFakeFleet()
	for _, ep := range endpoints {
		fleet.addTablet(ep)
	}

	manager := ops.NewManager(ops.Options{
		Workers:        4,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		RPCTimeout:     time.Second,
		Permanent:      cluster.IsPermanent,
	})
	env := &testEnv{
		fleet:   fleet,
		tables:  coordinator.NewTableRegistry(nil),
		runtime: coordinator.NewRuntimeConfig(coordinator.RuntimeFlags{}, nil),
		ops:     manager,
	}
	env.ns = New(Config{
		Tables:         env.tables,
		Manifests:      coordinator.NewManifestCatalog(nil),
		Runtime:        env.runtime,
		Ops:            manager,
		Health:         fleet,
		Client:         fleet,
		CatchUpTimeout: 200 * time.Millisecond,
		CatchUpPoll:    5 * time.Millisecond,
	})
	manager.Start(context.Background())
	t.Cleanup(manager.Stop)
	return env
}

const threeWayMeta = `
name: %s
ttl: 144000
ttl_type: kAbsoluteTime
seg_cnt: 8
table_partition:
  - endpoint: a:1
    pid_group: 0-3
    is_leader: true
  - endpoint: b:1
    pid_group: 0-3
    is_leader: false
column_desc:
  - name: card
    type: string
    add_ts_idx: true
`

// createTable creates a 4-partition table led by a:1 and followed by b:1.
func (e *testEnv) createTable(t *testing.T, name string) coordinator.TableInfo {
	t.Helper()
	op, err := e.ns.CreateTable(context.Background(), []byte(fmt.Sprintf(threeWayMeta, name)))
	require.NoError(t, err)
	require.Equal(t, ops.StateDone, op.State)
	table, err := e.tables.GetTable(name)
	require.NoError(t, err)
	return table
}

func (e *testEnv) wait(t *testing.T, op ops.Op) ops.Op {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := e.ops.Wait(ctx, op.ID)
	require.NoError(t, err)
	return done
}
