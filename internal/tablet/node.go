package tablet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/storage"
)

// Replicator pushes records to a follower tablet.
type Replicator interface {
	Replicate(ctx context.Context, endpoint string, req cluster.ReplicateRequest) error
}

type partitionKey struct {
	tid uint32
	pid uint32
}

// Node is a tablet: the set of partition replicas it hosts plus the push
// replication from its leader replicas to their followers.
//
// Replication is synchronous with the write: Put returns after every
// reachable follower applied the record. A follower that misses a push gets
// the whole log on the next one and skips what it already holds.
type Node struct {
	client      Replicator
	replicas    map[partitionKey]*Replica
	endpoint    string
	dataDir     string
	pushTimeout time.Duration
	mu          sync.RWMutex
}

// NewNode creates a tablet that identifies itself as endpoint and writes
// snapshots under dataDir.
func NewNode(endpoint, dataDir string, client Replicator) *Node {
	return &Node{
		client:      client,
		replicas:    make(map[partitionKey]*Replica),
		endpoint:    endpoint,
		dataDir:     dataDir,
		pushTimeout: 2 * time.Second,
	}
}

func (n *Node) Endpoint() string { return n.endpoint }

func (n *Node) replica(tid, pid uint32) (*Replica, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.replicas[partitionKey{tid, pid}]
	if !ok {
		return nil, fmt.Errorf("%w: tid %d pid %d", ErrPartitionNotFound, tid, pid)
	}
	return r, nil
}

func (n *Node) CreatePartition(req cluster.CreatePartitionRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := partitionKey{req.TID, req.PID}
	if _, ok := n.replicas[key]; ok {
		return fmt.Errorf("%w: tid %d pid %d", ErrPartitionExists, req.TID, req.PID)
	}
	n.replicas[key] = NewReplica(req)
	log.Info().Str("table", req.Name).Uint32("tid", req.TID).Uint32("pid", req.PID).
		Str("role", string(req.Role)).Uint64("term", req.Term).Msg("partition created")
	return nil
}

func (n *Node) DropPartition(tid, pid uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := partitionKey{tid, pid}
	if _, ok := n.replicas[key]; !ok {
		return fmt.Errorf("%w: tid %d pid %d", ErrPartitionNotFound, tid, pid)
	}
	delete(n.replicas, key)
	log.Info().Uint32("tid", tid).Uint32("pid", pid).Msg("partition dropped")
	return nil
}

func (n *Node) ChangeRole(req cluster.ChangeRoleRequest) error {
	r, err := n.replica(req.TID, req.PID)
	if err != nil {
		return err
	}
	if err := r.ChangeRole(req.Role, req.Term, req.Followers); err != nil {
		return err
	}
	log.Info().Uint32("tid", req.TID).Uint32("pid", req.PID).Str("role", string(req.Role)).
		Uint64("term", req.Term).Strs("followers", req.Followers).Msg("role changed")
	return nil
}

// AddFollower attaches a follower and seeds it with the leader's log. The
// follower stays attached if seeding fails; the next write retries it.
func (n *Node) AddFollower(ctx context.Context, req cluster.FollowerRequest) error {
	r, err := n.replica(req.TID, req.PID)
	if err != nil {
		return err
	}
	records, term, err := r.AddFollower(req.Endpoint, req.Term)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, n.pushTimeout)
	defer cancel()
	return n.client.Replicate(pctx, req.Endpoint, cluster.ReplicateRequest{
		TID: req.TID, PID: req.PID, Term: term, Records: records,
	})
}

func (n *Node) RemoveFollower(req cluster.FollowerRequest) error {
	r, err := n.replica(req.TID, req.PID)
	if err != nil {
		return err
	}
	r.RemoveFollower(req.Endpoint)
	return nil
}

func (n *Node) Status(tid, pid uint32) (cluster.PartitionStatus, error) {
	r, err := n.replica(tid, pid)
	if err != nil {
		return cluster.PartitionStatus{}, err
	}
	return r.Status(), nil
}

// Statuses lists every hosted replica ordered by tid and pid.
func (n *Node) Statuses() []cluster.PartitionStatus {
	n.mu.RLock()
	reps := make([]*Replica, 0, len(n.replicas))
	for _, r := range n.replicas {
		reps = append(reps, r)
	}
	n.mu.RUnlock()

	out := make([]cluster.PartitionStatus, 0, len(reps))
	for _, r := range reps {
		out = append(out, r.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TID != out[j].TID {
			return out[i].TID < out[j].TID
		}
		return out[i].PID < out[j].PID
	})
	return out
}

func (n *Node) Snapshot(req cluster.SnapshotRequest) (cluster.Manifest, error) {
	r, err := n.replica(req.TID, req.PID)
	if err != nil {
		return cluster.Manifest{}, err
	}
	m, err := r.Snapshot(n.dataDir, n.endpoint, req.Term)
	if err != nil {
		return m, err
	}
	log.Info().Uint32("tid", req.TID).Uint32("pid", req.PID).Str("name", m.Name).
		Uint64("offset", m.Offset).Uint64("count", m.Count).Msg("snapshot taken")
	return m, nil
}

// Put writes a record on the leader replica and replicates it.
func (n *Node) Put(ctx context.Context, req cluster.PutRequest) (uint64, error) {
	r, err := n.replica(req.TID, req.PID)
	if err != nil {
		return 0, err
	}
	rec, followers, term, err := r.Put(req.Key, req.TS, req.Value)
	if err != nil {
		return 0, err
	}
	n.push(ctx, r, followers, term, []storage.Record{rec})
	return rec.Offset, nil
}

// Replicate applies records pushed by a leader.
func (n *Node) Replicate(req cluster.ReplicateRequest) error {
	r, err := n.replica(req.TID, req.PID)
	if err != nil {
		return err
	}
	return r.Apply(req.Term, req.Records)
}

// push sends records to every follower concurrently. A rejected push is
// retried once with the full log.
func (n *Node) push(ctx context.Context, r *Replica, followers []string, term uint64, records []storage.Record) {
	var g errgroup.Group
	for _, ep := range followers {
		g.Go(func() error {
			req := cluster.ReplicateRequest{TID: r.tid, PID: r.pid, Term: term, Records: records}
			pctx, cancel := context.WithTimeout(ctx, n.pushTimeout)
			defer cancel()
			err := n.client.Replicate(pctx, ep, req)
			if err == nil {
				return nil
			}

			req.Records, req.Term = r.Log(0)
			if err2 := n.client.Replicate(pctx, ep, req); err2 != nil {
				log.Warn().Err(err2).Uint32("tid", r.tid).Uint32("pid", r.pid).Str("follower", ep).
					Msg("replication push failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
