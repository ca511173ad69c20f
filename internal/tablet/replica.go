package tablet

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/storage"
)

var (
	ErrNotLeader         = errors.New("not leader")
	ErrStaleTerm         = errors.New("stale term")
	ErrPartitionExists   = errors.New("partition already exists")
	ErrPartitionNotFound = errors.New("partition not found")
	ErrLeaderApply       = errors.New("leader does not accept replicated records at its own term")
)

// ManifestFile is the name of the manifest written next to a partition's
// snapshots.
const ManifestFile = "MANIFEST"

// Replica is one partition replica hosted by a tablet. Every mutation that
// carries a term is fenced: a term below the replica's current term is
// rejected with ErrStaleTerm.
type Replica struct {
	store     storage.Store
	followers map[string]bool
	name      string
	role      cluster.Role
	stats     ReplicaStats
	term      uint64
	ttl       uint64
	mu        sync.RWMutex
	tid       uint32
	pid       uint32
}

// ReplicaStats counts writes handled by a replica.
type ReplicaStats struct {
	Puts      atomic.Uint64
	Applied   atomic.Uint64
	Snapshots atomic.Uint64
}

// NewReplica creates an empty replica from a create request.
func NewReplica(req cluster.CreatePartitionRequest) *Replica {
	r := &Replica{
		store:     storage.NewMemoryStore(),
		followers: map[string]bool{},
		name:      req.Name,
		role:      req.Role,
		term:      req.Term,
		ttl:       req.TTL,
		tid:       req.TID,
		pid:       req.PID,
	}
	if r.role == cluster.RoleLeader {
		for _, ep := range req.Followers {
			r.followers[ep] = true
		}
	}
	return r
}

// Put appends a write on the leader. It returns the stored record along with
// the followers and term to replicate it under.
func (r *Replica) Put(key string, ts uint64, value []byte) (storage.Record, []string, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.role != cluster.RoleLeader {
		return storage.Record{}, nil, 0, ErrNotLeader
	}
	offset := r.store.Append(key, ts, value)
	r.stats.Puts.Add(1)
	rec := storage.Record{Key: key, Value: value, Offset: offset, TS: ts}
	return rec, r.followerList(), r.term, nil
}

// Apply appends records pushed by the leader of term. A higher term is
// adopted, demoting a stale leader.
func (r *Replica) Apply(term uint64, records []storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case term < r.term:
		return fmt.Errorf("%w: %d < %d", ErrStaleTerm, term, r.term)
	case term == r.term && r.role == cluster.RoleLeader:
		return ErrLeaderApply
	case term > r.term:
		r.term = term
		r.role = cluster.RoleFollower
		r.followers = map[string]bool{}
	}
	if err := r.store.Apply(records); err != nil {
		return err
	}
	r.stats.Applied.Add(uint64(len(records)))
	return nil
}

// ChangeRole switches the replica's role at term. A new leader replicates to
// followers; a follower forgets any followers it had.
func (r *Replica) ChangeRole(role cluster.Role, term uint64, followers []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if term < r.term {
		return fmt.Errorf("%w: %d < %d", ErrStaleTerm, term, r.term)
	}
	r.role, r.term = role, term
	r.followers = map[string]bool{}
	if role == cluster.RoleLeader {
		for _, ep := range followers {
			r.followers[ep] = true
		}
	}
	return nil
}

// AddFollower attaches endpoint and returns the full log to seed it with.
// Followers skip records they already hold.
func (r *Replica) AddFollower(endpoint string, term uint64) ([]storage.Record, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if term < r.term {
		return nil, 0, fmt.Errorf("%w: %d < %d", ErrStaleTerm, term, r.term)
	}
	if r.role != cluster.RoleLeader {
		return nil, 0, ErrNotLeader
	}
	r.followers[endpoint] = true
	return r.store.Since(0), r.term, nil
}

func (r *Replica) RemoveFollower(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.followers, endpoint)
}

// Log returns the records after offset and the current term.
func (r *Replica) Log(after uint64) ([]storage.Record, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Since(after), r.term
}

func (r *Replica) Followers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.followerList()
}

func (r *Replica) followerList() []string {
	out := make([]string, 0, len(r.followers))
	for ep := range r.followers {
		out = append(out, ep)
	}
	sort.Strings(out)
	return out
}

func (r *Replica) Status() cluster.PartitionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.store.Stats()
	return cluster.PartitionStatus{
		TID:     r.tid,
		PID:     r.pid,
		Role:    r.role,
		Term:    r.term,
		Offset:  st.Offset,
		Records: st.Records,
	}
}

// Snapshot writes the replica's log to a new snapshot file under dir and
// rewrites the partition's MANIFEST. Only the leader of term can snapshot.
//
// Layout:
//
//	<dir>/<tid>_<pid>/<tid>_<pid>_<uuid>.sdb   one JSON record per line
//	<dir>/<tid>_<pid>/MANIFEST                 yaml cluster.Manifest
func (r *Replica) Snapshot(dir, endpoint string, term uint64) (cluster.Manifest, error) {
	r.mu.RLock()
	if r.role != cluster.RoleLeader {
		r.mu.RUnlock()
		return cluster.Manifest{}, ErrNotLeader
	}
	if term < r.term {
		current := r.term
		r.mu.RUnlock()
		return cluster.Manifest{}, fmt.Errorf("%w: %d < %d", ErrStaleTerm, term, current)
	}
	records := r.store.Since(0)
	m := cluster.Manifest{
		Name:     fmt.Sprintf("%d_%d_%s.sdb", r.tid, r.pid, uuid.NewString()),
		Endpoint: endpoint,
		TID:      r.tid,
		PID:      r.pid,
		Term:     r.term,
		Count:    uint64(len(records)),
		TakenAt:  time.Now().UTC(),
	}
	r.mu.RUnlock()
	if n := len(records); n > 0 {
		m.Offset = records[n-1].Offset
	}

	partDir := PartitionDir(dir, r.tid, r.pid)
	if err := os.MkdirAll(partDir, 0o755); err != nil {
		return cluster.Manifest{}, err
	}
	if err := writeRecords(filepath.Join(partDir, m.Name), records); err != nil {
		return cluster.Manifest{}, fmt.Errorf("writing snapshot: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return cluster.Manifest{}, err
	}
	if err := writeFileAtomic(filepath.Join(partDir, ManifestFile), data); err != nil {
		return cluster.Manifest{}, fmt.Errorf("writing manifest: %w", err)
	}
	r.stats.Snapshots.Add(1)
	return m, nil
}

// PartitionDir is the directory holding a partition's snapshots.
func PartitionDir(dir string, tid, pid uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%d_%d", tid, pid))
}

// ReadManifest reads a partition's MANIFEST file.
func ReadManifest(dir string, tid, pid uint32) (cluster.Manifest, error) {
	var m cluster.Manifest
	data, err := os.ReadFile(filepath.Join(PartitionDir(dir, tid, pid), ManifestFile))
	if err != nil {
		return m, err
	}
	err = yaml.Unmarshal(data, &m)
	return m, err
}

func writeRecords(path string, records []storage.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
