// Package nameserver implements the nameserver's command layer: synchronous
// validation of administrative commands, the executors that carry out each
// op kind against tablets, and the failover controller.
package nameserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
	"github.com/dreamware/nameserver/internal/metrics"
	"github.com/dreamware/nameserver/internal/ops"
)

// TabletClient is the tablet RPC surface the nameserver drives.
type TabletClient interface {
	CreatePartition(ctx context.Context, endpoint string, req cluster.CreatePartitionRequest) error
	DropPartition(ctx context.Context, endpoint string, tid, pid uint32) error
	ChangeRole(ctx context.Context, endpoint string, req cluster.ChangeRoleRequest) error
	AddFollower(ctx context.Context, endpoint string, req cluster.FollowerRequest) error
	RemoveFollower(ctx context.Context, endpoint string, req cluster.FollowerRequest) error
	PartitionStatus(ctx context.Context, endpoint string, tid, pid uint32) (cluster.PartitionStatus, error)
	MakeSnapshot(ctx context.Context, endpoint string, req cluster.SnapshotRequest) (cluster.Manifest, error)
}

// HealthView answers whether an endpoint is registered and healthy.
type HealthView interface {
	IsHealthy(endpoint string) bool
}

// Config wires a NameServer to its collaborators.
type Config struct {
	Tables    *coordinator.TableRegistry
	Manifests *coordinator.ManifestCatalog
	Runtime   *coordinator.RuntimeConfig
	Ops       *ops.Manager
	Health    HealthView
	Client    TabletClient
	// CatchUpTimeout bounds how long a new follower may take to catch up.
	CatchUpTimeout time.Duration
	// CatchUpPoll is the interval between catch-up offset checks.
	CatchUpPoll time.Duration
	// MaxOffsetLag is how far behind the leader a follower may be and still
	// count as caught up.
	MaxOffsetLag uint64
	// StatusTimeout bounds the offset probes issued by showtable.
	StatusTimeout time.Duration
}

// NameServer validates commands and turns them into ops.
type NameServer struct {
	tables    *coordinator.TableRegistry
	manifests *coordinator.ManifestCatalog
	runtime   *coordinator.RuntimeConfig
	ops       *ops.Manager
	health    HealthView
	client    TabletClient
	cfg       Config
}

// New creates a NameServer and registers its executors with cfg.Ops.
func New(cfg Config) *NameServer {
	if cfg.CatchUpTimeout <= 0 {
		cfg.CatchUpTimeout = 30 * time.Second
	}
	if cfg.CatchUpPoll <= 0 {
		cfg.CatchUpPoll = 200 * time.Millisecond
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = time.Second
	}
	ns := &NameServer{
		tables:    cfg.Tables,
		manifests: cfg.Manifests,
		runtime:   cfg.Runtime,
		ops:       cfg.Ops,
		health:    cfg.Health,
		client:    cfg.Client,
		cfg:       cfg,
	}

	cfg.Ops.Register(ops.KindCreateTable, ops.ExecutorFunc(ns.execCreateTable))
	cfg.Ops.Register(ops.KindDropTable, ops.ExecutorFunc(ns.execDropTable))
	cfg.Ops.Register(ops.KindAddReplica, ops.ExecutorFunc(ns.execAddReplica))
	cfg.Ops.Register(ops.KindDelReplica, ops.ExecutorFunc(ns.execDelReplica))
	cfg.Ops.Register(ops.KindChangeLeader, ops.ExecutorFunc(ns.execChangeLeader))
	cfg.Ops.Register(ops.KindMigrate, ops.ExecutorFunc(ns.execMigrate))
	cfg.Ops.Register(ops.KindMakeSnapshot, ops.ExecutorFunc(ns.execMakeSnapshot))
	cfg.Ops.Register(ops.KindOfflineReplica, ops.ExecutorFunc(ns.execOfflineReplica))
	cfg.Ops.Register(ops.KindRecoverReplica, ops.ExecutorFunc(ns.execRecoverReplica))
	return ns
}

// Restore loads persisted catalog state. It must run before the op manager
// starts.
func (ns *NameServer) Restore(tables []coordinator.TableInfo, nextTID uint32, manifests []cluster.Manifest, flags map[string]string) {
	ns.tables.Load(tables, nextTID)
	ns.manifests.Load(manifests)
	ns.runtime.Load(flags)
	log.Info().Int("tables", len(tables)).Uint32("next_tid", nextTID).Int("manifests", len(manifests)).
		Msg("catalog restored")
}

// Ops returns the op manager the nameserver submits to.
func (ns *NameServer) Ops() *ops.Manager { return ns.ops }

// ConfSet updates a runtime flag.
func (ns *NameServer) ConfSet(ctx context.Context, key, value string) error {
	if err := ns.runtime.Set(ctx, key, value); err != nil {
		return ns.reject("confset", err)
	}
	return nil
}

// ConfGet returns all runtime flags, or only key when it is not empty.
func (ns *NameServer) ConfGet(key string) (map[string]string, error) {
	if key == "" {
		return ns.runtime.All(), nil
	}
	v, err := ns.runtime.Get(key)
	if err != nil {
		return nil, ns.reject("confget", err)
	}
	return map[string]string{key: v}, nil
}

// CancelOp cancels a pending or running op.
func (ns *NameServer) CancelOp(ctx context.Context, id uint64) error {
	return ns.ops.Cancel(ctx, id)
}

// Manifests lists recorded snapshot manifests, optionally for one table.
func (ns *NameServer) Manifests(name string) ([]cluster.Manifest, error) {
	if name == "" {
		return ns.manifests.List(0), nil
	}
	t, err := ns.tables.GetTable(name)
	if err != nil {
		return nil, ErrTableNotExist
	}
	return ns.manifests.List(t.TID), nil
}

func (ns *NameServer) healthy(endpoint string) bool {
	return endpoint != "" && ns.health.IsHealthy(endpoint)
}

// reject counts and logs a synchronous validation failure.
func (ns *NameServer) reject(command string, err error) error {
	metrics.Rejected.WithLabelValues(command).Inc()
	log.Debug().Err(err).Str("command", command).Msg("command rejected")
	return &RejectedError{Command: command, Err: err}
}

// submit enqueues one op per payload. Payloads are validated by the caller
// before any is submitted.
func (ns *NameServer) submit(ctx context.Context, payloads ...ops.Payload) ([]ops.Op, error) {
	out := make([]ops.Op, 0, len(payloads))
	for _, p := range payloads {
		op, err := ns.ops.Submit(ctx, p)
		if err != nil {
			return out, fmt.Errorf("submitting %s: %w", p.Kind(), err)
		}
		out = append(out, op)
	}
	return out, nil
}

// await waits for op to finish and turns anything but Done into an
// *OpFailedError.
func (ns *NameServer) await(ctx context.Context, op ops.Op) (ops.Op, error) {
	done, err := ns.ops.Wait(ctx, op.ID)
	if err != nil {
		return op, err
	}
	if done.State != ops.StateDone {
		return done, &OpFailedError{Op: done}
	}
	return done, nil
}

// resolveLeader returns the partition and its leader, requiring the leader
// to be alive and healthy.
func (ns *NameServer) resolveLeader(name string, pid uint32) (coordinator.PartitionInfo, uint32, coordinator.ReplicaInfo, error) {
	p, tid, err := ns.tables.GetPartition(name, pid)
	if err != nil {
		return p, tid, coordinator.ReplicaInfo{}, err
	}
	l, ok := p.Leader()
	if !ok || !l.Alive || !ns.healthy(l.Endpoint) {
		return p, tid, l, fmt.Errorf("%w for %s pid %d", ErrNoLeader, name, pid)
	}
	return p, tid, l, nil
}

// bestEffort runs a cleanup RPC detached from the op's cancellation and logs
// any failure.
func (ns *NameServer) bestEffort(ctx context.Context, run *ops.Run, what string, fn func(ctx context.Context) error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ns.cfg.CatchUpPoll+ns.cfg.StatusTimeout)
	defer cancel()
	if err := fn(cctx); err != nil {
		log.Warn().Err(err).Uint64("op_id", run.ID()).Str("step", what).Msg("cleanup step failed")
	}
}

func isConflict(err error) bool {
	return errors.Is(err, coordinator.ErrVersionConflict)
}

// commitAttempts bounds how often a commit is reapplied after a concurrent
// catalog write.
const commitAttempts = 3

// commit applies fn to one partition at version. When the partition was
// changed since version was read, it is reloaded and fn runs again on the
// fresh copy, so fn must check its own preconditions against what it gets.
func (ns *NameServer) commit(ctx context.Context, name string, pid uint32, version uint64,
	fn func(p *coordinator.PartitionInfo) error) (coordinator.PartitionInfo, error) {
	for attempt := 1; ; attempt++ {
		p, err := ns.tables.UpdatePartition(ctx, name, pid, version, fn)
		if !isConflict(err) || attempt == commitAttempts {
			return p, err
		}
		fresh, _, gerr := ns.tables.GetPartition(name, pid)
		if gerr != nil {
			return coordinator.PartitionInfo{}, gerr
		}
		log.Debug().Str("table", name).Uint32("pid", pid).Uint64("read", version).
			Uint64("current", fresh.Version).Int("attempt", attempt).Msg("partition changed before commit, reapplying")
		version = fresh.Version
	}
}
