package nameserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
	"github.com/dreamware/nameserver/internal/ops"
)

// AddReplica adds a follower on endpoint for every pid in pidGroup. All pids
// are validated before any op is submitted.
func (ns *NameServer) AddReplica(ctx context.Context, name, pidGroup, endpoint string) ([]ops.Op, error) {
	table, err := ns.tables.GetTable(name)
	if err != nil {
		return nil, ns.reject("addreplica", ErrTableNotExist)
	}
	if !ns.healthy(endpoint) {
		return nil, ns.reject("addreplica", fmt.Errorf("%s %w", endpoint, ErrEndpointUnhealthy))
	}
	pids, err := ParsePidSet(pidGroup)
	if err != nil {
		return nil, ns.reject("addreplica", err)
	}

	payloads := make([]ops.Payload, 0, len(pids))
	for _, pid := range pids {
		if int(pid) >= table.PartitionCount() {
			return nil, ns.reject("addreplica", fmt.Errorf("pid %d %w", pid, ErrPidNotExist))
		}
		p := table.Partitions[pid]
		if _, ok := p.Leader(); !ok {
			return nil, ns.reject("addreplica", fmt.Errorf("pid %d %w", pid, ErrLeaderEmpty))
		}
		if _, ok := p.Replica(endpoint); ok {
			return nil, ns.reject("addreplica", fmt.Errorf("pid %d %w", pid, ErrAlreadyReplica))
		}
		payloads = append(payloads, ops.AddReplica{Name: name, PID: pid, Endpoint: endpoint})
	}
	return ns.submit(ctx, payloads...)
}

// DelReplica removes the follower of one partition on endpoint.
func (ns *NameServer) DelReplica(ctx context.Context, name string, pid uint32, endpoint string) (ops.Op, error) {
	p, _, err := ns.tables.GetPartition(name, pid)
	switch {
	case errors.Is(err, coordinator.ErrTableNotFound):
		return ops.Op{}, ns.reject("delreplica", ErrTableNotExist)
	case err != nil:
		return ops.Op{}, ns.reject("delreplica", fmt.Errorf("pid %d %w", pid, ErrPidNotExist))
	}
	r, ok := p.Replica(endpoint)
	if !ok {
		return ops.Op{}, ns.reject("delreplica", fmt.Errorf("pid %d %w", pid, ErrNotReplica))
	}
	if r.IsLeader() {
		return ops.Op{}, ns.reject("delreplica", ErrDeleteLeader)
	}
	submitted, err := ns.submit(ctx, ops.DelReplica{Name: name, PID: pid, Endpoint: endpoint})
	if err != nil {
		return ops.Op{}, err
	}
	return submitted[0], nil
}

// attachFollower creates a follower replica on endpoint, attaches it to the
// leader and waits until it has caught up. It returns the follower offset.
// The catalog is not touched.
func (ns *NameServer) attachFollower(ctx context.Context, run *ops.Run, table coordinator.TableInfo,
	p coordinator.PartitionInfo, leader coordinator.ReplicaInfo, endpoint string, create bool) (uint64, error) {
	if create {
		req := cluster.CreatePartitionRequest{
			Name: table.Name,
			TID:  table.TID,
			PID:  p.PID,
			Role: cluster.RoleFollower,
			Term: p.Term,
			TTL:  table.TTL,
		}
		if err := run.Step(ctx, "create partition", func(ctx context.Context) error {
			return ns.client.CreatePartition(ctx, endpoint, req)
		}); err != nil {
			return 0, err
		}
	}

	freq := cluster.FollowerRequest{TID: table.TID, PID: p.PID, Endpoint: endpoint, Term: p.Term}
	if err := run.Step(ctx, "add follower", func(ctx context.Context) error {
		return ns.client.AddFollower(ctx, leader.Endpoint, freq)
	}); err != nil {
		return 0, err
	}

	return ns.waitCatchUp(ctx, run, table.TID, p.PID, leader.Endpoint, endpoint)
}

// detachFollower undoes attachFollower on the tablets.
func (ns *NameServer) detachFollower(ctx context.Context, run *ops.Run, tid uint32, p coordinator.PartitionInfo,
	leader, endpoint string, drop bool) {
	freq := cluster.FollowerRequest{TID: tid, PID: p.PID, Endpoint: endpoint, Term: p.Term}
	ns.bestEffort(ctx, run, "remove follower", func(ctx context.Context) error {
		return ns.client.RemoveFollower(ctx, leader, freq)
	})
	if drop {
		ns.bestEffort(ctx, run, "drop partition", func(ctx context.Context) error {
			return ns.client.DropPartition(ctx, endpoint, tid, p.PID)
		})
	}
}

// waitCatchUp polls leader and follower offsets until the follower is within
// MaxOffsetLag of the leader or CatchUpTimeout passes.
func (ns *NameServer) waitCatchUp(ctx context.Context, run *ops.Run, tid, pid uint32, leader, follower string) (uint64, error) {
	deadline := time.Now().Add(ns.cfg.CatchUpTimeout)
	ticker := time.NewTicker(ns.cfg.CatchUpPoll)
	defer ticker.Stop()

	for {
		if run.Cancelled() {
			return 0, ops.ErrCancelled
		}

		var ls, fs cluster.PartitionStatus
		err := run.Step(ctx, "leader status", func(ctx context.Context) (err error) {
			ls, err = ns.client.PartitionStatus(ctx, leader, tid, pid)
			return err
		})
		if err != nil {
			return 0, err
		}
		err = run.Step(ctx, "follower status", func(ctx context.Context) (err error) {
			fs, err = ns.client.PartitionStatus(ctx, follower, tid, pid)
			return err
		})
		if err != nil {
			return 0, err
		}
		if fs.Offset+ns.cfg.MaxOffsetLag >= ls.Offset {
			log.Debug().Uint64("op_id", run.ID()).Str("follower", follower).
				Uint64("offset", fs.Offset).Msg("follower caught up")
			return fs.Offset, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w: %s at %d, leader %s at %d",
				ErrCatchUpTimeout, follower, fs.Offset, leader, ls.Offset)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (ns *NameServer) execAddReplica(ctx context.Context, run *ops.Run) error {
	pl := run.Payload().(ops.AddReplica)
	table, err := ns.tables.GetTable(pl.Name)
	if err != nil {
		return ErrTableNotExist
	}
	p, _, leader, err := ns.resolveLeader(pl.Name, pl.PID)
	if err != nil {
		return err
	}
	if _, ok := p.Replica(pl.Endpoint); ok {
		return fmt.Errorf("pid %d %w", pl.PID, ErrAlreadyReplica)
	}
	if !ns.healthy(pl.Endpoint) {
		return fmt.Errorf("%s %w", pl.Endpoint, ErrEndpointUnhealthy)
	}

	offset, err := ns.attachFollower(ctx, run, table, p, leader, pl.Endpoint, true)
	if err != nil {
		ns.detachFollower(ctx, run, table.TID, p, leader.Endpoint, pl.Endpoint, true)
		return err
	}

	_, err = ns.commit(ctx, pl.Name, pl.PID, p.Version, func(np *coordinator.PartitionInfo) error {
		if _, ok := np.Replica(pl.Endpoint); ok {
			return fmt.Errorf("pid %d %w", pl.PID, ErrAlreadyReplica)
		}
		np.Replicas = append(np.Replicas, coordinator.ReplicaInfo{
			Endpoint: pl.Endpoint,
			Role:     cluster.RoleFollower,
			Offset:   offset,
			Alive:    true,
		})
		return nil
	})
	if err != nil {
		ns.detachFollower(ctx, run, table.TID, p, leader.Endpoint, pl.Endpoint, true)
		return err
	}
	run.SetMessage("add replica ok")
	return nil
}

func (ns *NameServer) execDelReplica(ctx context.Context, run *ops.Run) error {
	pl := run.Payload().(ops.DelReplica)
	p, tid, err := ns.tables.GetPartition(pl.Name, pl.PID)
	if err != nil {
		return err
	}
	r, ok := p.Replica(pl.Endpoint)
	if !ok {
		return fmt.Errorf("pid %d %w", pl.PID, ErrNotReplica)
	}
	if r.IsLeader() {
		return ErrDeleteLeader
	}

	// Detach first so the leader stops pushing to a replica about to vanish.
	if l, ok := p.Leader(); ok && ns.healthy(l.Endpoint) {
		freq := cluster.FollowerRequest{TID: tid, PID: pl.PID, Endpoint: pl.Endpoint, Term: p.Term}
		if err := run.Step(ctx, "remove follower", func(ctx context.Context) error {
			return ns.client.RemoveFollower(ctx, l.Endpoint, freq)
		}); err != nil {
			return err
		}
	}

	if _, err := ns.commit(ctx, pl.Name, pl.PID, p.Version, func(np *coordinator.PartitionInfo) error {
		kept := np.Replicas[:0]
		for _, r := range np.Replicas {
			if r.Endpoint == pl.Endpoint {
				if r.IsLeader() {
					return ErrDeleteLeader
				}
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == len(np.Replicas) {
			return fmt.Errorf("pid %d %w", pl.PID, ErrNotReplica)
		}
		np.Replicas = kept
		return nil
	}); err != nil {
		return err
	}
	if ns.healthy(pl.Endpoint) {
		ns.bestEffort(ctx, run, "drop partition", func(ctx context.Context) error {
			return ns.client.DropPartition(ctx, pl.Endpoint, tid, pl.PID)
		})
	}
	run.SetMessage("del replica ok")
	return nil
}

// execOfflineReplica marks a replica not alive. A follower is also detached
// from its leader so the leader stops pushing to it.
func (ns *NameServer) execOfflineReplica(ctx context.Context, run *ops.Run) error {
	pl := run.Payload().(ops.OfflineReplica)
	p, tid, err := ns.tables.GetPartition(pl.Name, pl.PID)
	if err != nil {
		return err
	}
	r, ok := p.Replica(pl.Endpoint)
	if !ok {
		return fmt.Errorf("pid %d %w", pl.PID, ErrNotReplica)
	}
	if !r.Alive {
		run.SetMessage("replica already offline")
		return nil
	}

	if l, ok := p.Leader(); ok && !r.IsLeader() && ns.healthy(l.Endpoint) {
		freq := cluster.FollowerRequest{TID: tid, PID: pl.PID, Endpoint: pl.Endpoint, Term: p.Term}
		ns.bestEffort(ctx, run, "remove follower", func(ctx context.Context) error {
			return ns.client.RemoveFollower(ctx, l.Endpoint, freq)
		})
	}

	if _, err := ns.commit(ctx, pl.Name, pl.PID, p.Version, coordinator.EditReplica(pl.Endpoint, func(r *coordinator.ReplicaInfo) {
		r.Alive = false
	})); err != nil {
		return err
	}
	run.SetMessage("offline replica ok")
	return nil
}

// execRecoverReplica brings a recovered endpoint's replica back as a
// follower. A replica that was leader when it went down is demoted: a bare
// recovery never restores leadership.
func (ns *NameServer) execRecoverReplica(ctx context.Context, run *ops.Run) error {
	pl := run.Payload().(ops.RecoverReplica)
	table, err := ns.tables.GetTable(pl.Name)
	if err != nil {
		return ErrTableNotExist
	}
	if int(pl.PID) >= table.PartitionCount() {
		return fmt.Errorf("pid %d %w", pl.PID, ErrPidNotExist)
	}
	p := table.Partitions[pl.PID]
	r, ok := p.Replica(pl.Endpoint)
	if !ok {
		return fmt.Errorf("pid %d %w", pl.PID, ErrNotReplica)
	}
	if r.Alive && !r.IsLeader() {
		run.SetMessage("replica already alive")
		return nil
	}
	if !ns.healthy(pl.Endpoint) {
		return fmt.Errorf("%s %w", pl.Endpoint, ErrEndpointUnhealthy)
	}

	// The tablet may have restarted empty; recreate the partition if it is gone.
	create := false
	err = run.Step(ctx, "replica status", func(ctx context.Context) error {
		_, err := ns.client.PartitionStatus(ctx, pl.Endpoint, table.TID, pl.PID)
		return err
	})
	switch {
	case err == nil:
		role := cluster.ChangeRoleRequest{TID: table.TID, PID: pl.PID, Role: cluster.RoleFollower, Term: p.Term}
		if err := run.Step(ctx, "change role", func(ctx context.Context) error {
			return ns.client.ChangeRole(ctx, pl.Endpoint, role)
		}); err != nil {
			return err
		}
	case cluster.IsPermanent(err):
		create = true
	default:
		return err
	}

	var offset uint64
	if r.IsLeader() {
		// The partition has no other leader to attach to.
		if create {
			req := cluster.CreatePartitionRequest{
				Name: table.Name, TID: table.TID, PID: pl.PID,
				Role: cluster.RoleFollower, Term: p.Term, TTL: table.TTL,
			}
			if err := run.Step(ctx, "create partition", func(ctx context.Context) error {
				return ns.client.CreatePartition(ctx, pl.Endpoint, req)
			}); err != nil {
				return err
			}
		}
	} else {
		leader, ok := p.Leader()
		if !ok || !leader.Alive || !ns.healthy(leader.Endpoint) {
			return fmt.Errorf("%w for %s pid %d", ErrNoLeader, pl.Name, pl.PID)
		}
		offset, err = ns.attachFollower(ctx, run, table, p, leader, pl.Endpoint, create)
		if err != nil {
			return err
		}
	}

	_, err = ns.commit(ctx, pl.Name, pl.PID, p.Version, coordinator.EditReplica(pl.Endpoint, func(r *coordinator.ReplicaInfo) {
		r.Role = cluster.RoleFollower
		r.Alive = true
		if offset > 0 {
			r.Offset = offset
		}
	}))
	if err != nil {
		return err
	}
	run.SetMessage("recover replica ok")
	return nil
}
