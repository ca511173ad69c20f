package nameserver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
	"github.com/dreamware/nameserver/internal/ops"
)

// Migrate moves the follower replicas of pidGroup from src to des, one op
// per pid. Every pid is validated before any op is submitted; the first
// failing check decides the error:
//
//  1. src == des
//  2. src leads any requested pid
//  3. src unknown or unhealthy
//  4. des unknown or unhealthy
//  5. table missing
//  6. malformed pid specification
//  7. pid out of range or without a leader replica
//  8. des already holds the pid
//  9. src does not hold the pid
//
// A leader replica that exists but is not alive passes validation; the op
// then fails with "no leader".
func (ns *NameServer) Migrate(ctx context.Context, src, name, pidGroup, des string) ([]ops.Op, error) {
	if src == des {
		return nil, ns.reject("migrate", ErrSameEndpoint)
	}

	table, tableErr := ns.tables.GetTable(name)
	pids, pidErr := ParsePidSet(pidGroup)
	if tableErr == nil && pidErr == nil {
		for _, pid := range pids {
			if int(pid) >= table.PartitionCount() {
				continue
			}
			if r, ok := table.Partitions[pid].Replica(src); ok && r.IsLeader() {
				return nil, ns.reject("migrate", fmt.Errorf("pid %d %w", pid, ErrMigrateLeader))
			}
		}
	}

	if !ns.healthy(src) {
		return nil, ns.reject("migrate", ErrSrcUnhealthy)
	}
	if !ns.healthy(des) {
		return nil, ns.reject("migrate", ErrDesUnhealthy)
	}
	if tableErr != nil {
		return nil, ns.reject("migrate", ErrTableNotExist)
	}
	if pidErr != nil {
		return nil, ns.reject("migrate", pidErr)
	}

	payloads := make([]ops.Payload, 0, len(pids))
	for _, pid := range pids {
		if int(pid) >= table.PartitionCount() {
			return nil, ns.reject("migrate", fmt.Errorf("pid %d %w", pid, ErrLeaderEmpty))
		}
		p := table.Partitions[pid]
		if _, ok := p.Leader(); !ok {
			return nil, ns.reject("migrate", fmt.Errorf("pid %d %w", pid, ErrLeaderEmpty))
		}
		if _, ok := p.Replica(des); ok {
			return nil, ns.reject("migrate", fmt.Errorf("pid %d %w", pid, ErrAlreadyAtDes))
		}
		if _, ok := p.Replica(src); !ok {
			return nil, ns.reject("migrate", fmt.Errorf("pid %d %w", pid, ErrNotAtSrc))
		}
		payloads = append(payloads, ops.Migrate{Name: name, PID: pid, Src: src, Des: des})
	}

	submitted, err := ns.submit(ctx, payloads...)
	if err != nil {
		return submitted, err
	}
	log.Info().Str("table", name).Str("src", src).Str("des", des).Int("pids", len(pids)).
		Msg("migration accepted")
	return submitted, nil
}

// execMigrate runs the migration protocol for one pid:
//
//  1. create a follower replica on des
//  2. attach des to the leader
//  3. wait until des has caught up
//  4. commit: src removed, des added as follower (single catalog CAS)
//  5. detach and drop src on the tablets (best effort)
//
// Any failure before step 4 detaches and drops des again and leaves the
// catalog untouched.
func (ns *NameServer) execMigrate(ctx context.Context, run *ops.Run) error {
	pl := run.Payload().(ops.Migrate)

	table, err := ns.tables.GetTable(pl.Name)
	if err != nil {
		return ErrTableNotExist
	}
	if int(pl.PID) >= table.PartitionCount() {
		return fmt.Errorf("pid %d %w", pl.PID, ErrLeaderEmpty)
	}
	p := table.Partitions[pl.PID]

	srcReplica, ok := p.Replica(pl.Src)
	if !ok {
		return fmt.Errorf("pid %d %w", pl.PID, ErrNotAtSrc)
	}
	if srcReplica.IsLeader() {
		return fmt.Errorf("pid %d %w", pl.PID, ErrMigrateLeader)
	}
	if _, ok := p.Replica(pl.Des); ok {
		return fmt.Errorf("pid %d %w", pl.PID, ErrAlreadyAtDes)
	}
	leader, ok := p.Leader()
	if !ok || !leader.Alive || !ns.healthy(leader.Endpoint) {
		return fmt.Errorf("%w for %s pid %d", ErrNoLeader, pl.Name, pl.PID)
	}
	if !ns.healthy(pl.Des) {
		return ErrDesUnhealthy
	}

	offset, err := ns.attachFollower(ctx, run, table, p, leader, pl.Des, true)
	if err != nil {
		ns.detachFollower(ctx, run, table.TID, p, leader.Endpoint, pl.Des, true)
		return err
	}

	_, err = ns.commit(ctx, pl.Name, pl.PID, p.Version, func(np *coordinator.PartitionInfo) error {
		if _, ok := np.Replica(pl.Des); ok {
			return fmt.Errorf("pid %d %w", pl.PID, ErrAlreadyAtDes)
		}
		if src, ok := np.Replica(pl.Src); !ok || src.IsLeader() {
			return fmt.Errorf("pid %d %w", pl.PID, ErrNotAtSrc)
		}
		kept := np.Replicas[:0]
		for _, r := range np.Replicas {
			if r.Endpoint != pl.Src {
				kept = append(kept, r)
			}
		}
		np.Replicas = append(kept, coordinator.ReplicaInfo{
			Endpoint: pl.Des,
			Role:     cluster.RoleFollower,
			Offset:   offset,
			Alive:    true,
		})
		return nil
	})
	if err != nil {
		ns.detachFollower(ctx, run, table.TID, p, leader.Endpoint, pl.Des, true)
		if isConflict(err) {
			return fmt.Errorf("partition changed during migration: %w", err)
		}
		return err
	}

	ns.detachFollower(ctx, run, table.TID, p, leader.Endpoint, pl.Src, ns.healthy(pl.Src))
	run.SetMessage("partition migrate ok")
	return nil
}
