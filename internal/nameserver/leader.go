package nameserver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
	"github.com/dreamware/nameserver/internal/ops"
)

// ChangeLeader promotes a follower of one partition and waits for the op to
// finish. With an empty candidate the most caught-up healthy follower wins.
func (ns *NameServer) ChangeLeader(ctx context.Context, name string, pid uint32, candidate string) (ops.Op, error) {
	p, _, err := ns.tables.GetPartition(name, pid)
	switch {
	case errors.Is(err, coordinator.ErrTableNotFound):
		return ops.Op{}, ns.reject("changeleader", ErrTableNotExist)
	case err != nil:
		return ops.Op{}, ns.reject("changeleader", fmt.Errorf("pid %d %w", pid, ErrPidNotExist))
	}

	if candidate != "" {
		r, ok := p.Replica(candidate)
		if !ok {
			return ops.Op{}, ns.reject("changeleader", fmt.Errorf("candidate pid %d %w", pid, ErrNotReplica))
		}
		if r.IsLeader() {
			return ops.Op{}, ns.reject("changeleader", fmt.Errorf("%s is already leader", candidate))
		}
	}
	if len(ns.candidates(p, candidate)) == 0 {
		return ops.Op{}, ns.reject("changeleader", ErrNoLeaderAvailable)
	}

	submitted, err := ns.submit(ctx, ops.ChangeLeader{Name: name, PID: pid, Candidate: candidate})
	if err != nil {
		return ops.Op{}, err
	}
	return ns.await(ctx, submitted[0])
}

// candidates returns the alive, healthy followers eligible for promotion.
func (ns *NameServer) candidates(p coordinator.PartitionInfo, only string) []coordinator.ReplicaInfo {
	var out []coordinator.ReplicaInfo
	for _, r := range p.Followers() {
		if only != "" && r.Endpoint != only {
			continue
		}
		if r.Alive && ns.healthy(r.Endpoint) {
			out = append(out, r)
		}
	}
	return out
}

type probe struct {
	endpoint string
	offset   uint64
	ok       bool
}

// pickLeader returns the probed candidate with the highest offset, breaking
// ties by the lexicographically smallest endpoint.
func pickLeader(probes []probe) (probe, bool) {
	var ok []probe
	for _, p := range probes {
		if p.ok {
			ok = append(ok, p)
		}
	}
	if len(ok) == 0 {
		return probe{}, false
	}
	sort.Slice(ok, func(i, j int) bool {
		if ok[i].offset != ok[j].offset {
			return ok[i].offset > ok[j].offset
		}
		return ok[i].endpoint < ok[j].endpoint
	})
	return ok[0], true
}

// execChangeLeader moves leadership in a strict order: the old leader is
// demoted on its tablet (when reachable) before the new leader is promoted,
// and the catalog commit swaps both roles and bumps the term at once.
func (ns *NameServer) execChangeLeader(ctx context.Context, run *ops.Run) error {
	pl := run.Payload().(ops.ChangeLeader)
	p, tid, err := ns.tables.GetPartition(pl.Name, pl.PID)
	if err != nil {
		return err
	}
	old, hasOld := p.Leader()
	oldReachable := hasOld && ns.healthy(old.Endpoint)
	if pl.Auto && oldReachable && old.Alive {
		run.SetMessage("leader " + old.Endpoint + " is healthy again")
		return nil
	}

	cands := ns.candidates(p, pl.Candidate)
	probes := make([]probe, len(cands))
	var g errgroup.Group
	for i, c := range cands {
		g.Go(func() error {
			probes[i].endpoint = c.Endpoint
			var st cluster.PartitionStatus
			err := run.Step(ctx, "follower status", func(ctx context.Context) (err error) {
				st, err = ns.client.PartitionStatus(ctx, c.Endpoint, tid, pl.PID)
				return err
			})
			if err != nil {
				log.Warn().Err(err).Uint64("op_id", run.ID()).Str("endpoint", c.Endpoint).
					Msg("excluding candidate")
				return nil
			}
			probes[i].offset, probes[i].ok = st.Offset, true
			return nil
		})
	}
	_ = g.Wait()
	if run.Cancelled() {
		return ops.ErrCancelled
	}

	chosen, ok := pickLeader(probes)
	if !ok {
		if pl.Auto && hasOld && old.Alive {
			// Leave the partition visibly leaderless.
			if _, err := ns.commit(ctx, pl.Name, pl.PID, p.Version,
				coordinator.EditReplica(old.Endpoint, func(r *coordinator.ReplicaInfo) { r.Alive = false })); err != nil {
				log.Error().Err(err).Uint64("op_id", run.ID()).Msg("failed to mark leader offline")
			}
		}
		return ErrNoLeaderAvailable
	}

	term := p.Term + 1
	if oldReachable {
		demote := cluster.ChangeRoleRequest{TID: tid, PID: pl.PID, Role: cluster.RoleFollower, Term: term}
		if err := run.Step(ctx, "demote leader", func(ctx context.Context) error {
			return ns.client.ChangeRole(ctx, old.Endpoint, demote)
		}); err != nil {
			return err
		}
	}

	var followers []string
	for _, r := range p.Replicas {
		if r.Endpoint == chosen.endpoint {
			continue
		}
		if r.Alive && ns.healthy(r.Endpoint) {
			followers = append(followers, r.Endpoint)
		}
	}
	promote := cluster.ChangeRoleRequest{TID: tid, PID: pl.PID, Role: cluster.RoleLeader, Term: term, Followers: followers}
	if err := run.Step(ctx, "promote leader", func(ctx context.Context) error {
		return ns.client.ChangeRole(ctx, chosen.endpoint, promote)
	}); err != nil {
		if oldReachable {
			ns.restoreLeader(ctx, run, p, tid, old.Endpoint, chosen.endpoint, term)
		}
		return err
	}

	_, err = ns.commit(ctx, pl.Name, pl.PID, p.Version, func(np *coordinator.PartitionInfo) error {
		if np.Term >= term {
			return fmt.Errorf("partition moved to term %d while promoting at term %d", np.Term, term)
		}
		for i := range np.Replicas {
			r := &np.Replicas[i]
			switch r.Endpoint {
			case chosen.endpoint:
				r.Role = cluster.RoleLeader
				r.Offset = chosen.offset
			case old.Endpoint:
				r.Role = cluster.RoleFollower
				r.Alive = oldReachable
			}
		}
		np.Term = term
		return nil
	})
	if err != nil {
		return fmt.Errorf("committing leader change: %w", err)
	}

	log.Info().Str("table", pl.Name).Uint32("pid", pl.PID).Str("old", old.Endpoint).
		Str("new", chosen.endpoint).Uint64("term", term).Msg("leader changed")
	run.SetMessage(fmt.Sprintf("change leader ok: %s is leader at term %d", chosen.endpoint, term))
	return nil
}

// restoreLeader puts the demoted leader back after a failed promotion. The
// demotion already moved the tablets to term, so the catalog moves to term
// too; an old leader that cannot be restored is recorded as not alive.
func (ns *NameServer) restoreLeader(ctx context.Context, run *ops.Run, p coordinator.PartitionInfo, tid uint32,
	old, candidate string, term uint64) {
	ns.bestEffort(ctx, run, "demote candidate", func(ctx context.Context) error {
		return ns.client.ChangeRole(ctx, candidate,
			cluster.ChangeRoleRequest{TID: tid, PID: p.PID, Role: cluster.RoleFollower, Term: term})
	})

	restore := cluster.ChangeRoleRequest{TID: tid, PID: p.PID, Role: cluster.RoleLeader, Term: term}
	for _, r := range p.Followers() {
		restore.Followers = append(restore.Followers, r.Endpoint)
	}
	restored := true
	ns.bestEffort(ctx, run, "restore leader", func(ctx context.Context) error {
		err := ns.client.ChangeRole(ctx, old, restore)
		restored = err == nil
		return err
	})

	name, pid := run.Payload().Target().Table, p.PID
	_, err := ns.commit(context.WithoutCancel(ctx), name, pid, p.Version, func(np *coordinator.PartitionInfo) error {
		if np.Term < term {
			np.Term = term
		}
		if !restored {
			for i := range np.Replicas {
				if np.Replicas[i].Endpoint == old {
					np.Replicas[i].Alive = false
				}
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Uint64("op_id", run.ID()).Str("table", name).Uint32("pid", pid).
			Uint64("term", term).Msg("failed to record term after failed promotion")
		return
	}
	log.Warn().Uint64("op_id", run.ID()).Str("table", name).Uint32("pid", pid).Str("leader", old).
		Bool("restored", restored).Uint64("term", term).Msg("promotion failed, term recorded")
}
