package nameserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
	"github.com/dreamware/nameserver/internal/ops"
)

// MakeSnapshot snapshots one partition on its current leader and waits for
// the op to finish.
func (ns *NameServer) MakeSnapshot(ctx context.Context, name string, pid uint32) (ops.Op, error) {
	p, _, leader, err := ns.resolveLeader(name, pid)
	switch {
	case errors.Is(err, coordinator.ErrTableNotFound):
		return ops.Op{}, ns.reject("makesnapshot", ErrGetTableInfo)
	case err != nil:
		return ops.Op{}, ns.reject("makesnapshot", ErrGetLeader)
	}

	submitted, err := ns.submit(ctx, ops.MakeSnapshot{
		Name:     name,
		PID:      pid,
		Endpoint: leader.Endpoint,
		Term:     p.Term,
	})
	if err != nil {
		return ops.Op{}, err
	}
	return ns.await(ctx, submitted[0])
}

// execMakeSnapshot snapshots the leader resolved at command time. If the
// leader or term changed since, the op fails instead of snapshotting a
// replica that is no longer authoritative. The tablet also fences on term.
func (ns *NameServer) execMakeSnapshot(ctx context.Context, run *ops.Run) error {
	pl := run.Payload().(ops.MakeSnapshot)

	p, tid, leader, err := ns.resolveLeader(pl.Name, pl.PID)
	if err != nil {
		return err
	}
	if leader.Endpoint != pl.Endpoint || p.Term != pl.Term {
		return fmt.Errorf("%w: %s at term %d, snapshot requested on %s at term %d",
			ErrLeaderChanged, leader.Endpoint, p.Term, pl.Endpoint, pl.Term)
	}

	var m cluster.Manifest
	req := cluster.SnapshotRequest{TID: tid, PID: pl.PID, Term: pl.Term}
	err = run.Step(ctx, "make snapshot", func(ctx context.Context) (err error) {
		m, err = ns.client.MakeSnapshot(ctx, leader.Endpoint, req)
		return err
	})
	if err != nil {
		return err
	}

	m.TID, m.PID, m.Endpoint = tid, pl.PID, leader.Endpoint
	if m.Name == "" {
		return errors.New("tablet returned a manifest without name")
	}
	if err := ns.manifests.Record(ctx, m); err != nil {
		return err
	}
	run.SetMessage("MakeSnapshot ok")
	return nil
}
