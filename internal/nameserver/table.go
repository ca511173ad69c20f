package nameserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
	"github.com/dreamware/nameserver/internal/ops"
)

// CreateTable validates a table metadata file and creates the table,
// waiting for the op to finish.
func (ns *NameServer) CreateTable(ctx context.Context, metadata []byte) (ops.Op, error) {
	meta, err := ParseTableMeta(metadata)
	if err != nil {
		return ops.Op{}, ns.reject("create", err)
	}
	if _, err := ns.tables.GetTable(meta.Name); err == nil {
		return ops.Op{}, ns.reject("create", fmt.Errorf("table %s %w", meta.Name, ErrTableExists))
	}
	for _, ep := range meta.Endpoints() {
		if !ns.healthy(ep) {
			return ops.Op{}, ns.reject("create", fmt.Errorf("%s %w", ep, ErrEndpointUnhealthy))
		}
	}
	// Structural checks first so a bad file does not burn a table id.
	if _, err := meta.Build(0); err != nil {
		return ops.Op{}, ns.reject("create", err)
	}

	tid, err := ns.tables.AllocateTID(ctx)
	if err != nil {
		return ops.Op{}, err
	}
	table, err := meta.Build(tid)
	if err != nil {
		return ops.Op{}, ns.reject("create", err)
	}

	submitted, err := ns.submit(ctx, ops.CreateTable{Table: table})
	if err != nil {
		return ops.Op{}, err
	}
	return ns.await(ctx, submitted[0])
}

// DropTable removes a table from every tablet and from the catalog, waiting
// for the op to finish.
func (ns *NameServer) DropTable(ctx context.Context, name string) (ops.Op, error) {
	if _, err := ns.tables.GetTable(name); err != nil {
		return ops.Op{}, ns.reject("drop", ErrTableNotExist)
	}
	submitted, err := ns.submit(ctx, ops.DropTable{Name: name})
	if err != nil {
		return ops.Op{}, err
	}
	return ns.await(ctx, submitted[0])
}

// execCreateTable creates every replica on its tablet, followers before the
// leader so the leader can replicate to them from its first write, then
// commits the table. Replicas already created are dropped if any step fails.
func (ns *NameServer) execCreateTable(ctx context.Context, run *ops.Run) error {
	table := run.Payload().(ops.CreateTable).Table

	if _, err := ns.tables.GetTable(table.Name); err == nil {
		return fmt.Errorf("table %s %w", table.Name, ErrTableExists)
	}

	type placed struct {
		endpoint string
		pid      uint32
	}
	var created []placed
	rollback := func() {
		for _, c := range created {
			ns.bestEffort(ctx, run, "drop partition", func(ctx context.Context) error {
				return ns.client.DropPartition(ctx, c.endpoint, table.TID, c.pid)
			})
		}
	}

	for _, p := range table.Partitions {
		var followers []string
		for _, r := range p.Followers() {
			followers = append(followers, r.Endpoint)
		}
		ordered := append(p.Followers(), mustLeader(p))
		for _, r := range ordered {
			req := cluster.CreatePartitionRequest{
				Name: table.Name,
				TID:  table.TID,
				PID:  p.PID,
				Role: r.Role,
				Term: p.Term,
				TTL:  table.TTL,
			}
			if r.IsLeader() {
				req.Followers = followers
			}
			endpoint := r.Endpoint
			err := run.Step(ctx, "create partition", func(ctx context.Context) error {
				return ns.client.CreatePartition(ctx, endpoint, req)
			})
			if err != nil {
				rollback()
				return fmt.Errorf("create pid %d on %s: %w", p.PID, endpoint, err)
			}
			created = append(created, placed{endpoint: endpoint, pid: p.PID})
		}
	}

	if _, err := ns.tables.CreateTable(ctx, table); err != nil {
		rollback()
		return err
	}
	run.SetMessage("Create table ok")
	return nil
}

// execDropTable drops every replica it can reach and then removes the table
// from the catalog. Unreachable tablets keep an orphan partition that the
// catalog no longer references.
func (ns *NameServer) execDropTable(ctx context.Context, run *ops.Run) error {
	name := run.Payload().(ops.DropTable).Name
	table, err := ns.tables.GetTable(name)
	if err != nil {
		return ErrTableNotExist
	}

	for _, p := range table.Partitions {
		for _, r := range p.Replicas {
			if !ns.healthy(r.Endpoint) {
				log.Warn().Str("table", name).Uint32("pid", p.PID).Str("endpoint", r.Endpoint).
					Msg("skipping drop on unhealthy endpoint")
				continue
			}
			endpoint, pid := r.Endpoint, p.PID
			err := run.Step(ctx, "drop partition", func(ctx context.Context) error {
				return ns.client.DropPartition(ctx, endpoint, table.TID, pid)
			})
			if err != nil {
				if errors.Is(err, ops.ErrCancelled) {
					return err
				}
				log.Warn().Err(err).Str("table", name).Uint32("pid", pid).Str("endpoint", endpoint).
					Msg("drop partition failed")
			}
		}
	}

	if err := ns.tables.DropTable(ctx, name); err != nil {
		return err
	}
	ns.manifests.Forget(ctx, table.TID)
	run.SetMessage("Drop table ok")
	return nil
}

func mustLeader(p coordinator.PartitionInfo) coordinator.ReplicaInfo {
	l, _ := p.Leader()
	return l
}
