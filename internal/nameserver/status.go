package nameserver

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
	"github.com/dreamware/nameserver/internal/ops"
)

// EndpointReplicas returns every replica the catalog places on endpoint.
func (ns *NameServer) EndpointReplicas(endpoint string) []coordinator.PartitionRef {
	return ns.tables.EndpointPartitions(endpoint)
}

// ShowTable lists one row per replica of every table, or of the named table.
// Offsets are read live from healthy tablets; the last offset the catalog
// observed is shown for tablets that cannot be reached.
func (ns *NameServer) ShowTable(ctx context.Context, name string) ([]cluster.TableRow, error) {
	var tables []coordinator.TableInfo
	if name != "" {
		t, err := ns.tables.GetTable(name)
		if err != nil {
			return nil, ErrTableNotExist
		}
		tables = []coordinator.TableInfo{t}
	} else {
		tables = ns.tables.ListTables()
	}

	var rows []cluster.TableRow
	for _, t := range tables {
		for _, p := range t.Partitions {
			for _, r := range p.Replicas {
				alive := "no"
				if r.Alive {
					alive = "yes"
				}
				rows = append(rows, cluster.TableRow{
					Name:     t.Name,
					TID:      t.TID,
					PID:      p.PID,
					Endpoint: r.Endpoint,
					Role:     r.Role,
					Term:     p.Term,
					Offset:   r.Offset,
					TTL:      t.TTL,
					Alive:    alive,
				})
			}
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range rows {
		row := rows[i]
		if !ns.healthy(row.Endpoint) {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, ns.cfg.StatusTimeout)
			defer cancel()
			st, err := ns.client.PartitionStatus(pctx, row.Endpoint, row.TID, row.PID)
			if err != nil {
				return nil
			}
			mu.Lock()
			rows[i].Offset = st.Offset
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// ShowOpStatus lists ops oldest first, optionally restricted to one table
// and, when pid is not negative, one partition. It also returns the greatest
// op id handed out so far.
func (ns *NameServer) ShowOpStatus(name string, pid int64) ([]cluster.OpStatus, uint64) {
	list := ns.ops.List(func(op ops.Op) bool {
		if name != "" && op.Table != name {
			return false
		}
		if pid >= 0 && (op.TableLevel || int64(op.PID) != pid) {
			return false
		}
		return true
	})

	out := make([]cluster.OpStatus, 0, len(list))
	for _, op := range list {
		out = append(out, OpStatus(op))
	}
	return out, ns.ops.LastID()
}

// OpStatus converts an op snapshot to its wire form.
func OpStatus(op ops.Op) cluster.OpStatus {
	return cluster.OpStatus{
		ID:         op.ID,
		Kind:       string(op.Kind),
		Name:       op.Table,
		PID:        op.PID,
		State:      string(op.State),
		Message:    op.Message,
		CreatedAt:  op.CreatedAt,
		FinishedAt: op.FinishedAt,
	}
}
