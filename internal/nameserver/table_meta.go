package nameserver

import (
	"fmt"

	"github.com/goccy/go-yaml"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
)

// TableMeta is the table metadata file consumed by the create command.
//
//	name: t1
//	ttl: 144000
//	ttl_type: kAbsoluteTime
//	seg_cnt: 8
//	table_partition:
//	  - endpoint: 127.0.0.1:9520
//	    pid_group: 0-2
//	    is_leader: true
//	  - endpoint: 127.0.0.1:9521
//	    pid_group: 0-2
//	    is_leader: false
//	column_desc:
//	  - name: card
//	    type: string
//	    add_ts_idx: true
type TableMeta struct {
	Name           string                   `yaml:"name"`
	TTLType        string                   `yaml:"ttl_type"`
	TablePartition []PartitionMeta          `yaml:"table_partition"`
	ColumnDesc     []coordinator.ColumnDesc `yaml:"column_desc"`
	TTL            uint64                   `yaml:"ttl"`
	SegCnt         uint32                   `yaml:"seg_cnt"`
}

// PartitionMeta places one endpoint's replicas for a group of pids.
type PartitionMeta struct {
	Endpoint string `yaml:"endpoint"`
	PidGroup string `yaml:"pid_group"`
	IsLeader bool   `yaml:"is_leader"`
}

// ParseTableMeta decodes a metadata file.
func ParseTableMeta(data []byte) (TableMeta, error) {
	var m TableMeta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return TableMeta{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if m.Name == "" {
		return TableMeta{}, fmt.Errorf("%w: name is required", ErrInvalidMetadata)
	}
	if len(m.TablePartition) == 0 {
		return TableMeta{}, fmt.Errorf("%w: table_partition is required", ErrInvalidMetadata)
	}
	return m, nil
}

// Endpoints returns the distinct endpoints the table is placed on.
func (m TableMeta) Endpoints() []string {
	seen := map[string]bool{}
	var out []string
	for _, tp := range m.TablePartition {
		if !seen[tp.Endpoint] {
			seen[tp.Endpoint] = true
			out = append(out, tp.Endpoint)
		}
	}
	return out
}

// Build turns the metadata into a catalog entry. The partition count is one
// more than the largest pid named by any pid_group; every pid in range must
// have exactly one leader and no endpoint may appear twice in a pid.
func (m TableMeta) Build(tid uint32) (coordinator.TableInfo, error) {
	placement := map[uint32][]coordinator.ReplicaInfo{}
	var maxPID uint32
	for _, tp := range m.TablePartition {
		if tp.Endpoint == "" {
			return coordinator.TableInfo{}, fmt.Errorf("%w: table_partition entry without endpoint", ErrInvalidMetadata)
		}
		pids, err := ParsePidSet(tp.PidGroup)
		if err != nil {
			return coordinator.TableInfo{}, fmt.Errorf("%w: pid_group %q: %v", ErrInvalidMetadata, tp.PidGroup, err)
		}
		role := cluster.RoleFollower
		if tp.IsLeader {
			role = cluster.RoleLeader
		}
		for _, pid := range pids {
			for _, r := range placement[pid] {
				if r.Endpoint == tp.Endpoint {
					return coordinator.TableInfo{}, fmt.Errorf("%w: pid %d placed twice on %s",
						ErrInvalidMetadata, pid, tp.Endpoint)
				}
				if r.IsLeader() && tp.IsLeader {
					return coordinator.TableInfo{}, fmt.Errorf("%w: pid %d has more than one leader",
						ErrInvalidMetadata, pid)
				}
			}
			placement[pid] = append(placement[pid], coordinator.ReplicaInfo{
				Endpoint: tp.Endpoint,
				Role:     role,
				Alive:    true,
			})
			if pid > maxPID {
				maxPID = pid
			}
		}
	}

	t := coordinator.TableInfo{
		Name:    m.Name,
		TID:     tid,
		TTL:     m.TTL,
		TTLType: m.TTLType,
		SegCnt:  m.SegCnt,
		Columns: m.ColumnDesc,
	}
	for pid := uint32(0); pid <= maxPID; pid++ {
		replicas := placement[pid]
		if len(replicas) == 0 {
			return coordinator.TableInfo{}, fmt.Errorf("%w: pid %d has no replica", ErrInvalidMetadata, pid)
		}
		p := coordinator.PartitionInfo{PID: pid, Term: 1, Replicas: replicas}
		if _, ok := p.Leader(); !ok {
			return coordinator.TableInfo{}, fmt.Errorf("%w: pid %d has no leader", ErrInvalidMetadata, pid)
		}
		t.Partitions = append(t.Partitions, p)
	}
	t.ReplicaNum = len(t.Partitions[0].Replicas)
	return t, nil
}
