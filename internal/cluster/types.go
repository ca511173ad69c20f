package cluster

import (
	"time"

	"github.com/dreamware/nameserver/internal/storage"
)

type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

type RegisterRequest struct {
	Endpoint string `json:"endpoint"`
}

type HeartbeatRequest struct {
	Endpoint string `json:"endpoint"`
}

// Tablet RPC

type CreatePartitionRequest struct {
	Name      string   `json:"name"`
	Role      Role     `json:"role"`
	Followers []string `json:"followers,omitempty"`
	TTL       uint64   `json:"ttl"`
	Term      uint64   `json:"term"`
	TID       uint32   `json:"tid"`
	PID       uint32   `json:"pid"`
}

type PartitionRequest struct {
	TID uint32 `json:"tid"`
	PID uint32 `json:"pid"`
}

type ChangeRoleRequest struct {
	Role      Role     `json:"role"`
	Followers []string `json:"followers,omitempty"`
	Term      uint64   `json:"term"`
	TID       uint32   `json:"tid"`
	PID       uint32   `json:"pid"`
}

type FollowerRequest struct {
	Endpoint string `json:"endpoint"`
	Term     uint64 `json:"term"`
	TID      uint32 `json:"tid"`
	PID      uint32 `json:"pid"`
}

type PartitionStatus struct {
	Role    Role   `json:"role"`
	Offset  uint64 `json:"offset"`
	Term    uint64 `json:"term"`
	Records int    `json:"records"`
	TID     uint32 `json:"tid"`
	PID     uint32 `json:"pid"`
}

type SnapshotRequest struct {
	Term uint64 `json:"term"`
	TID  uint32 `json:"tid"`
	PID  uint32 `json:"pid"`
}

// Manifest describes one snapshot of a partition replica. The yaml form is
// the MANIFEST file a tablet writes next to the snapshot.
type Manifest struct {
	Name     string    `json:"name" yaml:"name"`
	Endpoint string    `json:"endpoint" yaml:"endpoint"`
	TakenAt  time.Time `json:"taken_at" yaml:"taken_at"`
	Offset   uint64    `json:"offset" yaml:"offset"`
	Count    uint64    `json:"count" yaml:"count"`
	Term     uint64    `json:"term" yaml:"term"`
	TID      uint32    `json:"tid" yaml:"tid"`
	PID      uint32    `json:"pid" yaml:"pid"`
}

type PutRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
	TS    uint64 `json:"ts"`
	TID   uint32 `json:"tid"`
	PID   uint32 `json:"pid"`
}

type PutResponse struct {
	Offset uint64 `json:"offset"`
}

type ReplicateRequest struct {
	Records []storage.Record `json:"records"`
	Term    uint64           `json:"term"`
	TID     uint32           `json:"tid"`
	PID     uint32           `json:"pid"`
}

// Admin API

type Response struct {
	Msg  string `json:"msg"`
	Code int    `json:"code"`
}

type CreateTableRequest struct {
	Metadata string `json:"metadata"`
}

type MigrateRequest struct {
	Src      string `json:"src"`
	Name     string `json:"name"`
	PidGroup string `json:"pid_group"`
	Des      string `json:"des"`
}

type ChangeLeaderRequest struct {
	Candidate string `json:"candidate,omitempty"`
}

type ReplicaRequest struct {
	PidGroup string `json:"pid_group"`
	Endpoint string `json:"endpoint"`
}

type ConfSetRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type OpResponse struct {
	Response
	OpIDs []uint64 `json:"op_ids,omitempty"`
}

type TableRow struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Role     Role   `json:"role"`
	Alive    string `json:"is_alive"`
	Term     uint64 `json:"term"`
	Offset   uint64 `json:"offset"`
	TTL      uint64 `json:"ttl"`
	TID      uint32 `json:"tid"`
	PID      uint32 `json:"pid"`
}

type ShowTableResponse struct {
	Response
	Rows []TableRow `json:"rows"`
}

type OpStatus struct {
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Kind       string     `json:"kind"`
	Name       string     `json:"name"`
	State      string     `json:"state"`
	Message    string     `json:"message"`
	ID         uint64     `json:"id"`
	PID        uint32     `json:"pid"`
}

type ShowOpStatusResponse struct {
	Response
	Ops    []OpStatus `json:"ops"`
	LastID uint64     `json:"last_id"`
}

type ConfResponse struct {
	Response
	Conf map[string]string `json:"conf"`
}

type ManifestsResponse struct {
	Response
	Manifests []Manifest `json:"manifests"`
}
