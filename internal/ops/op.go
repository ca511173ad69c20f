package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dreamware/nameserver/internal/coordinator"
)

// Kind names an op type. The values are the names shown by showopstatus.
type Kind string

const (
	KindCreateTable    Kind = "kCreateTableOP"
	KindDropTable      Kind = "kDropTableOP"
	KindAddReplica     Kind = "kAddReplicaOP"
	KindDelReplica     Kind = "kDelReplicaOP"
	KindChangeLeader   Kind = "kChangeLeaderOP"
	KindMigrate        Kind = "kMigrateOP"
	KindMakeSnapshot   Kind = "kMakeSnapshotOP"
	KindOfflineReplica Kind = "kOfflineReplicaOP"
	KindRecoverReplica Kind = "kRecoverReplicaOP"
)

// State is an op lifecycle state.
//
//	Init ──▶ Running ──▶ Done
//	  │         │   └──▶ Failed
//	  └─────────┴──────▶ Cancelled
type State string

const (
	StateInit      State = "Init"
	StateRunning   State = "Running"
	StateDone      State = "Done"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

var (
	ErrOpNotFound  = errors.New("op not found")
	ErrOpFinished  = errors.New("op already finished")
	ErrCancelled   = errors.New("op cancelled")
	ErrQueueFull   = errors.New("op queue is full")
	ErrNoExecutor  = errors.New("no executor registered")
	ErrUnknownKind = errors.New("unknown op kind")
	ErrStopped     = errors.New("op manager stopped")
)

// restartedMessage is the failure message of ops interrupted by a restart.
const restartedMessage = "nameserver restarted"

// Target is what an op acts on. Ops with the same Key never run concurrently.
type Target struct {
	Table string
	PID   uint32
	// TableLevel ops (create, drop) queue per table and exclude every
	// partition op of the same table while they run.
	TableLevel bool
}

// Key is the serialization key of the target.
func (t Target) Key() string {
	if t.TableLevel {
		return t.Table
	}
	return t.Table + "/" + strconv.FormatUint(uint64(t.PID), 10)
}

// Payload is the kind-specific content of an op. The set of payloads is
// closed: only the types in this file implement it.
type Payload interface {
	Kind() Kind
	Target() Target
	payload()
}

// CreateTable commits a fully validated table definition.
type CreateTable struct {
	Table coordinator.TableInfo `json:"table"`
}

// DropTable removes a table and its partitions from every tablet.
type DropTable struct {
	Name string `json:"name"`
}

// AddReplica attaches a new follower of a partition on Endpoint.
type AddReplica struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	PID      uint32 `json:"pid"`
}

// DelReplica detaches and drops the follower of a partition on Endpoint.
type DelReplica struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	PID      uint32 `json:"pid"`
}

// ChangeLeader promotes a follower of a partition. An empty Candidate means
// the most caught-up healthy follower.
type ChangeLeader struct {
	Name      string `json:"name"`
	Candidate string `json:"candidate,omitempty"`
	PID       uint32 `json:"pid"`
	Auto      bool   `json:"auto"`
}

// Migrate moves the follower of a partition from Src to Des.
type Migrate struct {
	Name string `json:"name"`
	Src  string `json:"src"`
	Des  string `json:"des"`
	PID  uint32 `json:"pid"`
}

// MakeSnapshot snapshots a partition on its leader.
type MakeSnapshot struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	PID      uint32 `json:"pid"`
	Term     uint64 `json:"term"`
}

// OfflineReplica marks the replica of a partition on Endpoint not alive.
type OfflineReplica struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	PID      uint32 `json:"pid"`
}

// RecoverReplica re-attaches a recovered endpoint's replica as a follower.
type RecoverReplica struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	PID      uint32 `json:"pid"`
}

func (CreateTable) Kind() Kind    { return KindCreateTable }
func (DropTable) Kind() Kind      { return KindDropTable }
func (AddReplica) Kind() Kind     { return KindAddReplica }
func (DelReplica) Kind() Kind     { return KindDelReplica }
func (ChangeLeader) Kind() Kind   { return KindChangeLeader }
func (Migrate) Kind() Kind        { return KindMigrate }
func (MakeSnapshot) Kind() Kind   { return KindMakeSnapshot }
func (OfflineReplica) Kind() Kind { return KindOfflineReplica }
func (RecoverReplica) Kind() Kind { return KindRecoverReplica }

func (p CreateTable) Target() Target    { return Target{Table: p.Table.Name, TableLevel: true} }
func (p DropTable) Target() Target      { return Target{Table: p.Name, TableLevel: true} }
func (p AddReplica) Target() Target     { return Target{Table: p.Name, PID: p.PID} }
func (p DelReplica) Target() Target     { return Target{Table: p.Name, PID: p.PID} }
func (p ChangeLeader) Target() Target   { return Target{Table: p.Name, PID: p.PID} }
func (p Migrate) Target() Target        { return Target{Table: p.Name, PID: p.PID} }
func (p MakeSnapshot) Target() Target   { return Target{Table: p.Name, PID: p.PID} }
func (p OfflineReplica) Target() Target { return Target{Table: p.Name, PID: p.PID} }
func (p RecoverReplica) Target() Target { return Target{Table: p.Name, PID: p.PID} }

func (CreateTable) payload()    {}
func (DropTable) payload()      {}
func (AddReplica) payload()     {}
func (DelReplica) payload()     {}
func (ChangeLeader) payload()   {}
func (Migrate) payload()        {}
func (MakeSnapshot) payload()   {}
func (OfflineReplica) payload() {}
func (RecoverReplica) payload() {}

// Op is a read-only snapshot of one op.
type Op struct {
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Payload    Payload
	Kind       Kind
	State      State
	Message    string
	Table      string
	ID         uint64
	PID        uint32
	// TableLevel is true for ops whose target is a whole table.
	TableLevel bool
}

// Record is the persisted form of an op.
type Record struct {
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Kind       Kind            `json:"kind"`
	State      State           `json:"state"`
	Message    string          `json:"message"`
	Payload    json.RawMessage `json:"payload"`
	ID         uint64          `json:"id"`
}

// ToRecord encodes an op for storage.
func (o Op) ToRecord() (Record, error) {
	raw, err := json.Marshal(o.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("encoding %s payload: %w", o.Kind, err)
	}
	return Record{
		ID:         o.ID,
		Kind:       o.Kind,
		State:      o.State,
		Message:    o.Message,
		CreatedAt:  o.CreatedAt,
		FinishedAt: o.FinishedAt,
		Payload:    raw,
	}, nil
}

// FromRecord decodes a stored op.
func FromRecord(r Record) (Op, error) {
	p, err := DecodePayload(r.Kind, r.Payload)
	if err != nil {
		return Op{}, err
	}
	return newOp(r.ID, p, r.State, r.Message, r.CreatedAt, r.FinishedAt), nil
}

// DecodePayload decodes the JSON payload of an op of the given kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindCreateTable:
		return decode[CreateTable](kind, raw)
	case KindDropTable:
		return decode[DropTable](kind, raw)
	case KindAddReplica:
		return decode[AddReplica](kind, raw)
	case KindDelReplica:
		return decode[DelReplica](kind, raw)
	case KindChangeLeader:
		return decode[ChangeLeader](kind, raw)
	case KindMigrate:
		return decode[Migrate](kind, raw)
	case KindMakeSnapshot:
		return decode[MakeSnapshot](kind, raw)
	case KindOfflineReplica:
		return decode[OfflineReplica](kind, raw)
	case KindRecoverReplica:
		return decode[RecoverReplica](kind, raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decode[T Payload](kind Kind, raw []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	return v, nil
}

func newOp(id uint64, p Payload, state State, msg string, created time.Time, finished *time.Time) Op {
	t := p.Target()
	return Op{
		ID:         id,
		Kind:       p.Kind(),
		Payload:    p,
		State:      state,
		Message:    msg,
		Table:      t.Table,
		PID:        t.PID,
		TableLevel: t.TableLevel,
		CreatedAt:  created,
		FinishedAt: finished,
	}
}
