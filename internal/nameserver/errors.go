package nameserver

import (
	"errors"

	"github.com/dreamware/nameserver/internal/ops"
)

// Validation errors. Their text is part of the admin surface: nsclient prints
// it verbatim and operators grep for it.
var (
	ErrSameEndpoint      = errors.New("src_endpoint is same as des_endpoint")
	ErrMigrateLeader     = errors.New("cannot migrate leader")
	ErrSrcUnhealthy      = errors.New("src_endpoint is not exist or not healthy")
	ErrDesUnhealthy      = errors.New("des_endpoint is not exist or not healthy")
	ErrEndpointUnhealthy = errors.New("endpoint is not exist or not healthy")
	ErrTableNotExist     = errors.New("table is not exist")
	ErrTableExists       = errors.New("table is already exist")
	ErrPidNotExist       = errors.New("pid is not exist")
	ErrFormat            = errors.New("format error")
	ErrBadFormat         = errors.New("Bad format.")
	ErrNoValidPID        = errors.New("has not valid pid")
	ErrLeaderEmpty       = errors.New("leader endpoint is empty")
	ErrAlreadyAtDes      = errors.New("is already in des_endpoint")
	ErrNotAtSrc          = errors.New("is not in src_endpoint")
	ErrAlreadyReplica    = errors.New("is already in endpoint")
	ErrNotReplica        = errors.New("is not in endpoint")
	ErrDeleteLeader      = errors.New("cannot delete leader")
	ErrGetTableInfo      = errors.New("get table info failed")
	ErrGetLeader         = errors.New("get leader failed")
	ErrNoLeaderAvailable = errors.New("no leader available")
	ErrInvalidMetadata   = errors.New("invalid table metadata")
)

// Execution errors reported in op messages.
var (
	ErrNoLeader       = errors.New("no leader")
	ErrLeaderChanged  = errors.New("leader changed")
	ErrCatchUpTimeout = errors.New("catch up timed out")
)

// OpFailedError is returned by commands that wait for their op when the op
// did not finish in Done.
type OpFailedError struct {
	Op ops.Op
}

func (e *OpFailedError) Error() string {
	return e.Op.Message
}

// RejectedError marks a command refused by synchronous validation. Its text
// is the validation message.
type RejectedError struct {
	Err     error
	Command string
}

func (e *RejectedError) Error() string { return e.Err.Error() }

func (e *RejectedError) Unwrap() error { return e.Err }
