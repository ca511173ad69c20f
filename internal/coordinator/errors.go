package coordinator

import "errors"

// Catalog errors returned by TableRegistry.
var (
	ErrTableExists       = errors.New("table already exists")
	ErrTableNotFound     = errors.New("table not found")
	ErrPartitionNotFound = errors.New("partition not found")
	ErrVersionConflict   = errors.New("partition version conflict")
	ErrReplicaExists     = errors.New("replica already exists")
	ErrReplicaNotFound   = errors.New("replica not found")
	ErrMultipleLeaders   = errors.New("partition would have more than one leader")
	ErrInvalidTable      = errors.New("invalid table definition")
)

// ErrUnknownConfKey is returned for runtime flags that do not exist.
var ErrUnknownConfKey = errors.New("unknown conf key")

// ErrOffsetRegression is returned when a manifest would move a replica's
// snapshot offset backwards.
var ErrOffsetRegression = errors.New("manifest offset regression")
