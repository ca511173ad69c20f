package storage

import (
	"errors"
	"sync"
)

// ErrOffsetGap is returned when appended records do not continue the log
var ErrOffsetGap = errors.New("record offset does not continue the log")

// Record is a single applied write. Offsets start at 1 and increase by one
// per record; offset 0 means "nothing applied yet".
type Record struct {
	Key    string `json:"key"`
	Value  []byte `json:"value"`
	Offset uint64 `json:"offset"`
	TS     uint64 `json:"ts"`
}

// Store defines the record log kept by a single partition replica.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Append assigns the next offset to a new write and returns it
	Append(key string, ts uint64, value []byte) uint64

	// Apply appends records produced by another replica
	// Records at or below the current offset are skipped (idempotent);
	// a record beyond offset+1 returns ErrOffsetGap
	Apply(records []Record) error

	// Since returns copies of all records with offset > after, in order
	Since(after uint64) []Record

	// Offset returns the last applied offset
	Offset() uint64

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Records int    // Number of records held
	Bytes   int    // Total size of all values in bytes
	Offset  uint64 // Last applied offset
}

// MemoryStore implements Store with an in-memory slice
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	bytes   int
}

// NewMemoryStore creates a new in-memory record log
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a copy of value under the next offset
func (m *MemoryStore) Append(key string, ts uint64, value []byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	offset := uint64(len(m.records)) + 1
	m.records = append(m.records, Record{Key: key, Value: stored, Offset: offset, TS: ts})
	m.bytes += len(stored)
	return offset
}

// Apply appends replicated records in offset order
func (m *MemoryStore) Apply(records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		next := uint64(len(m.records)) + 1
		if r.Offset < next {
			continue
		}
		if r.Offset > next {
			return ErrOffsetGap
		}
		stored := make([]byte, len(r.Value))
		copy(stored, r.Value)
		r.Value = stored
		m.records = append(m.records, r)
		m.bytes += len(stored)
	}
	return nil
}

// Since returns the records after the given offset
// Returns copies to prevent external modification
func (m *MemoryStore) Since(after uint64) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if after >= uint64(len(m.records)) {
		return nil
	}
	out := make([]Record, 0, uint64(len(m.records))-after)
	for _, r := range m.records[after:] {
		v := make([]byte, len(r.Value))
		copy(v, r.Value)
		r.Value = v
		out = append(out, r)
	}
	return out
}

// Offset returns the last applied offset
func (m *MemoryStore) Offset() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.records))
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return StoreStats{
		Records: len(m.records),
		Bytes:   m.bytes,
		Offset:  uint64(len(m.records)),
	}
}
