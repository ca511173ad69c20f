package storage

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

// TestMemoryStore tests the in-memory record log
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		if store.Offset() != 0 {
			t.Errorf("Expected offset 0, got %d", store.Offset())
		}
		if records := store.Since(0); len(records) != 0 {
			t.Errorf("Expected no records, got %d", len(records))
		}
	})

	t.Run("append assigns consecutive offsets", func(t *testing.T) {
		store := NewMemoryStore()

		for i := 1; i <= 3; i++ {
			offset := store.Append(fmt.Sprintf("key%d", i), uint64(i), []byte("v"))
			if offset != uint64(i) {
				t.Errorf("Expected offset %d, got %d", i, offset)
			}
		}
		if store.Offset() != 3 {
			t.Errorf("Expected offset 3, got %d", store.Offset())
		}
	})

	t.Run("since returns records after offset", func(t *testing.T) {
		store := NewMemoryStore()
		store.Append("a", 1, []byte("1"))
		store.Append("b", 2, []byte("2"))
		store.Append("c", 3, []byte("3"))

		records := store.Since(1)
		if len(records) != 2 {
			t.Fatalf("Expected 2 records, got %d", len(records))
		}
		if records[0].Key != "b" || records[1].Offset != 3 {
			t.Errorf("Unexpected records: %+v", records)
		}
		if got := store.Since(3); got != nil {
			t.Errorf("Expected nil past the end, got %+v", got)
		}
	})

	t.Run("returned values are copies", func(t *testing.T) {
		store := NewMemoryStore()
		value := []byte("original")
		store.Append("k", 1, value)
		value[0] = 'X'

		records := store.Since(0)
		if !bytes.Equal(records[0].Value, []byte("original")) {
			t.Errorf("Stored value was modified: %s", records[0].Value)
		}
		records[0].Value[0] = 'Y'
		if !bytes.Equal(store.Since(0)[0].Value, []byte("original")) {
			t.Error("Returned value aliases stored value")
		}
	})

	t.Run("apply is idempotent and rejects gaps", func(t *testing.T) {
		leader := NewMemoryStore()
		leader.Append("a", 1, []byte("1"))
		leader.Append("b", 2, []byte("2"))

		follower := NewMemoryStore()
		if err := follower.Apply(leader.Since(0)); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if err := follower.Apply(leader.Since(0)); err != nil {
			t.Fatalf("Re-apply failed: %v", err)
		}
		if follower.Offset() != 2 {
			t.Errorf("Expected offset 2, got %d", follower.Offset())
		}

		err := follower.Apply([]Record{{Key: "z", Offset: 5}})
		if err != ErrOffsetGap {
			t.Errorf("Expected ErrOffsetGap, got %v", err)
		}
	})

	t.Run("stats track records and bytes", func(t *testing.T) {
		store := NewMemoryStore()
		store.Append("a", 1, []byte("12345"))
		store.Append("b", 2, []byte("123"))

		stats := store.Stats()
		if stats.Records != 2 || stats.Bytes != 8 || stats.Offset != 2 {
			t.Errorf("Unexpected stats: %+v", stats)
		}
	})
}

// TestMemoryStoreConcurrentAppend verifies offsets stay dense under concurrency
func TestMemoryStoreConcurrentAppend(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Append(fmt.Sprintf("key%d", i), uint64(i), []byte("v"))
		}(i)
	}
	wg.Wait()

	records := store.Since(0)
	if len(records) != 50 {
		t.Fatalf("Expected 50 records, got %d", len(records))
	}
	for i, r := range records {
		if r.Offset != uint64(i+1) {
			t.Errorf("Record %d has offset %d", i, r.Offset)
		}
	}
}
