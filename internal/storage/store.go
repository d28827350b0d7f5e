package storage

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrPartitionNotFound is returned when a partition has no rows
var ErrPartitionNotFound = errors.New("partition not found")

// Store defines the interface for partition row storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Append adds a row to the end of a partition, creating it if needed
	Append(partition string, row []byte) error

	// Rows returns up to limit rows of a partition, newest first
	// limit <= 0 returns every row
	// Returns ErrPartitionNotFound if the partition doesn't exist
	Rows(partition string, limit int) ([][]byte, error)

	// Delete removes a partition and its rows
	// No error if the partition doesn't exist
	Delete(partition string) error

	// Partitions returns all partition keys in sorted order
	Partitions() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Partitions int // Number of partitions
	Rows       int // Number of rows across partitions
	Bytes      int // Total size of all rows in bytes
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu   sync.RWMutex        // Protects concurrent access
	data map[string][][]byte // Partition -> rows in append order
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][][]byte),
	}
}

// Append stores a copy of row at the end of the partition
func (m *MemoryStore) Append(partition string, row []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[partition] = append(m.data[partition], slices.Clone(row))
	return nil
}

// Rows returns copies of the newest rows first
func (m *MemoryStore) Rows(partition string, limit int) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, exists := m.data[partition]
	if !exists {
		return nil, ErrPartitionNotFound
	}

	n := len(rows)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([][]byte, 0, n)
	for i := len(rows) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, slices.Clone(rows[i]))
	}
	return result, nil
}

// Delete removes a partition
// No error if the partition doesn't exist (idempotent)
func (m *MemoryStore) Delete(partition string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, partition)
	return nil
}

// Partitions returns all partition keys in sorted order
func (m *MemoryStore) Partitions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := StoreStats{Partitions: len(m.data)}
	for _, rows := range m.data {
		stats.Rows += len(rows)
		for _, row := range rows {
			stats.Bytes += len(row)
		}
	}
	return stats
}
