// Package storage provides the partition row store that backs each node of
// the in-process cluster simulator.
//
// # Overview
//
// A partition is identified by the string form of its partition key
// (for example "bird_01:2024-05-01") and holds rows in append order. Reads
// return the newest rows first, the way a time-clustered table answers
// "latest sightings" queries.
//
//	┌────────────────────────────────────┐
//	│            MemoryStore             │
//	├────────────────────────────────────┤
//	│ "bird_01:2024-05-01" → [r1 r2 r3]  │
//	│ "bird_02:2024-05-01" → [r1]        │
//	└────────────────────────────────────┘
//
// # Core Interface
//
// Store:
//   - Append(partition, row) - Add a row to a partition
//   - Rows(partition, limit) - Newest rows first
//   - Delete(partition) - Remove a partition
//   - Partitions() - Sorted partition keys
//   - Stats() - Partition, row and byte counts
//
// # Thread Safety
//
// MemoryStore guards its map with a sync.RWMutex; reads proceed in parallel
// and writes are exclusive. Rows are copied on the way in and on the way
// out, so callers can never alias stored data.
//
// # Error Handling
//
//   - ErrPartitionNotFound: Rows on a partition that was never written
//
// # Usage Example
//
//	store := storage.NewMemoryStore()
//	_ = store.Append("bird_01:2024-05-01", []byte(`{"species":"sparrow"}`))
//	rows, err := store.Rows("bird_01:2024-05-01", 5)
//	if errors.Is(err, storage.ErrPartitionNotFound) {
//	    // nothing written yet
//	}
package storage
