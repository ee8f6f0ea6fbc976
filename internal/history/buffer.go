package history

import (
	"sync"

	"github.com/google/uuid"

	"github.com/coopco/pushmon/internal/relay"
)

// DefaultCapacity is how many records the dashboard keeps.
const DefaultCapacity = 100

// Buffer is a fixed-capacity FIFO of history records. Appending to a full
// buffer evicts the oldest record. Safe for one writer and any number of
// concurrent snapshot readers.
type Buffer struct {
	mu       sync.RWMutex
	records  []relay.HistoryRecord
	capacity int
}

// NewBuffer creates an empty buffer. capacity <= 0 uses DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		records:  make([]relay.HistoryRecord, 0, capacity),
		capacity: capacity,
	}
}

// Append takes ownership of record, assigning its id. Records are never
// modified after insertion, only evicted.
func (b *Buffer) Append(record relay.HistoryRecord) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == b.capacity {
		copy(b.records, b.records[1:])
		b.records = b.records[:len(b.records)-1]
	}
	b.records = append(b.records, record)
}

// Snapshot returns a copy of the buffered records, oldest first. The copy is
// consistent even while Append is in flight.
func (b *Buffer) Snapshot() []relay.HistoryRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]relay.HistoryRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Len returns the current number of records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}
