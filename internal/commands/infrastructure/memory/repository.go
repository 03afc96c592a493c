package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	commands "mowerlink/internal/commands/domain"
)

const defaultCapacity = 1000

// HistoryRepository keeps the most recent command records in memory.
type HistoryRepository struct {
	mu       sync.Mutex
	capacity int
	records  []commands.HistoryRecord
}

// NewHistoryRepository constructs a bounded in-memory repository.
func NewHistoryRepository(capacity int) *HistoryRepository {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &HistoryRepository{capacity: capacity}
}

// Save stores rec, replacing an earlier record with the same command id.
func (r *HistoryRepository) Save(_ context.Context, rec commands.HistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.records {
		if r.records[i].CommandID == rec.CommandID {
			r.records[i] = rec
			return nil
		}
	}
	r.records = append(r.records, rec)
	if over := len(r.records) - r.capacity; over > 0 {
		r.records = append([]commands.HistoryRecord(nil), r.records[over:]...)
	}
	return nil
}

// ListByTime lists records completed in [from, to).
func (r *HistoryRepository) ListByTime(_ context.Context, from, to time.Time) ([]commands.HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []commands.HistoryRecord
	for _, rec := range r.records {
		if rec.CompletedAt.Before(from) || !rec.CompletedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out, nil
}
