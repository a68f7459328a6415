package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLimit = 100
	maxRetained  = 10000
)

// InMemoryStore is a bounded in-process history store for local/dev use.
// Only the newest maxRetained records are kept.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}
	s.records = append(s.records, record)
	if over := len(s.records) - maxRetained; over > 0 {
		s.records = append(s.records[:0:0], s.records[over:]...)
	}
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, min(limit, len(s.records)))
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.matches(s.records[i]) {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }
