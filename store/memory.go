package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/temoto/envtele/reading"
)

// Memory is a process local Store, used by tests and `store -memory`.
type Memory struct {
	Now func() time.Time

	mu      sync.RWMutex
	closed  bool
	records []Record
}

func NewMemory() *Memory { return &Memory{Now: time.Now} }

func (m *Memory) Insert(ctx context.Context, r reading.SensorReading) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	rec := newRecord(r, now())
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	result := make([]Record, 0, len(m.records))
	for i := range m.records {
		if f.Match(&m.records[i]) {
			result = append(result, m.records[i])
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp < result[j].Timestamp })
	if limit := f.limit(); len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.records = nil
	m.mu.Unlock()
	return nil
}
