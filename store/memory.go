package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"playcheck/scan"
)

// Memory keeps records in a map guarded by one mutex. Contents are lost on
// exit.
type Memory struct {
	mu      sync.Mutex
	records map[int64]scan.Record
	nextID  int64
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[int64]scan.Record), nextID: 1, now: time.Now}
}

func (m *Memory) Create(ctx context.Context, r scan.Record) (scan.Record, error) {
	if err := ctx.Err(); err != nil {
		return scan.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r = r.Clone()
	r.ID = m.nextID
	r.ScannedAt = m.now().UTC()
	m.nextID++
	m.records[r.ID] = r
	return r.Clone(), nil
}

func (m *Memory) Get(ctx context.Context, id int64) (scan.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return scan.Record{}, false, nil
	}
	return r.Clone(), true, nil
}

func (m *Memory) List(ctx context.Context) ([]scan.Record, error) {
	m.mu.Lock()
	out := make([]scan.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	m.mu.Unlock()
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortNewestFirst(recs []scan.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].ScannedAt.Equal(recs[j].ScannedAt) {
			return recs[i].ScannedAt.After(recs[j].ScannedAt)
		}
		return recs[i].ID > recs[j].ID
	})
}
