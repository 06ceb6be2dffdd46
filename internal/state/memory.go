package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sentinel-pma/sentinel/internal/types"
)

// MemoryStore is an in-process PositionStore guarded by a RWMutex.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[types.PositionKey]types.TrackedPosition
}

// NewMemoryStore creates an empty in-memory position store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[types.PositionKey]types.TrackedPosition)}
}

func (s *MemoryStore) RecordFirstSeen(_ context.Context, key types.PositionKey, at time.Time) (time.Time, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.positions[key]; ok {
		return p.FirstSeenAt, nil
	}
	s.positions[key] = types.TrackedPosition{PositionKey: key, FirstSeenAt: at, LastSeenAt: at}
	return at, nil
}

func (s *MemoryStore) UpdateMetrics(_ context.Context, key types.PositionKey, valueUSD, apyPct float64, at time.Time) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[key]
	if !ok {
		p = types.TrackedPosition{PositionKey: key, FirstSeenAt: at}
	}
	p.ValueUSD = valueUSD
	p.APYPct = apyPct
	p.LastSeenAt = at
	s.positions[key] = p
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key types.PositionKey) (*types.TrackedPosition, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, owner string) ([]types.TrackedPosition, error) {
	owner = strings.TrimSpace(owner)

	s.mu.RLock()
	out := make([]types.TrackedPosition, 0)
	for k, p := range s.positions {
		if k.Owner == owner {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, key types.PositionKey) (bool, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[key]; !ok {
		return false, nil
	}
	delete(s.positions, key)
	return true, nil
}

func sortPositions(ps []types.TrackedPosition) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Protocol != ps[j].Protocol {
			return ps[i].Protocol < ps[j].Protocol
		}
		return ps[i].Token < ps[j].Token
	})
}

// MemoryEvaluationLog keeps the most recent evaluations in a bounded ring.
type MemoryEvaluationLog struct {
	mu      sync.RWMutex
	records []types.EvaluationRecord
	next    int
	full    bool
}

// NewMemoryEvaluationLog creates a log holding at most capacity records. A non-positive capacity uses 1000.
func NewMemoryEvaluationLog(capacity int) *MemoryEvaluationLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryEvaluationLog{records: make([]types.EvaluationRecord, capacity)}
}

func (l *MemoryEvaluationLog) Append(_ context.Context, record types.EvaluationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[l.next] = record
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
	return nil
}

func (l *MemoryEvaluationLog) Recent(_ context.Context, limit int) ([]types.EvaluationRecord, error) {
	limit = clampLimit(limit)

	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.lenLocked()
	if limit > n {
		limit = n
	}
	out := make([]types.EvaluationRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.records)) % len(l.records)
		out = append(out, l.records[idx])
	}
	return out, nil
}

func (l *MemoryEvaluationLog) Summary(_ context.Context) (*EvaluationSummary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	summary := &EvaluationSummary{ByGate: make(map[types.Gate]int)}
	n := l.lenLocked()
	for i := 0; i < n; i++ {
		r := l.records[i]
		summary.TotalEvaluations++
		if r.Verdict.Viable {
			summary.ViableCount++
		}
		summary.ByGate[r.Verdict.Gate]++
		if summary.LastEvaluatedAt == nil || r.EvaluatedAt.After(*summary.LastEvaluatedAt) {
			at := r.EvaluatedAt
			summary.LastEvaluatedAt = &at
		}
	}
	return summary, nil
}

func (l *MemoryEvaluationLog) lenLocked() int {
	if l.full {
		return len(l.records)
	}
	return l.next
}

// MemorySweepCounter is a process-local SweepCounter.
type MemorySweepCounter struct {
	mu      sync.Mutex
	current int
}

func (c *MemorySweepCounter) Next(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	return c.current, nil
}

func (c *MemorySweepCounter) Current(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, nil
}
