package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type researchEntry struct {
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Memory is an in-process Store.
type Memory struct {
	mu          sync.RWMutex
	runs        map[string]RunRecord
	rounds      map[string]map[int]RoundRecord
	research    map[string]researchEntry
	checkpoints map[string]CheckpointRecord
	feedback    map[string][]FeedbackRecord
	now         func() time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[string]RunRecord),
		rounds:      make(map[string]map[int]RoundRecord),
		research:    make(map[string]researchEntry),
		checkpoints: make(map[string]CheckpointRecord),
		feedback:    make(map[string][]FeedbackRecord),
		now:         time.Now,
	}
}

func (m *Memory) SaveRound(_ context.Context, runID string, round int, rec RoundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rounds[runID] == nil {
		m.rounds[runID] = make(map[int]RoundRecord)
	}
	rec.Round = round
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	rec.Items = append([]ItemRecord(nil), rec.Items...)
	m.rounds[runID][round] = rec
	return nil
}

func (m *Memory) latestRound(runID string) (*RoundRecord, error) {
	rounds := m.rounds[runID]
	if len(rounds) == 0 {
		return nil, ErrNotFound
	}
	best := -1
	for n := range rounds {
		if n > best {
			best = n
		}
	}
	rec := rounds[best]
	return &rec, nil
}

func (m *Memory) LoadPreviousItems(_ context.Context, fingerprint string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var runs []RunRecord
	for _, r := range m.runs {
		if r.Fingerprint == fingerprint {
			runs = append(runs, r)
		}
	}
	return keptItems(runs, m.latestRound, limit)
}

func (m *Memory) GetCachedResearch(_ context.Context, fingerprint string, ttl time.Duration) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.research[fingerprint]
	if !ok || (ttl > 0 && m.now().Sub(e.CreatedAt) > ttl) {
		return "", false, nil
	}
	return e.Summary, true, nil
}

func (m *Memory) SaveResearch(_ context.Context, fingerprint, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.research[fingerprint] = researchEntry{Summary: summary, CreatedAt: m.now()}
	return nil
}

func (m *Memory) CreateRun(_ context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	m.runs[rec.ID] = rec
	return nil
}

func (m *Memory) FinishRun(_ context.Context, runID, status, outcome, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	rec.Status, rec.Outcome, rec.Error, rec.FinishedAt = status, outcome, errMsg, &now
	m.runs[runID] = rec
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *Memory) ListRuns(_ context.Context, callerID string, offset, limit int) ([]RunRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []RunRecord
	for _, r := range m.runs {
		if callerID == "" || r.CallerID == callerID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, offset, limit), len(all), nil
}

func (m *Memory) SaveCheckpoint(_ context.Context, rec CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.State = append([]byte(nil), rec.State...)
	m.checkpoints[rec.RunID] = rec
	return nil
}

func (m *Memory) LoadCheckpoint(_ context.Context, runID string) (*CheckpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.checkpoints[runID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.State = append([]byte(nil), rec.State...)
	return &rec, nil
}

func (m *Memory) SaveFeedback(_ context.Context, runID string, rec FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	m.feedback[runID] = append(m.feedback[runID], rec)
	return nil
}

func (m *Memory) ListFeedback(_ context.Context, runID string) ([]FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]FeedbackRecord(nil), m.feedback[runID]...), nil
}

func (m *Memory) Close() error { return nil }

func page[T any](all []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []T{}
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}
