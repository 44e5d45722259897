package testhelper

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/connectica/enrichd/internal/domain/audit"
	"github.com/connectica/enrichd/internal/domain/entity"
)

// MemoryAuditStore is an in-memory audit.Store for testing. It mirrors the
// postgres implementation's semantics: pending rows complete exactly once,
// metadata patches merge, terminal rows are immutable.
type MemoryAuditStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*audit.Entry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{
		nextID:  1,
		entries: make(map[int64]*audit.Entry),
	}
}

// Seed inserts an entry directly, bypassing the state machine. Tests use it
// to install historical rows.
func (m *MemoryAuditStore) Seed(e audit.Entry) *audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == 0 {
		e.ID = m.nextID
	}
	if e.ID >= m.nextID {
		m.nextID = e.ID + 1
	}
	stored := e
	m.entries[stored.ID] = &stored
	return &stored
}

func (m *MemoryAuditStore) CreateAttempt(ctx context.Context, ref entity.Ref, serviceName, operationType string, metadata map[string]string) (*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	e := &audit.Entry{
		ID:            m.nextID,
		Entity:        ref,
		ServiceName:   serviceName,
		Status:        audit.StatusPending,
		OperationType: operationType,
		StartedAt:     time.Now().UTC(),
		Metadata:      meta,
	}
	m.nextID++
	m.entries[e.ID] = e

	out := *e
	return &out, nil
}

func (m *MemoryAuditStore) complete(entryID int64, status audit.Status, result audit.Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return audit.ErrNotFound
	}
	if e.Status != audit.StatusPending {
		return audit.ErrAlreadyCompleted
	}

	now := time.Now().UTC()
	e.Status = status
	e.CompletedAt = &now
	e.ExecutionTimeMS = result.ExecutionTimeMS
	for _, col := range result.ColumnsAffected {
		e.ColumnsAffected = append(e.ColumnsAffected, col)
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	for k, v := range result.MetadataPatch {
		e.Metadata[k] = v
	}
	if status != audit.StatusSuccess {
		e.ErrorMessage = result.ErrorMessage
	}
	return nil
}

func (m *MemoryAuditStore) CompleteSuccess(ctx context.Context, entryID int64, result audit.Completion) error {
	return m.complete(entryID, audit.StatusSuccess, result)
}

func (m *MemoryAuditStore) CompleteFailure(ctx context.Context, entryID int64, result audit.Completion) error {
	return m.complete(entryID, audit.StatusFailed, result)
}

func (m *MemoryAuditStore) CompleteRateLimited(ctx context.Context, entryID int64, result audit.Completion) error {
	return m.complete(entryID, audit.StatusRateLimited, result)
}

func (m *MemoryAuditStore) Get(ctx context.Context, entryID int64) (*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		return nil, audit.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (m *MemoryAuditStore) LatestEntry(ctx context.Context, ref entity.Ref, serviceName string) (*audit.Entry, error) {
	latest, err := m.LatestEntries(ctx, []entity.Ref{ref}, serviceName)
	if err != nil {
		return nil, err
	}
	return latest[ref], nil
}

func (m *MemoryAuditStore) LatestEntries(ctx context.Context, refs []entity.Ref, serviceName string) (map[entity.Ref]*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[entity.Ref]bool, len(refs))
	for _, ref := range refs {
		wanted[ref] = true
	}

	out := make(map[entity.Ref]*audit.Entry, len(refs))
	for _, e := range m.sorted() {
		if e.ServiceName != serviceName || !wanted[e.Entity] {
			continue
		}
		cur, ok := out[e.Entity]
		if !ok || e.StartedAt.After(cur.StartedAt) || (e.StartedAt.Equal(cur.StartedAt) && e.ID > cur.ID) {
			copied := *e
			out[e.Entity] = &copied
		}
	}
	return out, nil
}

func (m *MemoryAuditStore) RecentSuccess(ctx context.Context, ref entity.Ref, serviceName string, within time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-within)
	for _, e := range m.entries {
		if e.Entity == ref && e.ServiceName == serviceName &&
			e.Status == audit.StatusSuccess &&
			e.CompletedAt != nil && e.CompletedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryAuditStore) CountByStatusSince(ctx context.Context, serviceName string, statuses []audit.Status, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, e := range m.entries {
		if e.ServiceName != serviceName || e.CompletedAt == nil || !e.CompletedAt.After(since) {
			continue
		}
		for _, s := range statuses {
			if e.Status == s {
				count++
				break
			}
		}
	}
	return count, nil
}

func (m *MemoryAuditStore) LastRateLimitedAt(ctx context.Context, serviceName string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, e := range m.entries {
		if e.ServiceName != serviceName || e.Status != audit.StatusRateLimited || e.CompletedAt == nil {
			continue
		}
		if latest == nil || e.CompletedAt.After(*latest) {
			t := *e.CompletedAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *MemoryAuditStore) CountCompleted(ctx context.Context, serviceName string, kind entity.Kind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, e := range m.entries {
		if e.ServiceName != serviceName || e.Status != audit.StatusSuccess {
			continue
		}
		if kind != "" && e.Entity.Kind != kind {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryAuditStore) CleanupOldLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, e := range m.entries {
		if e.Status.IsTerminal() && e.CompletedAt != nil && e.CompletedAt.Before(olderThan) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryAuditStore) sorted() []*audit.Entry {
	out := make([]*audit.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
