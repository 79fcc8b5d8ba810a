package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/enforcement"
)

// MemoryStorage keeps enforcement records in a map. It is intended for
// tests and single-shot CLI use.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]*enforcement.Record
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string]*enforcement.Record)}
}

// Save stores a copy of record.
func (s *MemoryStorage) Save(ctx context.Context, record *enforcement.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; ok {
		return enforcement.NewStorageError("memory", "save", fmt.Errorf("duplicate id %s", record.ID))
	}
	s.records[record.ID] = record.Clone()
	return nil
}

// Get returns a copy of one record.
func (s *MemoryStorage) Get(ctx context.Context, id string) (*enforcement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, enforcement.NewStorageError("memory", "get", fmt.Errorf("%w: %s", enforcement.ErrNotFound, id))
	}
	return record.Clone(), nil
}

// Query returns copies of matching records in timestamp order.
func (s *MemoryStorage) Query(ctx context.Context, query *enforcement.Query) ([]*enforcement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if query == nil {
		query = &enforcement.Query{}
	}

	var matched []*enforcement.Record
	for _, record := range s.records {
		if matches(record, query) {
			matched = append(matched, record)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].ID < matched[j].ID
	})
	if query.Descending {
		slices.Reverse(matched)
	}

	if query.Offset > 0 {
		if query.Offset >= len(matched) {
			return []*enforcement.Record{}, nil
		}
		matched = matched[query.Offset:]
	}
	if query.Limit > 0 && query.Limit < len(matched) {
		matched = matched[:query.Limit]
	}

	results := make([]*enforcement.Record, 0, len(matched))
	for _, record := range matched {
		results = append(results, record.Clone())
	}
	return results, nil
}

// Count returns the number of matching records.
func (s *MemoryStorage) Count(ctx context.Context, query *enforcement.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if query == nil {
		query = &enforcement.Query{}
	}
	var count int64
	for _, record := range s.records {
		if matches(record, query) {
			count++
		}
	}
	return count, nil
}

// UpdateExecution sets the execution outcome of one record.
func (s *MemoryStorage) UpdateExecution(ctx context.Context, id string, exec enforcement.Execution) error {
	return s.update("update_execution", id, func(r *enforcement.Record) {
		r.Execution = &exec
	})
}

// Approve stamps the approver of one record still pending approval.
func (s *MemoryStorage) Approve(ctx context.Context, id, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return enforcement.NewStorageError("memory", "approve", fmt.Errorf("%w: %s", enforcement.ErrNotFound, id))
	}
	if !record.RequiresApproval || record.ApprovedBy != "" {
		return enforcement.NewStorageError("memory", "approve", fmt.Errorf("%w: %s", enforcement.ErrNotPendingApproval, id))
	}
	updated := record.Clone()
	updated.ApprovedBy = by
	updated.ApprovedAt = &at
	s.records[id] = updated
	return nil
}

// UpdateRetention replaces the retention metadata of one record.
func (s *MemoryStorage) UpdateRetention(ctx context.Context, id string, retention audit.Retention) error {
	return s.update("update_retention", id, func(r *enforcement.Record) {
		r.Retention = retention
	})
}

// Delete removes records by ID.
func (s *MemoryStorage) Delete(ctx context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Close drops all records.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*enforcement.Record)
	return nil
}

func (s *MemoryStorage) update(op, id string, fn func(*enforcement.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return enforcement.NewStorageError("memory", op, fmt.Errorf("%w: %s", enforcement.ErrNotFound, id))
	}
	updated := record.Clone()
	fn(updated)
	s.records[id] = updated.Clone()
	return nil
}

func matches(r *enforcement.Record, q *enforcement.Query) bool {
	if q.SessionID != "" && r.SessionID != q.SessionID {
		return false
	}
	if q.ToolName != "" && r.ToolName != q.ToolName {
		return false
	}
	if q.Decision != "" && r.Decision != q.Decision {
		return false
	}
	if q.StartTime != nil && r.Timestamp.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && r.Timestamp.After(*q.EndTime) {
		return false
	}
	if len(q.IDs) > 0 && !slices.Contains(q.IDs, r.ID) {
		return false
	}
	if q.Archived != nil && r.IsArchived != *q.Archived {
		return false
	}
	if q.RetentionBefore != nil {
		if r.RetentionUntil == nil || !r.RetentionUntil.Before(*q.RetentionBefore) {
			return false
		}
	}
	return true
}
