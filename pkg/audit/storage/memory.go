package storage

import (
	"context"
	"fmt"
	"sync"

	"runlok-hq/runlok/pkg/audit"
)

// MemoryStorage keeps the chain in a slice ordered by sequence. It is
// intended for tests and single-shot CLI use.
type MemoryStorage struct {
	mu      sync.RWMutex
	records []*audit.Record
	byID    map[string]int
	claimed map[string]string // previous_record_hash -> id
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		byID:    make(map[string]int),
		claimed: make(map[string]string),
	}
}

// Append stores a copy of record.
func (s *MemoryStorage) Append(ctx context.Context, record *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[record.ID]; ok {
		return audit.NewStorageError("memory", "append", fmt.Errorf("duplicate id %s", record.ID))
	}
	if owner, ok := s.claimed[record.PreviousRecordHash]; ok {
		return audit.NewStorageError("memory", "append",
			fmt.Errorf("%w: %s already follows %s", audit.ErrChainConflict, owner, record.PreviousRecordHash))
	}
	if n := len(s.records); n > 0 && record.Sequence <= s.records[n-1].Sequence {
		return audit.NewStorageError("memory", "append",
			fmt.Errorf("%w: sequence %d is not after %d", audit.ErrChainConflict, record.Sequence, s.records[n-1].Sequence))
	}

	s.byID[record.ID] = len(s.records)
	s.claimed[record.PreviousRecordHash] = record.ID
	s.records = append(s.records, record.Clone())
	return nil
}

// Tail returns the last record or nil.
func (s *MemoryStorage) Tail(ctx context.Context) (*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		return nil, nil
	}
	return s.records[len(s.records)-1].Clone(), nil
}

// Query returns copies of matching records.
func (s *MemoryStorage) Query(ctx context.Context, query *audit.Query) ([]*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(query), nil
}

// QueryStream streams a snapshot of matching records.
func (s *MemoryStorage) QueryStream(ctx context.Context, query *audit.Query) (<-chan *audit.Record, <-chan error, error) {
	s.mu.RLock()
	snapshot := s.collect(query)
	s.mu.RUnlock()

	recordsCh := make(chan *audit.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(recordsCh)
		defer close(errCh)

		for _, record := range snapshot {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case recordsCh <- record:
			}
		}
	}()

	return recordsCh, errCh, nil
}

// Count returns the number of matching records.
func (s *MemoryStorage) Count(ctx context.Context, query *audit.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, record := range s.records {
		if matchesQuery(record, query) {
			count++
		}
	}
	return count, nil
}

// UpdateRetention replaces the retention metadata of one record.
func (s *MemoryStorage) UpdateRetention(ctx context.Context, id string, retention audit.Retention) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return audit.NewStorageError("memory", "update_retention", fmt.Errorf("%w: %s", audit.ErrNotFound, id))
	}
	updated := s.records[idx].Clone()
	updated.Retention = retention
	s.records[idx] = updated.Clone()
	return nil
}

// Delete removes records by ID.
func (s *MemoryStorage) Delete(ctx context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.byID[id]; ok {
			drop[id] = true
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}

	kept := s.records[:0]
	for _, record := range s.records {
		if drop[record.ID] {
			delete(s.claimed, record.PreviousRecordHash)
			continue
		}
		kept = append(kept, record)
	}
	s.records = kept

	s.byID = make(map[string]int, len(s.records))
	for i, record := range s.records {
		s.byID[record.ID] = i
	}
	return int64(len(drop)), nil
}

// Close drops all records.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	s.byID = make(map[string]int)
	s.claimed = make(map[string]string)
	return nil
}

// Size returns the number of stored records.
func (s *MemoryStorage) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

func (s *MemoryStorage) collect(query *audit.Query) []*audit.Record {
	if query == nil {
		query = &audit.Query{}
	}

	var matched []*audit.Record
	for _, record := range s.records {
		if matchesQuery(record, query) {
			matched = append(matched, record)
		}
	}

	if query.Descending {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	if query.Offset > 0 {
		if query.Offset >= len(matched) {
			return []*audit.Record{}
		}
		matched = matched[query.Offset:]
	}
	if query.Limit > 0 && query.Limit < len(matched) {
		matched = matched[:query.Limit]
	}

	results := make([]*audit.Record, 0, len(matched))
	for _, record := range matched {
		results = append(results, record.Clone())
	}
	return results
}

func matchesQuery(record *audit.Record, query *audit.Query) bool {
	if query == nil {
		return true
	}
	if query.StartTime != nil && record.Timestamp.Before(*query.StartTime) {
		return false
	}
	if query.EndTime != nil && record.Timestamp.After(*query.EndTime) {
		return false
	}
	if query.StartSequence > 0 && record.Sequence < query.StartSequence {
		return false
	}
	if query.EndSequence > 0 && record.Sequence > query.EndSequence {
		return false
	}
	if query.EventType != "" && record.EventType != query.EventType {
		return false
	}
	if query.Archived != nil && record.IsArchived != *query.Archived {
		return false
	}
	if query.RetentionBefore != nil {
		if record.RetentionUntil == nil || !record.RetentionUntil.Before(*query.RetentionBefore) {
			return false
		}
	}
	if len(query.IDs) > 0 {
		found := false
		for _, id := range query.IDs {
			if id == record.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
