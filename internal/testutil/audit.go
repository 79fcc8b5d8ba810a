// Package testutil holds helpers shared by runlok's tests.
package testutil

import (
	"context"
	"sync"

	"runlok-hq/runlok/pkg/audit"
)

// TamperStore wraps an audit.Storage and rewrites records on their way
// out, the way a direct edit of the database looks to every reader.
// Writes go to the wrapped store unchanged.
type TamperStore struct {
	audit.Storage

	mu    sync.RWMutex
	edits map[string]func(*audit.Record)
}

// NewTamperStore wraps inner.
func NewTamperStore(inner audit.Storage) *TamperStore {
	return &TamperStore{Storage: inner, edits: make(map[string]func(*audit.Record))}
}

// Tamper makes every later read of record id return it with fn applied.
func (s *TamperStore) Tamper(id string, fn func(*audit.Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits[id] = fn
}

func (s *TamperStore) apply(r *audit.Record) *audit.Record {
	if r == nil {
		return nil
	}
	s.mu.RLock()
	fn, ok := s.edits[r.ID]
	s.mu.RUnlock()
	if !ok {
		return r
	}
	edited := r.Clone()
	fn(edited)
	return edited
}

// Tail returns the newest record, edited if tampered.
func (s *TamperStore) Tail(ctx context.Context) (*audit.Record, error) {
	r, err := s.Storage.Tail(ctx)
	if err != nil {
		return nil, err
	}
	return s.apply(r), nil
}

// Query returns matching records, edited if tampered. Filters see the
// stored values.
func (s *TamperStore) Query(ctx context.Context, query *audit.Query) ([]*audit.Record, error) {
	records, err := s.Storage.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	for i, r := range records {
		records[i] = s.apply(r)
	}
	return records, nil
}

// QueryStream streams matching records, edited if tampered.
func (s *TamperStore) QueryStream(ctx context.Context, query *audit.Query) (<-chan *audit.Record, <-chan error, error) {
	in, errCh, err := s.Storage.QueryStream(ctx, query)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan *audit.Record)
	go func() {
		defer close(out)
		for r := range in {
			select {
			case out <- s.apply(r):
			case <-ctx.Done():
				for range in {
				}
				return
			}
		}
	}()
	return out, errCh, nil
}
