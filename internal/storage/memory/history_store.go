package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/storage"
)

// HistoryStore keeps terminal job records in-memory, evicting the oldest
// record once Limit is reached.
type HistoryStore struct {
	mu      sync.RWMutex
	limit   int
	order   []string
	records map[string]capture.JobRecord
}

// NewHistoryStore constructs a HistoryStore. A non-positive limit keeps 1000 records.
func NewHistoryStore(limit int) *HistoryStore {
	if limit <= 0 {
		limit = 1000
	}
	return &HistoryStore{limit: limit, records: make(map[string]capture.JobRecord)}
}

// RecordJob stores rec, replacing any earlier record for the same job.
func (s *HistoryStore) RecordJob(_ context.Context, rec capture.JobRecord) error {
	if rec.JobID == "" {
		return errors.New("job id is required")
	}
	rec.Pages = append([]int(nil), rec.Pages...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.JobID]; !exists {
		s.order = append(s.order, rec.JobID)
		if len(s.order) > s.limit {
			delete(s.records, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.records[rec.JobID] = rec
	return nil
}

// LookupJob returns the record for jobID.
func (s *HistoryStore) LookupJob(_ context.Context, jobID string) (capture.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	if !ok {
		return capture.JobRecord{}, fmt.Errorf("job %s: %w", jobID, storage.ErrNotFound)
	}
	rec.Pages = append([]int(nil), rec.Pages...)
	return rec, nil
}
