package workflow

import (
	"sync"
	"time"
)

// HistoryStore keeps completed run results in memory with a bounded
// capacity, oldest runs evicted first.
type HistoryStore struct {
	mu       sync.RWMutex
	results  map[string]*Result
	ordering []string // execution ids, oldest first
	capacity int
}

// NewHistoryStore creates a store keeping at most capacity results. A
// non-positive capacity defaults to 1000.
func NewHistoryStore(capacity int) *HistoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &HistoryStore{
		results:  make(map[string]*Result),
		capacity: capacity,
	}
}

// Save records a run result, evicting the oldest entry when full.
func (s *HistoryStore) Save(result *Result) {
	if result == nil || result.ExecutionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[result.ExecutionID]; !exists {
		s.ordering = append(s.ordering, result.ExecutionID)
	}
	s.results[result.ExecutionID] = result
	for len(s.ordering) > s.capacity {
		oldest := s.ordering[0]
		s.ordering = s.ordering[1:]
		delete(s.results, oldest)
	}
}

// Get retrieves a run result by execution id.
func (s *HistoryStore) Get(executionID string) (*Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[executionID]
	return r, ok
}

// ListByWorkflow returns the results for a workflow, oldest first.
func (s *HistoryStore) ListByWorkflow(workflowID string) []*Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Result
	for _, id := range s.ordering {
		if r := s.results[id]; r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	return out
}

// ListByStatus returns the results with the given status, oldest first.
func (s *HistoryStore) ListByStatus(status Status) []*Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Result
	for _, id := range s.ordering {
		if r := s.results[id]; r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// ListByTimeRange returns the results started within [start, end].
func (s *HistoryStore) ListByTimeRange(start, end time.Time) []*Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Result
	for _, id := range s.ordering {
		r := s.results[id]
		if !r.StartedAt.Before(start) && !r.StartedAt.After(end) {
			out = append(out, r)
		}
	}
	return out
}

// Recent returns the most recent n results, newest first.
func (s *HistoryStore) Recent(n int) []*Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.ordering) {
		n = len(s.ordering)
	}
	out := make([]*Result, 0, n)
	for i := len(s.ordering) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.results[s.ordering[i]])
	}
	return out
}

// Len returns the number of stored results.
func (s *HistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// SuccessRate computes the fraction of stored runs that completed.
// Returns 0 when the store is empty.
func (s *HistoryStore) SuccessRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.results) == 0 {
		return 0
	}
	ok := 0
	for _, r := range s.results {
		if r.Status == StatusCompleted {
			ok++
		}
	}
	return float64(ok) / float64(len(s.results))
}

// AverageDuration computes the mean run duration across stored results.
func (s *HistoryStore) AverageDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.results) == 0 {
		return 0
	}
	var total time.Duration
	for _, r := range s.results {
		total += r.Duration
	}
	return total / time.Duration(len(s.results))
}
