package store

import (
	"sort"
	"sync"
	"time"
)

// Compile-time check that InMemoryStore implements JobRepo.
var _ JobRepo = (*InMemoryStore)(nil)

// InMemoryStore is a JobRepo that keeps records in process memory.
// Records do not survive a restart.
type InMemoryStore struct {
	mu   sync.Mutex
	jobs map[string]JobRecord
}

// NewInMemoryStore creates an empty in-memory job store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{jobs: make(map[string]JobRecord)}
}

func (s *InMemoryStore) InsertJobs(records []JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.jobs[r.ID] = cloneJobRecord(r)
	}
	return nil
}

func (s *InMemoryStore) GetAllJobs() ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]JobRecord, 0, len(s.jobs))
	for _, r := range s.jobs {
		records = append(records, cloneJobRecord(r))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

func (s *InMemoryStore) GetJob(id string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	r = cloneJobRecord(r)
	return &r, nil
}

func (s *InMemoryStore) UpdateJobAttempt(id string, attempt int, runAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.jobs[id]; ok {
		r.CurrentAttempt = attempt
		r.RunAfter = runAfter
		s.jobs[id] = r
	}
	return nil
}

func (s *InMemoryStore) DeleteJobs(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.jobs, id)
	}
	return nil
}

func cloneJobRecord(r JobRecord) JobRecord {
	r.Data = append([]byte(nil), r.Data...)
	r.Constraints = append([]string(nil), r.Constraints...)
	r.DependsOn = append([]string(nil), r.DependsOn...)
	return r
}
