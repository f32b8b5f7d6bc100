package broker

import (
	"context"
	"sync"
	"time"
)

// Store persists jobs. Implementations must make Create idempotent per dedup
// key and Complete a compare-and-set so a job turns terminal once.
type Store interface {
	// Create stores job unless a queued, processing or ready job with the same
	// dedup key exists, in which case that job is returned with created=false.
	Create(ctx context.Context, job *Job) (stored *Job, created bool, err error)
	Get(ctx context.Context, id string) (*Job, error)
	// MarkProcessing moves a queued job to processing.
	MarkProcessing(ctx context.Context, id string, at time.Time) (*Job, error)
	// Complete sets a terminal status. It returns ErrAlreadyTerminal when the
	// job already finished.
	Complete(ctx context.Context, id string, status Status, out Outcome, errMsg string, at time.Time) (*Job, error)
	// Latest returns the most recent job for a lookup key.
	Latest(ctx context.Context, lookupKey string) (*Job, error)
	// Sweep drops jobs created before cutoff and returns how many it removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	// Stalled returns queued or processing jobs last updated before cutoff.
	Stalled(ctx context.Context, cutoff time.Time) ([]*Job, error)
}

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	dedup  map[string]string
	lookup map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		dedup:  make(map[string]string),
		lookup: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := job.DedupKey()
	if id, ok := s.dedup[key]; ok {
		if existing, ok := s.jobs[id]; ok && existing.Status != StatusFailed {
			return existing.clone(), false, nil
		}
	}
	s.jobs[job.ID] = job.clone()
	s.dedup[key] = job.ID
	s.lookup[job.LookupKey()] = job.ID
	return job.clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, id string, at time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	job.Status = StatusProcessing
	job.UpdatedAt = at
	return job.clone(), nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, status Status, out Outcome, errMsg string, at time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	finish(job, status, out, errMsg, at)
	return job.clone(), nil
}

func (s *MemoryStore) Latest(_ context.Context, lookupKey string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.lookup[lookupKey]
	if !ok {
		return nil, ErrJobNotFound
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		delete(s.jobs, id)
		if s.dedup[job.DedupKey()] == id {
			delete(s.dedup, job.DedupKey())
		}
		if s.lookup[job.LookupKey()] == id {
			delete(s.lookup, job.LookupKey())
		}
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) Stalled(_ context.Context, cutoff time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, job := range s.jobs {
		if job.stalled(cutoff) {
			out = append(out, job.clone())
		}
	}
	return out, nil
}

func finish(job *Job, status Status, out Outcome, errMsg string, at time.Time) {
	job.Status = status
	job.UpdatedAt = at
	if status == StatusReady {
		job.Result = out.Result
		job.Base64 = out.Base64
		job.Error = ""
		return
	}
	job.Error = errMsg
}
