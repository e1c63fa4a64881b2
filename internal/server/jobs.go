package server

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned when an assignment is already being regenerated.
var ErrBusy = errors.New("a materialization is already running for this assignment")

// JobManager tracks in-flight materializations, one per assignment.
type JobManager struct {
	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

// NewJobManager creates a new JobManager.
func NewJobManager() *JobManager {
	return &JobManager{jobs: make(map[string]context.CancelFunc)}
}

// Begin registers a job for key and returns its context and a release func.
// The context is canceled when parent is, when Cancel or CloseAll is
// called, or when the job is released.
func (m *JobManager) Begin(parent context.Context, key string) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[key]; ok {
		return nil, nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(parent)
	m.jobs[key] = cancel

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			m.mu.Lock()
			delete(m.jobs, key)
			m.mu.Unlock()
		})
	}
	return ctx, release, nil
}

// Running reports whether a job is registered for key.
func (m *JobManager) Running(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[key]
	return ok
}

// Cancel cancels the job for key, if any. The job stays registered until
// its owner releases it.
func (m *JobManager) Cancel(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.jobs[key]
	if ok {
		cancel()
	}
	return ok
}

// CloseAll cancels every running job.
func (m *JobManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.jobs {
		cancel()
	}
}
