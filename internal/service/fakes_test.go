package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/evalpanel/api/internal/model"
	"github.com/evalpanel/api/internal/store"
)

// fakeStore is an in-memory store.Store for tests.
type fakeStore struct {
	mu    sync.Mutex
	jobs  map[string]*model.Job
	tasks map[string]*model.Task
	order map[string][]string
	locks map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:  make(map[string]*model.Job),
		tasks: make(map[string]*model.Task),
		order: make(map[string][]string),
		locks: make(map[string]string),
	}
}

func copyJob(j *model.Job) *model.Job {
	c := *j
	return &c
}

func copyTask(t *model.Task) *model.Task {
	c := *t
	c.Revisions = append([]model.RevisionRecord(nil), t.Revisions...)
	return &c
}

func (s *fakeStore) CreateJob(_ context.Context, job *model.Job, tasks []*model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	for _, t := range tasks {
		s.tasks[t.ID] = copyTask(t)
		s.order[job.ID] = append(s.order[job.ID], t.ID)
	}
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return copyJob(j), nil
}

func (s *fakeStore) GetTask(_ context.Context, taskID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return copyTask(t), nil
}

func (s *fakeStore) ListTasks(_ context.Context, jobID string) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.order[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s tasks: %w", jobID, store.ErrNotFound)
	}
	out := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyTask(s.tasks[id]))
	}
	return out, nil
}

func (s *fakeStore) UpdateJob(_ context.Context, jobID string, fn func(*model.Job) error) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	c := copyJob(j)
	if err := fn(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = c
	return copyJob(c), nil
}

func (s *fakeStore) UpdateTask(_ context.Context, taskID string, fn func(*model.Task) error) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	c := copyTask(t)
	if err := fn(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = c
	return copyTask(c), nil
}

func (s *fakeStore) CheckJob(_ context.Context, jobID string, fn func(*model.Job, []*model.Task) (bool, error)) (*model.Job, []*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	ids := s.order[jobID]
	tasks := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, copyTask(s.tasks[id]))
	}
	job := copyJob(j)
	changed, err := fn(job, tasks)
	if err != nil {
		return nil, nil, err
	}
	if changed {
		job.UpdatedAt = time.Now().UTC()
		s.jobs[jobID] = copyJob(job)
	}
	return job, tasks, nil
}

func (s *fakeStore) AcquireTaskLock(_ context.Context, taskID, token string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[taskID]; held {
		return false, nil
	}
	s.locks[taskID] = token
	return true, nil
}

func (s *fakeStore) ReleaseTaskLock(_ context.Context, taskID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[taskID] == token {
		delete(s.locks, taskID)
	}
	return nil
}

func (s *fakeStore) ClearTaskLock(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, taskID)
	return nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

// fakeEnqueuer records scheduled stages.
type fakeEnqueuer struct {
	mu       sync.Mutex
	stages   []string // "<stage>:<taskID>"
	combines []string // jobIDs
}

func (e *fakeEnqueuer) EnqueueStage(_ context.Context, stage model.Stage, _, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, fmt.Sprintf("%s:%s", stage, taskID))
	return nil
}

func (e *fakeEnqueuer) EnqueueCombine(_ context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.combines = append(e.combines, jobID)
	return nil
}

// fakeStorage is an in-memory object store.
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (s *fakeStorage) Upload(_ context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.types[key] = contentType
	return s.GetPublicURL(key), nil
}

func (s *fakeStorage) Download(_ context.Context, key string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("object %s not found", key)
	}
	return data, s.types[key], nil
}

func (s *fakeStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStorage) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return s.GetPublicURL(key), nil
}

func (s *fakeStorage) GetPublicURL(key string) string {
	return "https://cdn.test/" + key
}
