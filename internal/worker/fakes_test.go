package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/evalpanel/api/internal/client"
	"github.com/evalpanel/api/internal/config"
	"github.com/evalpanel/api/internal/model"
	"github.com/evalpanel/api/internal/persona"
	"github.com/evalpanel/api/internal/service"
	"github.com/evalpanel/api/internal/store"
)

// fakeStore is an in-memory store.Store.
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

// fakeText scripts the LLM adapter.
type fakeText struct {
	mu         sync.Mutex
	uploads    int
	generateFn func(*client.GenerateRequest) (*client.GenerateResult, error)
	reviewFn   func(*client.ReviewRequest) (*client.ReviewResult, error)
}

func (f *fakeText) UploadFile(context.Context, string, []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return fmt.Sprintf("file-%d", f.uploads), nil
}

func (f *fakeText) Generate(_ context.Context, req *client.GenerateRequest) (*client.GenerateResult, error) {
	if f.generateFn != nil {
		return f.generateFn(req)
	}
	return &client.GenerateResult{Text: "generated text", ResponseID: "resp-1"}, nil
}

func (f *fakeText) Review(_ context.Context, req *client.ReviewRequest) (*client.ReviewResult, error) {
	if f.reviewFn != nil {
		return f.reviewFn(req)
	}
	return &client.ReviewResult{Approved: true, CorrectLength: true, AverageScore: 90, ResponseID: "sup-1"}, nil
}

// fakeSpeech returns fixed audio bytes.
type fakeSpeech struct {
	err error
}

func (f *fakeSpeech) Synthesize(_ context.Context, text, voiceID string) (*client.AudioResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &client.AudioResult{Data: []byte("audio:" + voiceID), ContentType: "audio/mpeg"}, nil
}

// fakeVideo returns fixed video bytes.
type fakeVideo struct {
	err error
}

func (f *fakeVideo) Synthesize(_ context.Context, req *client.VideoRequest) (*client.VideoResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &client.VideoResult{Data: []byte("video"), ContentType: "video/mp4"}, nil
}

// fakeCombiner records concat requests.
type fakeCombiner struct {
	mu   sync.Mutex
	reqs []*client.ConcatRequest
	err  error
}

func (f *fakeCombiner) Concatenate(_ context.Context, req *client.ConcatRequest) (*client.ConcatResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &client.ConcatResult{OutputURL: "https://cdn.test/" + req.OutputKey}, nil
}

func (f *fakeCombiner) HealthCheck(context.Context) error { return nil }

// fakeEnqueuer records scheduled stages.
type fakeEnqueuer struct {
	mu       sync.Mutex
	stages   []string
	combines []string
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

// fakeCompleter counts completion checks.
type fakeCompleter struct {
	mu     sync.Mutex
	checks []string
}

func (c *fakeCompleter) CheckCompletion(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, jobID)
	return nil
}

type testEnv struct {
	pipeline *Pipeline
	store    *fakeStore
	storage  *fakeStorage
	text     *fakeText
	speech   *fakeSpeech
	video    *fakeVideo
	combiner *fakeCombiner
	enqueuer *fakeEnqueuer
	complete *fakeCompleter
	personas *persona.Registry
	cfg      *config.PipelineConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	personas, err := persona.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	env := &testEnv{
		store:    newFakeStore(),
		storage:  newFakeStorage(),
		text:     &fakeText{},
		speech:   &fakeSpeech{},
		video:    &fakeVideo{},
		combiner: &fakeCombiner{},
		enqueuer: &fakeEnqueuer{},
		complete: &fakeCompleter{},
	}
	env.personas = personas
	env.cfg = &config.PipelineConfig{
		MaxRevisionAttempts:   5,
		RestartScoreThreshold: 50,
		LockTTLLLM:            15 * time.Minute,
		LockTTLAudio:          5 * time.Minute,
		LockTTLVideo:          20 * time.Minute,
		LockTTLCombine:        30 * time.Minute,
	}
	env.pipeline = NewPipeline(
		env.store, env.storage,
		env.text, env.speech, env.video, env.combiner,
		env.enqueuer, env.complete, nil, env.personas, env.cfg,
	)
	return env
}

func (env *testEnv) seedJob(t *testing.T, flags model.JobFlags, statuses ...model.TaskStatus) (*model.Job, []*model.Task) {
	t.Helper()
	now := time.Now().UTC()
	job := &model.Job{
		ID:           "job-1",
		Status:       model.JobStatusProcessing,
		Flags:        flags,
		DeckKey:      "decks/job-1/deck.pdf",
		DeckFilename: "deck.pdf",
		DeckMIMEType: "application/pdf",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tasks := make([]*model.Task, 0, len(statuses))
	for i, status := range statuses {
		tasks = append(tasks, &model.Task{
			ID:        fmt.Sprintf("task-%d", i+1),
			JobID:     job.ID,
			PersonaID: model.PersonaIDs[i],
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := env.store.CreateJob(context.Background(), job, tasks); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	env.storage.mu.Lock()
	env.storage.objects[job.DeckKey] = []byte("deck bytes")
	env.storage.types[job.DeckKey] = "application/pdf"
	env.storage.objects["personas/vince.png"] = []byte("png")
	env.storage.objects["personas/ella.png"] = []byte("png")
	env.storage.objects["personas/reginald.png"] = []byte("png")
	env.storage.mu.Unlock()
	return job, tasks
}

func stageTask(t *testing.T, taskType, jobID, taskID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(service.StagePayload{JobID: jobID, TaskID: taskID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(taskType, payload)
}

func combineTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(service.CombinePayload{JobID: jobID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(service.TypeCombine, payload)
}
