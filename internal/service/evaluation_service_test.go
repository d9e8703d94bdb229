package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/evalpanel/api/internal/config"
	"github.com/evalpanel/api/internal/model"
	"github.com/evalpanel/api/internal/persona"
)

func testPipelineConfig() *config.PipelineConfig {
	return &config.PipelineConfig{
		MaxRevisionAttempts:   5,
		RestartScoreThreshold: 50,
		MaxRetryLLM:           5,
		MaxRetryAudio:         5,
		MaxRetryVideo:         3,
		MaxRetryCombine:       1,
		LockTTLLLM:            15 * time.Minute,
		LockTTLAudio:          5 * time.Minute,
		LockTTLVideo:          20 * time.Minute,
		LockTTLCombine:        30 * time.Minute,
		StaleGeneration:       90 * time.Second,
		StaleAudio:            2 * time.Minute,
		StaleVideo:            5 * time.Minute,
	}
}

func newTestEvaluationService(t *testing.T) (*EvaluationService, *fakeStore, *fakeStorage, *fakeEnqueuer) {
	t.Helper()
	personas, err := persona.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	st := newFakeStore()
	storage := newFakeStorage()
	enq := &fakeEnqueuer{}
	svc := NewEvaluationService(st, storage, enq, personas, nil, testPipelineConfig())
	return svc, st, storage, enq
}

func TestSubmitJobFansOut(t *testing.T) {
	svc, st, storage, enq := newTestEvaluationService(t)

	resp, err := svc.SubmitJob(context.Background(), &SubmitJobRequest{
		Filename: "pitch.pdf",
		MIMEType: "application/pdf",
		Data:     []byte("deck bytes"),
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if resp.Status != model.JobStatusProcessing {
		t.Errorf("status = %s, want processing", resp.Status)
	}

	job, err := st.GetJob(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if _, _, err := storage.Download(context.Background(), job.DeckKey); err != nil {
		t.Errorf("deck not stored: %v", err)
	}

	tasks, err := st.ListTasks(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.PersonaID != model.PersonaIDs[i] {
			t.Errorf("task %d persona = %s, want %s", i, task.PersonaID, model.PersonaIDs[i])
		}
		if task.Status != model.TaskStatusPendingGeneration {
			t.Errorf("task %d status = %s", i, task.Status)
		}
	}
	if len(enq.stages) != 3 {
		t.Errorf("expected 3 generate enqueues, got %v", enq.stages)
	}
	for _, s := range enq.stages {
		if !strings.HasPrefix(s, string(model.StageGenerate)+":") {
			t.Errorf("unexpected enqueue %s", s)
		}
	}
}

func TestGetJobSnapshot(t *testing.T) {
	svc, st, _, _ := newTestEvaluationService(t)

	now := time.Now().UTC()
	job := &model.Job{ID: "job-1", Status: model.JobStatusProcessing, DeckKey: "decks/job-1/deck.pdf", CreatedAt: now, UpdatedAt: now}
	tasks := []*model.Task{
		{ID: "t1", JobID: "job-1", PersonaID: model.PersonaVince, Status: model.TaskStatusVideoGenerated,
			CurrentOutput: "verdict", AudioKey: "jobs/job-1/audio/persona_1.mp3", VideoKey: "jobs/job-1/video/persona_1.mp4"},
		{ID: "t2", JobID: "job-1", PersonaID: model.PersonaElla, Status: model.TaskStatusGenerating},
		{ID: "t3", JobID: "job-1", PersonaID: model.PersonaReginald, Status: model.TaskStatusFailed, ErrorMessage: "boom"},
	}
	if err := st.CreateJob(context.Background(), job, tasks); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	snap, err := svc.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if len(snap.Tasks) != 3 {
		t.Fatalf("expected 3 task snapshots, got %d", len(snap.Tasks))
	}
	if snap.DeckURL == "" {
		t.Error("deck URL missing")
	}
	if snap.Tasks[0].AudioURL == "" || snap.Tasks[0].VideoURL == "" {
		t.Errorf("artifact URLs missing: %+v", snap.Tasks[0])
	}
	if snap.Tasks[1].AudioURL != "" {
		t.Error("in-flight task should have no audio URL")
	}
	if snap.Tasks[2].ErrorMessage != "boom" {
		t.Errorf("error message = %q", snap.Tasks[2].ErrorMessage)
	}
}

func TestRecoverJobFailedTaskResumesFromArtifacts(t *testing.T) {
	svc, st, _, enq := newTestEvaluationService(t)

	now := time.Now().UTC()
	job := &model.Job{ID: "job-1", Status: model.JobStatusProcessing, CreatedAt: now, UpdatedAt: now}
	tasks := []*model.Task{
		// Failed after audio: should resume at video synthesis, not regenerate.
		{ID: "t1", JobID: "job-1", PersonaID: model.PersonaVince, Status: model.TaskStatusFailed,
			CurrentOutput: "text", AudioKey: "a.mp3", ErrorMessage: "video timeout", UpdatedAt: now},
		// Healthy in-flight: untouched.
		{ID: "t2", JobID: "job-1", PersonaID: model.PersonaElla, Status: model.TaskStatusGenerating, UpdatedAt: now},
		// Succeeded: untouched.
		{ID: "t3", JobID: "job-1", PersonaID: model.PersonaReginald, Status: model.TaskStatusVideoGenerated,
			CurrentOutput: "text", AudioKey: "a3.mp3", VideoKey: "v3.mp4", UpdatedAt: now},
	}
	if err := st.CreateJob(context.Background(), job, tasks); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	result, err := svc.RecoverJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RecoverJob: %v", err)
	}

	byTask := map[string]model.RecoveryAction{}
	for _, a := range result.Actions {
		byTask[a.TaskID] = a
	}

	if a := byTask["t1"]; !a.Recovered || a.ResumeStage != model.StageSynthesizeVideo {
		t.Errorf("t1 action = %+v, want resume at synthesize_video", a)
	}
	if a := byTask["t2"]; a.Recovered {
		t.Errorf("t2 should be left alone: %+v", a)
	}
	if a := byTask["t3"]; a.Recovered {
		t.Errorf("t3 should be left alone: %+v", a)
	}

	task, _ := st.GetTask(context.Background(), "t1")
	if task.Status != model.TaskStatusGeneratingVideo {
		t.Errorf("t1 status = %s, want generating_video", task.Status)
	}
	if task.ErrorMessage != "" {
		t.Errorf("t1 error not cleared: %q", task.ErrorMessage)
	}
	if len(enq.stages) != 1 || !strings.HasPrefix(enq.stages[0], string(model.StageSynthesizeVideo)) {
		t.Errorf("enqueues = %v", enq.stages)
	}
}

func TestRecoverJobStaleInFlight(t *testing.T) {
	svc, st, _, enq := newTestEvaluationService(t)

	now := time.Now().UTC()
	stale := now.Add(-10 * time.Minute)
	job := &model.Job{ID: "job-1", Status: model.JobStatusProcessing, CreatedAt: stale, UpdatedAt: now}
	tasks := []*model.Task{
		{ID: "t1", JobID: "job-1", PersonaID: model.PersonaVince, Status: model.TaskStatusGeneratingAudio,
			CurrentOutput: "text", UpdatedAt: stale},
		{ID: "t2", JobID: "job-1", PersonaID: model.PersonaElla, Status: model.TaskStatusGeneratingAudio,
			CurrentOutput: "text", UpdatedAt: now},
		{ID: "t3", JobID: "job-1", PersonaID: model.PersonaReginald, Status: model.TaskStatusSupervising,
			CurrentOutput: "text", UpdatedAt: stale},
	}
	if err := st.CreateJob(context.Background(), job, tasks); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	result, err := svc.RecoverJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RecoverJob: %v", err)
	}

	byTask := map[string]model.RecoveryAction{}
	for _, a := range result.Actions {
		byTask[a.TaskID] = a
	}

	if a := byTask["t1"]; !a.Recovered || a.ResumeStage != model.StageSynthesizeAudio {
		t.Errorf("t1 action = %+v, want stale audio resumed", a)
	}
	if a := byTask["t2"]; a.Recovered {
		t.Errorf("fresh in-flight t2 should be left alone: %+v", a)
	}
	// A stale supervising task re-enters supervision itself; its text is
	// not yet approved, so skipping ahead would bypass review.
	if a := byTask["t3"]; !a.Recovered || a.ResumeStage != model.StageSupervise {
		t.Errorf("t3 action = %+v", a)
	}
	if len(enq.stages) != 2 {
		t.Errorf("enqueues = %v", enq.stages)
	}
}

func TestRecoverJobClearsDeadLease(t *testing.T) {
	svc, st, _, enq := newTestEvaluationService(t)

	now := time.Now().UTC()
	stale := now.Add(-10 * time.Minute)
	job := &model.Job{ID: "job-1", Status: model.JobStatusProcessing, CreatedAt: stale, UpdatedAt: now}
	tasks := []*model.Task{
		{ID: "t1", JobID: "job-1", PersonaID: model.PersonaVince, Status: model.TaskStatusGenerating, UpdatedAt: stale},
		{ID: "t2", JobID: "job-1", PersonaID: model.PersonaElla, Status: model.TaskStatusGenerating, UpdatedAt: now},
		{ID: "t3", JobID: "job-1", PersonaID: model.PersonaReginald, Status: model.TaskStatusGenerating, UpdatedAt: now},
	}
	if err := st.CreateJob(context.Background(), job, tasks); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	// The worker that held t1 died mid-stage with its lease still pinned.
	// Recovery must drop it, or the re-enqueued stage would be deferred
	// until the lease TTL lapses and the task would stay wedged.
	st.locks["t1"] = "crashed-worker-token"

	result, err := svc.RecoverJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RecoverJob: %v", err)
	}

	var t1 model.RecoveryAction
	for _, a := range result.Actions {
		if a.TaskID == "t1" {
			t1 = a
		}
	}
	if !t1.Recovered || t1.ResumeStage != model.StageGenerate {
		t.Errorf("t1 action = %+v, want stale generation re-driven", t1)
	}
	if _, held := st.locks["t1"]; held {
		t.Errorf("dead lease not cleared: %v", st.locks)
	}
	if len(enq.stages) != 1 || !strings.HasPrefix(enq.stages[0], string(model.StageGenerate)) {
		t.Errorf("enqueues = %v", enq.stages)
	}
}

func TestRecoverJobStaleConcatenating(t *testing.T) {
	svc, st, _, enq := newTestEvaluationService(t)

	now := time.Now().UTC()
	stale := now.Add(-10 * time.Minute)
	job := &model.Job{ID: "job-1", Status: model.JobStatusConcatenating, CreatedAt: stale, UpdatedAt: stale}
	tasks := []*model.Task{
		{ID: "t1", JobID: "job-1", PersonaID: model.PersonaVince, Status: model.TaskStatusVideoGenerated,
			CurrentOutput: "text", AudioKey: "a1.mp3", VideoKey: "v1.mp4", UpdatedAt: stale},
		{ID: "t2", JobID: "job-1", PersonaID: model.PersonaElla, Status: model.TaskStatusVideoGenerated,
			CurrentOutput: "text", AudioKey: "a2.mp3", VideoKey: "v2.mp4", UpdatedAt: stale},
		{ID: "t3", JobID: "job-1", PersonaID: model.PersonaReginald, Status: model.TaskStatusFailed, UpdatedAt: stale},
	}
	if err := st.CreateJob(context.Background(), job, tasks); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	st.locks[CombineLockID("job-1")] = "crashed-worker-token"

	if _, err := svc.RecoverJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("RecoverJob: %v", err)
	}

	if len(enq.combines) != 1 || enq.combines[0] != "job-1" {
		t.Errorf("combines = %v, want one re-drive", enq.combines)
	}
	if _, held := st.locks[CombineLockID("job-1")]; held {
		t.Errorf("dead combine lease not cleared: %v", st.locks)
	}
}

func TestRecoverJobReopensFailedJob(t *testing.T) {
	svc, st, _, _ := newTestEvaluationService(t)

	now := time.Now().UTC()
	job := &model.Job{ID: "job-1", Status: model.JobStatusFailed, ErrorMessage: AllTasksFailedMessage, CreatedAt: now, UpdatedAt: now}
	tasks := []*model.Task{
		{ID: "t1", JobID: "job-1", PersonaID: model.PersonaVince, Status: model.TaskStatusFailed, UpdatedAt: now},
		{ID: "t2", JobID: "job-1", PersonaID: model.PersonaElla, Status: model.TaskStatusFailed, UpdatedAt: now},
		{ID: "t3", JobID: "job-1", PersonaID: model.PersonaReginald, Status: model.TaskStatusFailed, UpdatedAt: now},
	}
	if err := st.CreateJob(context.Background(), job, tasks); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	result, err := svc.RecoverJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RecoverJob: %v", err)
	}
	if result.JobStatus != model.JobStatusProcessing {
		t.Errorf("job status = %s, want processing after reopening", result.JobStatus)
	}

	updated, _ := st.GetJob(context.Background(), "job-1")
	if updated.ErrorMessage != "" {
		t.Errorf("job error not cleared: %q", updated.ErrorMessage)
	}
}

func TestRecoverJobCompletedIsNoOp(t *testing.T) {
	svc, st, _, enq := newTestEvaluationService(t)

	now := time.Now().UTC()
	job := &model.Job{ID: "job-1", Status: model.JobStatusCompleted, CreatedAt: now, UpdatedAt: now}
	tasks := []*model.Task{
		{ID: "t1", JobID: "job-1", PersonaID: model.PersonaVince, Status: model.TaskStatusVideoGenerated, UpdatedAt: now},
		{ID: "t2", JobID: "job-1", PersonaID: model.PersonaElla, Status: model.TaskStatusFailed, UpdatedAt: now},
		{ID: "t3", JobID: "job-1", PersonaID: model.PersonaReginald, Status: model.TaskStatusVideoGenerated, UpdatedAt: now},
	}
	if err := st.CreateJob(context.Background(), job, tasks); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	result, err := svc.RecoverJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RecoverJob: %v", err)
	}
	for _, a := range result.Actions {
		if a.Recovered {
			t.Errorf("completed job should not recover anything: %+v", a)
		}
	}
	if len(enq.stages) != 0 || len(enq.combines) != 0 {
		t.Errorf("no enqueues expected: %v %v", enq.stages, enq.combines)
	}
}
