package service

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/evalpanel/api/internal/client"
	"github.com/evalpanel/api/internal/config"
	"github.com/evalpanel/api/internal/model"
	"github.com/evalpanel/api/internal/persona"
	"github.com/evalpanel/api/internal/store"
)

// SubmitJobRequest carries a validated deck submission.
type SubmitJobRequest struct {
	Filename string
	MIMEType string
	Data     []byte
	Flags    model.JobFlags
}

// EvaluationService owns the job lifecycle: submission fan-out, status
// snapshots, and recovery of wedged or failed pathways.
type EvaluationService struct {
	store    store.Store
	storage  client.StorageClient
	enqueuer Enqueuer
	personas *persona.Registry
	notifier Notifier
	cfg      *config.PipelineConfig
}

// NewEvaluationService creates the job lifecycle service.
func NewEvaluationService(
	st store.Store,
	storage client.StorageClient,
	enq Enqueuer,
	personas *persona.Registry,
	notifier Notifier,
	cfg *config.PipelineConfig,
) *EvaluationService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &EvaluationService{
		store:    st,
		storage:  storage,
		enqueuer: enq,
		personas: personas,
		notifier: notifier,
		cfg:      cfg,
	}
}

// SubmitJob stores the deck, creates the job with one task per persona, and
// schedules generation for each pathway.
func (s *EvaluationService) SubmitJob(ctx context.Context, req *SubmitJobRequest) (*model.SubmitJobResponse, error) {
	jobID := uuid.New().String()
	now := time.Now().UTC()

	deckKey := fmt.Sprintf("decks/%s/deck%s", jobID, filepath.Ext(req.Filename))
	if _, err := s.storage.Upload(ctx, deckKey, bytes.NewReader(req.Data), req.MIMEType); err != nil {
		return nil, fmt.Errorf("failed to store deck: %w", err)
	}

	job := &model.Job{
		ID:           jobID,
		Status:       model.JobStatusProcessing,
		Flags:        req.Flags,
		DeckKey:      deckKey,
		DeckFilename: req.Filename,
		DeckMIMEType: req.MIMEType,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tasks := make([]*model.Task, 0, len(s.personas.IDs()))
	for _, pid := range s.personas.IDs() {
		tasks = append(tasks, &model.Task{
			ID:        uuid.New().String(),
			JobID:     jobID,
			PersonaID: pid,
			Status:    model.TaskStatusPendingGeneration,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := s.store.CreateJob(ctx, job, tasks); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	for _, t := range tasks {
		if err := s.enqueuer.EnqueueStage(ctx, model.StageGenerate, jobID, t.ID); err != nil {
			return nil, fmt.Errorf("failed to schedule generation: %w", err)
		}
	}

	log.Printf("Job %s submitted (%d tasks, flags %+v)", jobID, len(tasks), req.Flags)

	return &model.SubmitJobResponse{
		JobID:     jobID,
		Status:    job.Status,
		StatusURL: fmt.Sprintf("/api/evaluations/%s", jobID),
		CreatedAt: now,
	}, nil
}

// GetJob returns the caller-facing snapshot of a job and its tasks.
func (s *EvaluationService) GetJob(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	snapshot := &model.JobSnapshot{
		ID:           job.ID,
		Status:       job.Status,
		Flags:        job.Flags,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.DeckKey != "" {
		snapshot.DeckURL = s.storage.GetPublicURL(job.DeckKey)
	}
	if job.FinalVideoKey != "" {
		snapshot.FinalVideoURL = s.storage.GetPublicURL(job.FinalVideoKey)
	}

	for _, t := range tasks {
		ts := model.TaskSnapshot{
			PersonaID:        t.PersonaID,
			Status:           t.Status,
			Text:             t.CurrentOutput,
			ErrorMessage:     t.ErrorMessage,
			RevisionAttempts: t.RevisionAttempts,
			UpdatedAt:        t.UpdatedAt,
		}
		if t.AudioKey != "" {
			ts.AudioURL = s.storage.GetPublicURL(t.AudioKey)
		}
		if t.VideoKey != "" {
			ts.VideoURL = s.storage.GetPublicURL(t.VideoKey)
		}
		snapshot.Tasks = append(snapshot.Tasks, ts)
	}

	return snapshot, nil
}

// stageStaleness is the recovery threshold for a stage: how long a task may
// sit unchanged in that stage's states before it counts as wedged.
func (s *EvaluationService) stageStaleness(stage model.Stage) time.Duration {
	switch stage {
	case model.StageSynthesizeAudio:
		return s.cfg.StaleAudio
	case model.StageSynthesizeVideo:
		return s.cfg.StaleVideo
	default:
		return s.cfg.StaleGeneration
	}
}

// RecoverJob re-drives failed tasks and tasks wedged in a pending or
// in-flight state past the staleness threshold. Completed stages are never
// repeated: the resume stage is inferred from the artifacts a task already
// holds. Healthy in-progress tasks are left alone.
func (s *EvaluationService) RecoverJob(ctx context.Context, jobID string) (*model.RecoveryResult, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	result := &model.RecoveryResult{JobID: jobID, JobStatus: job.Status}
	if job.Status == model.JobStatusCompleted {
		for _, t := range tasks {
			result.Actions = append(result.Actions, model.RecoveryAction{
				TaskID: t.ID, PersonaID: t.PersonaID, Reason: "job already completed",
			})
		}
		return result, nil
	}

	now := time.Now().UTC()
	recoveredAny := false

	for _, t := range tasks {
		action := s.recoverTask(ctx, job, t, now)
		if action.Recovered {
			recoveredAny = true
		}
		result.Actions = append(result.Actions, action)
	}

	// A job stuck in concatenating past the media threshold gets its combine
	// re-driven; its tasks are already terminal. The dead run's lease is
	// dropped first so the replacement delivery is not deferred by it.
	if job.Status == model.JobStatusConcatenating && now.Sub(job.UpdatedAt) > s.cfg.StaleVideo {
		if err := s.store.ClearTaskLock(ctx, CombineLockID(jobID)); err != nil {
			return nil, fmt.Errorf("failed to clear combine lease: %w", err)
		}
		if err := s.enqueuer.EnqueueCombine(ctx, jobID); err != nil {
			return nil, fmt.Errorf("failed to reschedule combine: %w", err)
		}
		log.Printf("Job %s: combine rescheduled by recovery", jobID)
		recoveredAny = true
	}

	// Reopening any pathway reopens the job.
	if recoveredAny && job.Status == model.JobStatusFailed {
		updated, err := s.store.UpdateJob(ctx, jobID, func(j *model.Job) error {
			if j.Status == model.JobStatusFailed {
				j.Status = model.JobStatusProcessing
				j.ErrorMessage = ""
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to reopen job: %w", err)
		}
		job = updated
		s.notifier.NotifyJob(jobID, job.Status)
	}

	result.JobStatus = job.Status
	return result, nil
}

// recoverTask decides and applies the recovery action for one task.
func (s *EvaluationService) recoverTask(ctx context.Context, job *model.Job, t *model.Task, now time.Time) model.RecoveryAction {
	action := model.RecoveryAction{TaskID: t.ID, PersonaID: t.PersonaID}

	if t.Status == model.SuccessTerminalStatus(job.Flags) {
		action.Reason = "already succeeded"
		return action
	}

	var (
		stage  model.Stage
		reason string
	)

	switch {
	case t.Status == model.TaskStatusFailed:
		resume, ok := model.InferResumeStage(t, job.Flags)
		if !ok {
			action.Reason = "failed with all artifacts present; cannot infer resume stage"
			return action
		}
		stage, reason = resume, "failed task resumed"

	default:
		if gateStage, ok := model.NextStageFrom(t.Status); ok {
			// Pending in a gate state: a lost enqueue looks exactly like
			// this. Re-drive the same stage once it has sat long enough.
			if now.Sub(t.UpdatedAt) <= s.stageStaleness(gateStage) {
				action.Reason = "pending within staleness threshold"
				return action
			}
			stage, reason = gateStage, "stale pending stage re-driven"
		} else if flightStage, ok := model.InFlightStage(t.Status); ok {
			if now.Sub(t.UpdatedAt) <= s.stageStaleness(flightStage) {
				action.Reason = "in flight within staleness threshold"
				return action
			}
			// The interrupted stage never finished, so its own inputs are
			// still the right resume point.
			stage, reason = flightStage, "stale in-flight stage re-driven"
		} else {
			action.Reason = fmt.Sprintf("status %s not recoverable", t.Status)
			return action
		}
	}

	// A task wedged past its staleness threshold means its last runner died;
	// drop any lease that runner left behind, or the re-enqueued stage would
	// be deferred until the lease TTL lapses.
	if err := s.store.ClearTaskLock(ctx, t.ID); err != nil {
		action.Reason = fmt.Sprintf("lease clear failed: %v", err)
		return action
	}

	gate := model.GateStatus(stage)
	if _, err := s.store.UpdateTask(ctx, t.ID, func(task *model.Task) error {
		task.Status = gate
		task.ErrorMessage = ""
		return nil
	}); err != nil {
		action.Reason = fmt.Sprintf("reset failed: %v", err)
		return action
	}

	if err := s.enqueuer.EnqueueStage(ctx, stage, job.ID, t.ID); err != nil {
		action.Reason = fmt.Sprintf("enqueue failed: %v", err)
		return action
	}

	log.Printf("Job %s task %s: recovery re-entering %s", job.ID, t.ID, stage)
	s.notifier.NotifyTask(job.ID, t.PersonaID, gate)

	action.ResumeStage = stage
	action.Recovered = true
	action.Reason = reason
	return action
}
