package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/evalpanel/api/internal/config"
	"github.com/evalpanel/api/internal/model"
)

// Task type names, one per pipeline stage.
const (
	TypeGenerate        = "evaluation:generate"
	TypeSupervise       = "evaluation:supervise"
	TypeRefine          = "evaluation:refine"
	TypeSynthesizeAudio = "evaluation:synthesize_audio"
	TypeSynthesizeVideo = "evaluation:synthesize_video"
	TypeCombine         = "job:combine"
)

// Queue names. Text stages share one queue so a burst of media work cannot
// starve generation, and vice versa.
const (
	QueueLLM   = "llm"
	QueueMedia = "media"
)

// StagePayload identifies the task a stage handler should run against.
type StagePayload struct {
	JobID  string `json:"jobId"`
	TaskID string `json:"taskId"`
}

// CombinePayload identifies the job whose videos should be joined.
type CombinePayload struct {
	JobID string `json:"jobId"`
}

// CombineLockID is the lease id guarding a job's combine stage. Combine is
// job-scoped, so its lease lives in the task-lock namespace under a
// job-derived id.
func CombineLockID(jobID string) string {
	return "combine:" + jobID
}

// Enqueuer schedules pipeline stages onto the task queue.
type Enqueuer interface {
	EnqueueStage(ctx context.Context, stage model.Stage, jobID, taskID string) error
	EnqueueCombine(ctx context.Context, jobID string) error
}

// Scheduler implements Enqueuer on asynq. Each stage carries its own queue,
// retry ceiling, and execution timeout; enqueues are deduplicated so a retry
// storm cannot double-schedule the same task's stage.
type Scheduler struct {
	client *asynq.Client
	cfg    *config.PipelineConfig
}

// NewScheduler creates a scheduler around an asynq client.
func NewScheduler(client *asynq.Client, cfg *config.PipelineConfig) *Scheduler {
	return &Scheduler{client: client, cfg: cfg}
}

// StageTaskType maps a stage to its asynq task type.
func StageTaskType(stage model.Stage) (string, error) {
	switch stage {
	case model.StageGenerate:
		return TypeGenerate, nil
	case model.StageSupervise:
		return TypeSupervise, nil
	case model.StageRefine:
		return TypeRefine, nil
	case model.StageSynthesizeAudio:
		return TypeSynthesizeAudio, nil
	case model.StageSynthesizeVideo:
		return TypeSynthesizeVideo, nil
	case model.StageCombine:
		return TypeCombine, nil
	}
	return "", fmt.Errorf("no task type for stage %s", stage)
}

// stageOptions returns the queue, retry, and timeout options for a stage.
func (s *Scheduler) stageOptions(stage model.Stage) []asynq.Option {
	var (
		queue    string
		maxRetry int
		timeout  time.Duration
	)

	switch stage {
	case model.StageGenerate, model.StageSupervise, model.StageRefine:
		queue = QueueLLM
		maxRetry = s.cfg.MaxRetryLLM
		timeout = s.cfg.LockTTLLLM
	case model.StageSynthesizeAudio:
		queue = QueueMedia
		maxRetry = s.cfg.MaxRetryAudio
		timeout = s.cfg.LockTTLAudio
	case model.StageSynthesizeVideo:
		queue = QueueMedia
		maxRetry = s.cfg.MaxRetryVideo
		timeout = s.cfg.LockTTLVideo
	case model.StageCombine:
		queue = QueueMedia
		maxRetry = s.cfg.MaxRetryCombine
		timeout = s.cfg.LockTTLCombine
	}

	return []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(timeout),
		asynq.Unique(timeout),
		asynq.Retention(24 * time.Hour),
	}
}

// EnqueueStage schedules one stage run for a task.
func (s *Scheduler) EnqueueStage(ctx context.Context, stage model.Stage, jobID, taskID string) error {
	taskType, err := StageTaskType(stage)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(StagePayload{JobID: jobID, TaskID: taskID})
	if err != nil {
		return fmt.Errorf("failed to marshal stage payload: %w", err)
	}

	opts := s.stageOptions(stage)

	if _, err := s.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload), opts...); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("failed to enqueue %s for task %s: %w", taskType, taskID, err)
	}
	return nil
}

// EnqueueCombine schedules the final concatenation for a job.
func (s *Scheduler) EnqueueCombine(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(CombinePayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal combine payload: %w", err)
	}

	opts := s.stageOptions(model.StageCombine)

	if _, err := s.client.EnqueueContext(ctx, asynq.NewTask(TypeCombine, payload), opts...); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("failed to enqueue combine for job %s: %w", jobID, err)
	}
	return nil
}

// RetryDelay implements the queue's backoff policy: the n-th retry waits
// (n^4 + 15) seconds, capped at ten minutes.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	d := time.Duration(n*n*n*n+15) * time.Second
	if d > 10*time.Minute {
		return 10 * time.Minute
	}
	return d
}
