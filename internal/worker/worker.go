package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/evalpanel/api/internal/client"
	"github.com/evalpanel/api/internal/config"
	"github.com/evalpanel/api/internal/model"
	"github.com/evalpanel/api/internal/persona"
	"github.com/evalpanel/api/internal/service"
	"github.com/evalpanel/api/internal/store"
)

// ErrLeaseHeld is returned when a stage delivery finds its task lease taken
// by another invocation. The delivery must not be treated as done: returning
// success would consume the work item while the other holder may have died
// with the lease pinned for its full TTL. The queue retries the delivery; the
// exhaustion handler recognizes this error and leaves the task untouched,
// since the lease holder owns the outcome.
var ErrLeaseHeld = errors.New("task lease held elsewhere")

// Pipeline holds the shared dependencies of every stage handler.
type Pipeline struct {
	store     store.Store
	storage   client.StorageClient
	text      client.TextGenerator
	speech    client.SpeechSynthesizer
	video     client.VideoSynthesizer
	combiner  client.VideoCombiner
	enqueuer  service.Enqueuer
	completer service.Completer
	notifier  service.Notifier
	personas  *persona.Registry
	cfg       *config.PipelineConfig
}

// NewPipeline wires the stage handlers.
func NewPipeline(
	st store.Store,
	storage client.StorageClient,
	text client.TextGenerator,
	speech client.SpeechSynthesizer,
	video client.VideoSynthesizer,
	combiner client.VideoCombiner,
	enq service.Enqueuer,
	completer service.Completer,
	notifier service.Notifier,
	personas *persona.Registry,
	cfg *config.PipelineConfig,
) *Pipeline {
	if notifier == nil {
		notifier = service.NopNotifier{}
	}
	return &Pipeline{
		store:     st,
		storage:   storage,
		text:      text,
		speech:    speech,
		video:     video,
		combiner:  combiner,
		enqueuer:  enq,
		completer: completer,
		notifier:  notifier,
		personas:  personas,
		cfg:       cfg,
	}
}

// Register attaches every stage handler to the mux.
func (p *Pipeline) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(service.TypeGenerate, p.HandleGenerate)
	mux.HandleFunc(service.TypeSupervise, p.HandleSupervise)
	mux.HandleFunc(service.TypeRefine, p.HandleRefine)
	mux.HandleFunc(service.TypeSynthesizeAudio, p.HandleSynthesizeAudio)
	mux.HandleFunc(service.TypeSynthesizeVideo, p.HandleSynthesizeVideo)
	mux.HandleFunc(service.TypeCombine, p.HandleCombine)
}

// lockTTL returns the lease duration matching the stage's execution budget.
func (p *Pipeline) lockTTL(stage model.Stage) time.Duration {
	switch stage {
	case model.StageSynthesizeAudio:
		return p.cfg.LockTTLAudio
	case model.StageSynthesizeVideo:
		return p.cfg.LockTTLVideo
	case model.StageCombine:
		return p.cfg.LockTTLCombine
	default:
		return p.cfg.LockTTLLLM
	}
}

// inFlightStatus is the status a task holds while the stage executes.
func inFlightStatus(stage model.Stage) model.TaskStatus {
	switch stage {
	case model.StageGenerate:
		return model.TaskStatusGenerating
	case model.StageSupervise:
		return model.TaskStatusSupervising
	case model.StageRefine:
		return model.TaskStatusRefining
	case model.StageSynthesizeAudio:
		return model.TaskStatusGeneratingAudio
	case model.StageSynthesizeVideo:
		return model.TaskStatusGeneratingVideo
	}
	return ""
}

// beginStage performs the common entry sequence for a task stage: decode the
// payload, take the task lease, and check the status gate. A task in any
// other status means this delivery is a duplicate or outdated, so the stage
// is a clean no-op. Callers must invoke release when begin succeeds.
func (p *Pipeline) beginStage(ctx context.Context, t *asynq.Task, stage model.Stage) (*model.Job, *model.Task, func(), error) {
	var payload service.StagePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid %s payload: %v: %w", stage, err, asynq.SkipRetry)
	}

	token := uuid.New().String()
	acquired, err := p.store.AcquireTaskLock(ctx, payload.TaskID, token, p.lockTTL(stage))
	if err != nil {
		return nil, nil, nil, err
	}
	if !acquired {
		log.Printf("Task %s: %s deferred, lease held elsewhere", payload.TaskID, stage)
		return nil, nil, nil, fmt.Errorf("task %s: %s: %w", payload.TaskID, stage, ErrLeaseHeld)
	}
	release := func() {
		if err := p.store.ReleaseTaskLock(context.Background(), payload.TaskID, token); err != nil {
			log.Printf("Task %s: lease release failed: %v", payload.TaskID, err)
		}
	}

	job, err := p.store.GetJob(ctx, payload.JobID)
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	task, err := p.store.GetTask(ctx, payload.TaskID)
	if err != nil {
		release()
		return nil, nil, nil, err
	}

	if task.Status != model.GateStatus(stage) {
		log.Printf("Task %s: %s skipped in status %s", task.ID, stage, task.Status)
		release()
		return nil, nil, nil, nil
	}

	return job, task, release, nil
}

// markInFlight moves the task into the stage's in-flight status.
func (p *Pipeline) markInFlight(ctx context.Context, job *model.Job, taskID string, stage model.Stage) (*model.Task, error) {
	status := inFlightStatus(stage)
	task, err := p.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.notifier.NotifyTask(job.ID, task.PersonaID, status)
	return task, nil
}

// stageError routes an adapter failure. Transient errors put the task back
// on the stage's gate so the redelivery passes the precondition, then
// propagate for retry. Permanent errors fail the task immediately.
func (p *Pipeline) stageError(ctx context.Context, job *model.Job, task *model.Task, stage model.Stage, err error) error {
	if client.IsTransient(err) {
		log.Printf("Task %s: %s transient failure: %v", task.ID, stage, err)
		gate := model.GateStatus(stage)
		if _, uerr := p.store.UpdateTask(ctx, task.ID, func(t *model.Task) error {
			t.Status = gate
			return nil
		}); uerr != nil {
			log.Printf("Task %s: revert to %s failed: %v", task.ID, gate, uerr)
		}
		return err
	}
	return p.failTask(ctx, job, task, fmt.Sprintf("%s failed: %v", stage, err))
}

// failTask marks a task permanently failed, tells subscribers, and runs the
// completion check. The returned error stops asynq from retrying.
func (p *Pipeline) failTask(ctx context.Context, job *model.Job, task *model.Task, msg string) error {
	log.Printf("Task %s: %s", task.ID, msg)
	if _, err := p.store.UpdateTask(ctx, task.ID, func(t *model.Task) error {
		t.Status = model.TaskStatusFailed
		t.ErrorMessage = msg
		return nil
	}); err != nil {
		return err
	}
	p.notifier.NotifyTask(job.ID, task.PersonaID, model.TaskStatusFailed)
	p.notifier.NotifyError(job.ID, "task_failed", msg)

	if err := p.completer.CheckCompletion(ctx, job.ID); err != nil {
		log.Printf("Job %s: completion check failed: %v", job.ID, err)
	}
	return fmt.Errorf("%s: %w", msg, asynq.SkipRetry)
}

// advance moves the task to its next status and either schedules the next
// stage or, when the status is terminal, runs the completion check.
func (p *Pipeline) advance(ctx context.Context, job *model.Job, task *model.Task, next model.TaskStatus) error {
	p.notifier.NotifyTask(job.ID, task.PersonaID, next)

	if model.IsTerminal(next, job.Flags) {
		return p.completer.CheckCompletion(ctx, job.ID)
	}

	stage, ok := model.NextStageFrom(next)
	if !ok {
		return fmt.Errorf("task %s advanced to non-schedulable status %s", task.ID, next)
	}
	return p.enqueuer.EnqueueStage(ctx, stage, job.ID, task.ID)
}

// MarkTaskFailed is the retry-exhaustion path, called from the queue's error
// handler when a stage has burned through its retry budget.
func (p *Pipeline) MarkTaskFailed(ctx context.Context, jobID, taskID, msg string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("Job %s: lookup failed while recording exhaustion: %v", jobID, err)
		return
	}
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("Task %s: lookup failed while recording exhaustion: %v", taskID, err)
		return
	}
	if model.IsTerminal(task.Status, job.Flags) {
		return
	}
	// failTask's SkipRetry return value is irrelevant here.
	_ = p.failTask(ctx, job, task, msg)
}

// MarkJobFailed records a terminal job-level failure, used when the combine
// stage exhausts its retries.
func (p *Pipeline) MarkJobFailed(ctx context.Context, jobID, msg string) {
	log.Printf("Job %s: %s", jobID, msg)
	if _, err := p.store.UpdateJob(ctx, jobID, func(j *model.Job) error {
		if j.Status == model.JobStatusCompleted || j.Status == model.JobStatusFailed {
			return nil
		}
		j.Status = model.JobStatusFailed
		j.ErrorMessage = msg
		return nil
	}); err != nil {
		log.Printf("Job %s: failure record failed: %v", jobID, err)
		return
	}
	p.notifier.NotifyJob(jobID, model.JobStatusFailed)
	p.notifier.NotifyError(jobID, "job_failed", msg)
}
