package service

import (
	"context"
	"fmt"
	"log"

	"github.com/evalpanel/api/internal/model"
	"github.com/evalpanel/api/internal/store"
)

// AllTasksFailedMessage is the job error recorded when no persona pathway
// produced a usable artifact.
const AllTasksFailedMessage = "All individual evaluations failed; nothing to deliver"

// Completer aggregates task outcomes into the job's final state.
type Completer interface {
	CheckCompletion(ctx context.Context, jobID string) error
}

// CompletionService decides when a job is done. Every task-terminal event
// calls CheckCompletion; the check runs inside a watched transaction over the
// job and all its tasks, so two racing terminal events cannot both skip the
// final transition or apply it twice.
type CompletionService struct {
	store    store.Store
	enqueuer Enqueuer
	notifier Notifier
}

// NewCompletionService creates the job completion aggregator.
func NewCompletionService(st store.Store, enq Enqueuer, notifier Notifier) *CompletionService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &CompletionService{store: st, enqueuer: enq, notifier: notifier}
}

// CheckCompletion inspects a job's tasks and, when all are terminal, moves
// the job to its final state: concatenating (then combine) when at least one
// pathway succeeded and video output is enabled, completed when output stops
// before video, failed when every pathway failed.
func (s *CompletionService) CheckCompletion(ctx context.Context, jobID string) error {
	var (
		enqueueCombine bool
		newStatus      model.JobStatus
		changed        bool
	)

	_, _, err := s.store.CheckJob(ctx, jobID, func(job *model.Job, tasks []*model.Task) (bool, error) {
		enqueueCombine = false
		changed = false

		// Only a processing job can finish; concatenating and terminal
		// states already decided.
		if job.Status != model.JobStatusProcessing && job.Status != model.JobStatusPending {
			return false, nil
		}

		successStatus := model.SuccessTerminalStatus(job.Flags)
		succeeded := 0
		for _, t := range tasks {
			if !model.IsTerminal(t.Status, job.Flags) {
				return false, nil
			}
			if t.Status == successStatus {
				succeeded++
			}
		}

		switch {
		case succeeded == 0:
			job.Status = model.JobStatusFailed
			job.ErrorMessage = AllTasksFailedMessage
		case job.Flags.SkipTTS || job.Flags.SkipTTV:
			// No video artifacts to join.
			job.Status = model.JobStatusCompleted
		default:
			job.Status = model.JobStatusConcatenating
			enqueueCombine = true
		}

		newStatus = job.Status
		changed = true
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("completion check for job %s: %w", jobID, err)
	}
	if !changed {
		return nil
	}

	log.Printf("Job %s moved to %s", jobID, newStatus)
	s.notifier.NotifyJob(jobID, newStatus)
	if newStatus == model.JobStatusFailed {
		s.notifier.NotifyError(jobID, "all_tasks_failed", AllTasksFailedMessage)
	}

	if enqueueCombine {
		if err := s.enqueuer.EnqueueCombine(ctx, jobID); err != nil {
			return fmt.Errorf("failed to schedule combine for job %s: %w", jobID, err)
		}
	}
	return nil
}
