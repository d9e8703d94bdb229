package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/evalpanel/api/internal/client"
	"github.com/evalpanel/api/internal/model"
)

const supervisorInstructions = "You are a strict editorial supervisor for spoken evaluation " +
	"segments. Judge the text against the persona brief it was written for: is it in character, " +
	"within the word limit, free of formatting artifacts, and suitable for direct text-to-speech? " +
	"Score each rubric dimension from 0 to 100. Approve only text that needs no further changes. " +
	"Request a restart only when the text is so far off that revising it is pointless. " +
	"When rejecting, give feedback a writer can act on in one pass."

// HandleSupervise reviews generated text and routes the task: approve it
// onward, send it back for refinement, or restart the pathway from scratch
// when quality is beyond saving.
func (p *Pipeline) HandleSupervise(ctx context.Context, t *asynq.Task) error {
	job, task, release, err := p.beginStage(ctx, t, model.StageSupervise)
	if err != nil || task == nil {
		return err
	}
	defer release()

	task, err = p.markInFlight(ctx, job, task.ID, model.StageSupervise)
	if err != nil {
		return err
	}
	log.Printf("Task %s: supervising (attempt %d)", task.ID, task.RevisionAttempts)

	res, err := p.text.Review(ctx, &client.ReviewRequest{
		Text:               task.CurrentOutput,
		Instructions:       supervisorInstructions,
		PreviousResponseID: task.SupervisorResponseID,
	})
	if err != nil {
		return p.stageError(ctx, job, task, model.StageSupervise, err)
	}

	approved := res.Approved && res.CorrectLength
	restart := !approved && res.RequestRestart && res.AverageScore < p.cfg.RestartScoreThreshold

	switch {
	case restart:
		return p.restartPathway(ctx, job, task, res)
	case approved:
		return p.approvePathway(ctx, job, task, res)
	default:
		return p.rejectPathway(ctx, job, task, res)
	}
}

// recordVerdict writes the review outcome onto the task and its newest
// history entry.
func recordVerdict(tk *model.Task, res *client.ReviewResult, status model.SupervisorStatus) {
	tk.SupervisorResponseID = res.ResponseID
	tk.SupervisorStatus = status
	tk.SupervisorFeedback = res.Feedback
	if n := len(tk.Revisions); n > 0 {
		rec := &tk.Revisions[n-1]
		approvedCopy := res.Approved && res.CorrectLength
		rec.Approved = &approvedCopy
		rec.Feedback = res.Feedback
		rec.RubricScores = res.RubricScores
		rec.AverageScore = res.AverageScore
		rec.RestartRequested = res.RequestRestart
		rec.SupervisorResponseID = res.ResponseID
	}
}

// restartPathway wipes the pathway's text state and sends it back to
// generation with a fresh conversation. The history entry stays as the
// record of the discarded attempt.
func (p *Pipeline) restartPathway(ctx context.Context, job *model.Job, task *model.Task, res *client.ReviewResult) error {
	log.Printf("Task %s: supervisor requested restart (avg score %.1f)", task.ID, res.AverageScore)

	task, err := p.store.UpdateTask(ctx, task.ID, func(tk *model.Task) error {
		recordVerdict(tk, res, model.SupervisorStatusRestartRequired)
		tk.Status = model.TaskStatusPendingGeneration
		tk.RawOutput = ""
		tk.CurrentOutput = ""
		tk.UpstreamResponseID = ""
		tk.SupervisorResponseID = ""
		tk.RevisionAttempts = 0
		return nil
	})
	if err != nil {
		return err
	}

	p.notifier.NotifyTask(job.ID, task.PersonaID, model.TaskStatusPendingGeneration)
	return p.enqueuer.EnqueueStage(ctx, model.StageGenerate, job.ID, task.ID)
}

// approvePathway locks the text in and moves the task to its post-approval
// state.
func (p *Pipeline) approvePathway(ctx context.Context, job *model.Job, task *model.Task, res *client.ReviewResult) error {
	log.Printf("Task %s: text approved", task.ID)

	next := model.StatusAfterApproval(job.Flags)
	task, err := p.store.UpdateTask(ctx, task.ID, func(tk *model.Task) error {
		recordVerdict(tk, res, model.SupervisorStatusApproved)
		tk.Status = next
		return nil
	})
	if err != nil {
		return err
	}

	return p.advance(ctx, job, task, next)
}

// rejectPathway sends the task back for refinement, or fails it when the
// revision budget is spent.
func (p *Pipeline) rejectPathway(ctx context.Context, job *model.Job, task *model.Task, res *client.ReviewResult) error {
	status := model.SupervisorStatusRejectedQuality
	if !res.CorrectLength {
		status = model.SupervisorStatusRejectedLength
	}

	if task.RevisionAttempts >= p.cfg.MaxRevisionAttempts {
		if _, err := p.store.UpdateTask(ctx, task.ID, func(tk *model.Task) error {
			recordVerdict(tk, res, status)
			return nil
		}); err != nil {
			return err
		}
		return p.failTask(ctx, job, task,
			fmt.Sprintf("revision limit reached after %d attempts", task.RevisionAttempts))
	}

	log.Printf("Task %s: revision requested (%s)", task.ID, status)
	task, err := p.store.UpdateTask(ctx, task.ID, func(tk *model.Task) error {
		recordVerdict(tk, res, status)
		tk.Status = model.TaskStatusNeedsRevision
		return nil
	})
	if err != nil {
		return err
	}

	p.notifier.NotifyTask(job.ID, task.PersonaID, model.TaskStatusNeedsRevision)
	return p.enqueuer.EnqueueStage(ctx, model.StageRefine, job.ID, task.ID)
}
