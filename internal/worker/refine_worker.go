package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/evalpanel/api/internal/client"
	"github.com/evalpanel/api/internal/model"
)

// HandleRefine revises rejected text using the supervisor's feedback, then
// sends the result back to supervision.
func (p *Pipeline) HandleRefine(ctx context.Context, t *asynq.Task) error {
	job, task, release, err := p.beginStage(ctx, t, model.StageRefine)
	if err != nil || task == nil {
		return err
	}
	defer release()

	per, ok := p.personas.Get(task.PersonaID)
	if !ok {
		return p.failTask(ctx, job, task, fmt.Sprintf("unknown persona %s", task.PersonaID))
	}

	task, err = p.markInFlight(ctx, job, task.ID, model.StageRefine)
	if err != nil {
		return err
	}
	log.Printf("Task %s: refining (attempt %d of %d)",
		task.ID, task.RevisionAttempts+1, p.cfg.MaxRevisionAttempts)

	prompt := "Revise your evaluation based on this editorial feedback, staying fully in " +
		"character and within the word limit:\n\n" + task.SupervisorFeedback
	if task.SupervisorFeedback == "" {
		prompt = "Revise your evaluation to better fit your character brief and stay within " +
			"the word limit."
	}

	res, err := p.text.Generate(ctx, &client.GenerateRequest{
		Prompt:             prompt,
		Instructions:       per.Instructions,
		PreviousResponseID: task.UpstreamResponseID,
	})
	if err != nil {
		return p.stageError(ctx, job, task, model.StageRefine, err)
	}

	task, err = p.store.UpdateTask(ctx, task.ID, func(tk *model.Task) error {
		tk.CurrentOutput = res.Text
		tk.UpstreamResponseID = res.ResponseID
		tk.RevisionAttempts++
		tk.Status = model.TaskStatusPendingSupervision
		tk.Revisions = append(tk.Revisions, model.RevisionRecord{
			Content:    res.Text,
			Prompt:     prompt,
			ResponseID: res.ResponseID,
			CreatedAt:  time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	p.notifier.NotifyTask(job.ID, task.PersonaID, model.TaskStatusPendingSupervision)
	return p.enqueuer.EnqueueStage(ctx, model.StageSupervise, job.ID, task.ID)
}
