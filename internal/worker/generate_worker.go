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

const generatePrompt = "Evaluate the attached presentation deck. React to its content, " +
	"its business case, and its delivery as your character would. Speak directly to the presenter."

// HandleGenerate runs the first pipeline stage: produce the persona's
// evaluation text from the uploaded deck.
func (p *Pipeline) HandleGenerate(ctx context.Context, t *asynq.Task) error {
	job, task, release, err := p.beginStage(ctx, t, model.StageGenerate)
	if err != nil || task == nil {
		return err
	}
	defer release()

	per, ok := p.personas.Get(task.PersonaID)
	if !ok {
		return p.failTask(ctx, job, task, fmt.Sprintf("unknown persona %s", task.PersonaID))
	}

	task, err = p.markInFlight(ctx, job, task.ID, model.StageGenerate)
	if err != nil {
		return err
	}
	log.Printf("Task %s: generating as %s", task.ID, per.Name)

	fileID, err := p.deckFileID(ctx, job)
	if err != nil {
		return p.stageError(ctx, job, task, model.StageGenerate, err)
	}

	res, err := p.text.Generate(ctx, &client.GenerateRequest{
		Prompt:       generatePrompt,
		Instructions: per.Instructions,
		FileID:       fileID,
	})
	if err != nil {
		return p.stageError(ctx, job, task, model.StageGenerate, err)
	}

	next := model.StatusAfterGeneration(job.Flags)
	task, err = p.store.UpdateTask(ctx, task.ID, func(tk *model.Task) error {
		tk.RawOutput = res.Text
		tk.CurrentOutput = res.Text
		tk.UpstreamResponseID = res.ResponseID
		tk.Status = next
		tk.Revisions = append(tk.Revisions, model.RevisionRecord{
			Content:    res.Text,
			Prompt:     generatePrompt,
			ResponseID: res.ResponseID,
			CreatedAt:  time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	return p.advance(ctx, job, task, next)
}

// deckFileID returns the provider-side handle for the job's deck, uploading
// it on first use. Concurrent uploads can race; the first recorded id wins
// and a stray duplicate upload is harmless.
func (p *Pipeline) deckFileID(ctx context.Context, job *model.Job) (string, error) {
	if job.DeckFileID != "" {
		return job.DeckFileID, nil
	}

	data, _, err := p.storage.Download(ctx, job.DeckKey)
	if err != nil {
		return "", fmt.Errorf("failed to fetch deck: %w", err)
	}

	fileID, err := p.text.UploadFile(ctx, job.DeckFilename, data)
	if err != nil {
		return "", err
	}

	updated, err := p.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		if j.DeckFileID == "" {
			j.DeckFileID = fileID
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return updated.DeckFileID, nil
}
