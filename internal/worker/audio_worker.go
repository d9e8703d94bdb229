package worker

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/evalpanel/api/internal/model"
)

// HandleSynthesizeAudio converts approved text into speech in the persona's
// voice and stores the result.
func (p *Pipeline) HandleSynthesizeAudio(ctx context.Context, t *asynq.Task) error {
	job, task, release, err := p.beginStage(ctx, t, model.StageSynthesizeAudio)
	if err != nil || task == nil {
		return err
	}
	defer release()

	per, ok := p.personas.Get(task.PersonaID)
	if !ok {
		return p.failTask(ctx, job, task, fmt.Sprintf("unknown persona %s", task.PersonaID))
	}
	if task.CurrentOutput == "" {
		return p.failTask(ctx, job, task, "no text to synthesize")
	}

	task, err = p.markInFlight(ctx, job, task.ID, model.StageSynthesizeAudio)
	if err != nil {
		return err
	}
	log.Printf("Task %s: synthesizing audio with voice %s", task.ID, per.VoiceID)

	res, err := p.speech.Synthesize(ctx, task.CurrentOutput, per.VoiceID)
	if err != nil {
		return p.stageError(ctx, job, task, model.StageSynthesizeAudio, err)
	}

	audioKey := fmt.Sprintf("jobs/%s/audio/%s.mp3", job.ID, task.PersonaID)
	if _, err := p.storage.Upload(ctx, audioKey, bytes.NewReader(res.Data), res.ContentType); err != nil {
		return p.stageError(ctx, job, task, model.StageSynthesizeAudio, err)
	}

	next := model.StatusAfterAudio(job.Flags)
	task, err = p.store.UpdateTask(ctx, task.ID, func(tk *model.Task) error {
		tk.AudioKey = audioKey
		tk.AudioContentType = res.ContentType
		tk.Status = next
		return nil
	})
	if err != nil {
		return err
	}

	return p.advance(ctx, job, task, next)
}
