package worker

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/evalpanel/api/internal/client"
	"github.com/evalpanel/api/internal/model"
)

// HandleSynthesizeVideo turns a task's audio into a talking-head video of
// its persona and stores the result.
func (p *Pipeline) HandleSynthesizeVideo(ctx context.Context, t *asynq.Task) error {
	job, task, release, err := p.beginStage(ctx, t, model.StageSynthesizeVideo)
	if err != nil || task == nil {
		return err
	}
	defer release()

	per, ok := p.personas.Get(task.PersonaID)
	if !ok {
		return p.failTask(ctx, job, task, fmt.Sprintf("unknown persona %s", task.PersonaID))
	}
	if task.AudioKey == "" {
		return p.failTask(ctx, job, task, "no audio to animate")
	}

	log.Printf("Task %s: synthesizing video for %s", task.ID, per.Name)

	audioData, audioType, err := p.storage.Download(ctx, task.AudioKey)
	if err != nil {
		return p.stageError(ctx, job, task, model.StageSynthesizeVideo, err)
	}
	if audioType == "" {
		audioType = task.AudioContentType
	}

	imageData, imageType, err := p.storage.Download(ctx, per.PortraitKey)
	if err != nil {
		return p.stageError(ctx, job, task, model.StageSynthesizeVideo, err)
	}
	if imageType == "" {
		imageType = "image/png"
	}

	res, err := p.video.Synthesize(ctx, &client.VideoRequest{
		AudioData:        audioData,
		AudioContentType: audioType,
		ImageData:        imageData,
		ImageContentType: imageType,
	})
	if err != nil {
		return p.stageError(ctx, job, task, model.StageSynthesizeVideo, err)
	}

	videoKey := fmt.Sprintf("jobs/%s/video/%s.mp4", job.ID, task.PersonaID)
	if _, err := p.storage.Upload(ctx, videoKey, bytes.NewReader(res.Data), res.ContentType); err != nil {
		return p.stageError(ctx, job, task, model.StageSynthesizeVideo, err)
	}

	task, err = p.store.UpdateTask(ctx, task.ID, func(tk *model.Task) error {
		tk.VideoKey = videoKey
		tk.VideoContentType = res.ContentType
		tk.Status = model.TaskStatusVideoGenerated
		return nil
	})
	if err != nil {
		return err
	}

	return p.advance(ctx, job, task, model.TaskStatusVideoGenerated)
}
