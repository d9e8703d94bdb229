package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/evalpanel/api/internal/client"
	"github.com/evalpanel/api/internal/model"
	"github.com/evalpanel/api/internal/service"
)

// HandleCombine joins the successful pathways' videos into the job's final
// cut, in persona order. Failed pathways are simply left out; the job
// completes as long as one video exists.
func (p *Pipeline) HandleCombine(ctx context.Context, t *asynq.Task) error {
	var payload service.CombinePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid combine payload: %v: %w", err, asynq.SkipRetry)
	}

	token := uuid.New().String()
	lockID := service.CombineLockID(payload.JobID)
	acquired, err := p.store.AcquireTaskLock(ctx, lockID, token, p.lockTTL(model.StageCombine))
	if err != nil {
		return err
	}
	if !acquired {
		log.Printf("Job %s: combine deferred, lease held elsewhere", payload.JobID)
		return fmt.Errorf("job %s: combine: %w", payload.JobID, ErrLeaseHeld)
	}
	defer func() {
		if err := p.store.ReleaseTaskLock(context.Background(), lockID, token); err != nil {
			log.Printf("Job %s: combine lease release failed: %v", payload.JobID, err)
		}
	}()

	job, err := p.store.GetJob(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusConcatenating {
		log.Printf("Job %s: combine skipped in status %s", job.ID, job.Status)
		return nil
	}

	tasks, err := p.store.ListTasks(ctx, job.ID)
	if err != nil {
		return err
	}

	var videoURLs []string
	for _, tk := range tasks {
		if tk.Status == model.TaskStatusVideoGenerated && tk.VideoKey != "" {
			videoURLs = append(videoURLs, p.storage.GetPublicURL(tk.VideoKey))
		}
	}
	if len(videoURLs) == 0 {
		p.MarkJobFailed(ctx, job.ID, "no videos available to combine")
		return fmt.Errorf("job %s has no videos to combine: %w", job.ID, asynq.SkipRetry)
	}

	log.Printf("Job %s: combining %d videos", job.ID, len(videoURLs))

	outputKey := fmt.Sprintf("jobs/%s/final.mp4", job.ID)
	res, err := p.combiner.Concatenate(ctx, &client.ConcatRequest{
		VideoURLs: videoURLs,
		OutputKey: outputKey,
	})
	if err != nil {
		if client.IsTransient(err) {
			return err
		}
		p.MarkJobFailed(ctx, job.ID, fmt.Sprintf("combine failed: %v", err))
		return fmt.Errorf("combine failed: %v: %w", err, asynq.SkipRetry)
	}

	if _, err := p.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		j.Status = model.JobStatusCompleted
		j.FinalVideoKey = outputKey
		j.ErrorMessage = ""
		return nil
	}); err != nil {
		return err
	}

	log.Printf("Job %s: completed, final video at %s", job.ID, res.OutputURL)
	p.notifier.NotifyJob(job.ID, model.JobStatusCompleted)
	return nil
}
