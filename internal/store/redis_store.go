package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalpanel/api/internal/model"
)

// ErrNotFound is returned when a job or task does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for jobs and tasks. All mutations go
// through the Update/Check methods so that concurrent workers cannot clobber
// each other's writes.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job, tasks []*model.Task) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	ListTasks(ctx context.Context, jobID string) ([]*model.Task, error)
	UpdateJob(ctx context.Context, jobID string, fn func(*model.Job) error) (*model.Job, error)
	UpdateTask(ctx context.Context, taskID string, fn func(*model.Task) error) (*model.Task, error)
	CheckJob(ctx context.Context, jobID string, fn func(*model.Job, []*model.Task) (bool, error)) (*model.Job, []*model.Task, error)
	AcquireTaskLock(ctx context.Context, taskID, token string, ttl time.Duration) (bool, error)
	ReleaseTaskLock(ctx context.Context, taskID, token string) error
	ClearTaskLock(ctx context.Context, taskID string) error
	Ping(ctx context.Context) error
}

// RedisStore implements Store on redis. Records are JSON blobs under
// per-entity keys; a per-job list holds the task ids in persona order.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a store backed by the given redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

const (
	// CAS retry budget for optimistic transactions.
	maxTxRetries = 10
)

func jobKey(jobID string) string      { return fmt.Sprintf("evaljob:%s", jobID) }
func taskKey(taskID string) string    { return fmt.Sprintf("evaltask:%s", taskID) }
func jobTasksKey(jobID string) string { return fmt.Sprintf("evaljob:%s:tasks", jobID) }
func taskLockKey(taskID string) string {
	return fmt.Sprintf("evaltask:%s:lock", taskID)
}

// Ping checks redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// CreateJob persists a new job and its tasks in one transaction. The task id
// list is written in the given order; readers rely on it for persona
// ordering.
func (s *RedisStore) CreateJob(ctx context.Context, job *model.Job, tasks []*model.Task) error {
	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), jobData, 0)
	for _, t := range tasks {
		taskData, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		pipe.Set(ctx, taskKey(t.ID), taskData, 0)
		pipe.RPush(ctx, jobTasksKey(job.ID), t.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.getJob(ctx, s.rdb, jobID)
}

func (s *RedisStore) getJob(ctx context.Context, c redis.Cmdable, jobID string) (*model.Job, error) {
	data, err := c.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetTask retrieves a task by id.
func (s *RedisStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	return s.getTask(ctx, s.rdb, taskID)
}

func (s *RedisStore) getTask(ctx context.Context, c redis.Cmdable, taskID string) (*model.Task, error) {
	data, err := c.Get(ctx, taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// ListTasks returns a job's tasks in creation order.
func (s *RedisStore) ListTasks(ctx context.Context, jobID string) ([]*model.Task, error) {
	ids, err := s.rdb.LRange(ctx, jobTasksKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list task ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("job %s tasks: %w", jobID, ErrNotFound)
	}

	tasks := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.getTask(ctx, s.rdb, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// UpdateJob applies fn to the job under optimistic concurrency control and
// persists the result. fn returning an error aborts without writing.
func (s *RedisStore) UpdateJob(ctx context.Context, jobID string, fn func(*model.Job) error) (*model.Job, error) {
	var updated *model.Job

	txFn := func(tx *redis.Tx) error {
		job, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(jobID), data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txFn, jobKey(jobID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("job %s update contended too many times", jobID)
}

// UpdateTask applies fn to the task under optimistic concurrency control and
// persists the result.
func (s *RedisStore) UpdateTask(ctx context.Context, taskID string, fn func(*model.Task) error) (*model.Task, error) {
	var updated *model.Task

	txFn := func(tx *redis.Tx) error {
		task, err := s.getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := fn(task); err != nil {
			return err
		}
		task.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, taskKey(taskID), data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = task
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txFn, taskKey(taskID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("task %s update contended too many times", taskID)
}

// CheckJob reads the job together with all its tasks inside one watched
// transaction and applies fn. If fn reports a change, the job is persisted
// atomically with respect to every watched key, so a concurrent task write
// retries the check instead of being lost. The task set is fixed at creation,
// so the watch key list is stable.
func (s *RedisStore) CheckJob(ctx context.Context, jobID string, fn func(*model.Job, []*model.Task) (bool, error)) (*model.Job, []*model.Task, error) {
	ids, err := s.rdb.LRange(ctx, jobTasksKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list task ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("job %s tasks: %w", jobID, ErrNotFound)
	}

	watchKeys := make([]string, 0, len(ids)+1)
	watchKeys = append(watchKeys, jobKey(jobID))
	for _, id := range ids {
		watchKeys = append(watchKeys, taskKey(id))
	}

	var (
		resultJob   *model.Job
		resultTasks []*model.Task
	)

	txFn := func(tx *redis.Tx) error {
		job, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		tasks := make([]*model.Task, 0, len(ids))
		for _, id := range ids {
			t, err := s.getTask(ctx, tx, id)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}

		changed, err := fn(job, tasks)
		if err != nil {
			return err
		}
		if !changed {
			resultJob, resultTasks = job, tasks
			return nil
		}
		job.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(jobID), data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		resultJob, resultTasks = job, tasks
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txFn, watchKeys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return resultJob, resultTasks, nil
	}
	return nil, nil, fmt.Errorf("job %s completion check contended too many times", jobID)
}

// releaseLockScript deletes the lock only when the caller still holds it.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// AcquireTaskLock takes a lease on a task for the given ttl. Returns false
// when another holder already has the lease.
func (s *RedisStore) AcquireTaskLock(ctx context.Context, taskID, token string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, taskLockKey(taskID), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire task lock: %w", err)
	}
	return ok, nil
}

// ReleaseTaskLock releases a lease if the token still matches. A mismatch is
// not an error: the lease expired and someone else holds it now.
func (s *RedisStore) ReleaseTaskLock(ctx context.Context, taskID, token string) error {
	if err := releaseLockScript.Run(ctx, s.rdb, []string{taskLockKey(taskID)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release task lock: %w", err)
	}
	return nil
}

// ClearTaskLock drops a lease regardless of holder. For recovery only: once a
// task is wedged past its staleness threshold the holder is dead, and waiting
// out the full lease TTL would defeat the point of recovering.
func (s *RedisStore) ClearTaskLock(ctx context.Context, taskID string) error {
	if err := s.rdb.Del(ctx, taskLockKey(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to clear task lock: %w", err)
	}
	return nil
}
