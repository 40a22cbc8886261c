package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/util"
)

// RedisQueue delivers jobs through Redis: one JSON record per job plus a
// per-device FIFO list of ready job ids. Consumers BRPOP the device list;
// re-queueing on consumer crash gives the at-least-once property.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue creates a Redis-backed job queue on an existing address.
func NewRedisQueue(addr, password string, db int) *RedisQueue {
	return &RedisQueue{
		rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
	}
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

func jobKey(id string) string         { return "JOB|" + id }
func deviceFIFOKey(mid string) string { return "JOB_FIFO|" + mid }

func (q *RedisQueue) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	if err := q.rdb.Set(ctx, jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

// AddJob queues a ready job for the device's FIFO.
func (q *RedisQueue) AddJob(ctx context.Context, machineID, username, org string, req model.JobRequest, cb *Callback, opts Options) (string, error) {
	job := &Job{
		ID:        uuid.NewString(),
		MachineID: machineID,
		Org:       org,
		Username:  username,
		Request:   req,
		Callback:  cb,
		Options:   opts,
		Ready:     true,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.saveJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.rdb.LPush(ctx, deviceFIFOKey(machineID), job.ID).Err(); err != nil {
		return "", fmt.Errorf("queueing job %s for %s: %w", job.ID, machineID, err)
	}
	util.WithDevice(machineID).Debugf("queued job %s (%d tasks)", job.ID, len(req.Tasks))
	return job.ID, nil
}

// AddPlaceholder pre-creates a not-ready job. It is not pushed to the device
// FIFO until UpdateJob marks it ready.
func (q *RedisQueue) AddPlaceholder(ctx context.Context, machineID, username, org, title string) (string, error) {
	job := &Job{
		ID:        uuid.NewString(),
		MachineID: machineID,
		Org:       org,
		Username:  username,
		Request:   model.JobRequest{Title: title},
		Options:   DefaultOptions,
		Ready:     false,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.saveJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// UpdateJob fills a placeholder's task list, marks it ready and pushes it to
// the device FIFO.
func (q *RedisQueue) UpdateJob(ctx context.Context, id string, req model.JobRequest, cb *Callback) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Ready {
		return fmt.Errorf("job %s already dispatched", id)
	}
	job.Request = req
	job.Callback = cb
	job.Ready = true
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, deviceFIFOKey(job.MachineID), job.ID).Err(); err != nil {
		return fmt.Errorf("queueing job %s for %s: %w", job.ID, job.MachineID, err)
	}
	return nil
}

// FailJob marks a job terminally failed without delivery.
func (q *RedisQueue) FailJob(ctx context.Context, id, reason string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	job.Failed = true
	job.Error = reason
	return q.saveJob(ctx, job)
}

// GetJob loads a job record by id.
func (q *RedisQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

// PendingJobs reports how many ready jobs are queued for a device. The
// reconciliation engine defers full-sync generation while jobs are in flight.
func (q *RedisQueue) PendingJobs(ctx context.Context, machineID string) (int, error) {
	n, err := q.rdb.LLen(ctx, deviceFIFOKey(machineID)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting pending jobs for %s: %w", machineID, err)
	}
	return int(n), nil
}
