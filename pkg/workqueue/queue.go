/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package workqueue implements the Redis-backed priority queues that
// dispatch capture and diff jobs, with at-least-once delivery, per-job
// retry accounting and a processing set for in-flight recovery.
//
// Key layout (shared with the deployment's existing tooling):
//
//	queue:<name>            sorted set of job ids scored by priority
//	delayed:<name>          sorted set of retrying job ids scored by ready time
//	jobs:<id>               hash of job fields
//	processing:<name>       set of in-flight job ids
//	stats:<name>:completed  counter
//	stats:<name>:failed     counter
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
)

// Queue names used by the pipeline.
const (
	QueueCapture = "archive:capture"
	QueueDiff    = "archive:diff"
)

// Job is a dequeued work item.
type Job struct {
	ID        string
	Priority  int
	CreatedAt time.Time
	Retries   int
	Data      json.RawMessage
}

// Decode unmarshals the job payload into dst.
func (j *Job) Decode(dst any) error {
	if err := json.Unmarshal(j.Data, dst); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "decode job payload")
	}
	return nil
}

// Stats summarizes a queue.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Total is the sum over all states.
func (s Stats) Total() int64 {
	return s.Pending + s.Processing + s.Completed + s.Failed
}

// Queue is the process-wide Redis priority queue client.
type Queue struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New creates a queue client.
func New(rdb *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger}
}

func queueKey(name string) string      { return "queue:" + name }
func delayedKey(name string) string    { return "delayed:" + name }
func jobKey(id string) string          { return "jobs:" + id }
func processingKey(name string) string { return "processing:" + name }
func statsKey(name, kind string) string {
	return fmt.Sprintf("stats:%s:%s", name, kind)
}

// Enqueue stores the job fields and inserts the id into the queue's
// priority structure. Lower priority is more urgent; ties break in
// insertion order because the id embeds a zero-padded creation
// timestamp and the sorted set orders equal scores lexically.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload any, priority int) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "encode job payload")
	}

	now := time.Now()
	jobID := fmt.Sprintf("job:%019d:%s", now.UnixNano(), uuid.NewString()[:8])

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), map[string]any{
		"status":     "pending",
		"priority":   priority,
		"created_at": now.Unix(),
		"data":       string(data),
		"retries":    0,
	})
	pipe.ZAdd(ctx, queueKey(queue), redis.Z{Score: float64(priority), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "enqueue job on %s", queue)
	}

	q.logger.Debug("job enqueued",
		zap.String("queue", queue),
		zap.String("job_id", jobID),
		zap.Int("priority", priority))
	return jobID, nil
}

// Next atomically removes the most urgent job, moves it into the
// processing set and returns it. Retrying jobs whose delay has elapsed
// are promoted back into the priority structure first. Returns
// (nil, nil) when the queue is empty.
func (q *Queue) Next(ctx context.Context, queue string) (*Job, error) {
	if err := q.promoteDue(ctx, queue); err != nil {
		return nil, err
	}

	popped, err := q.rdb.ZPopMin(ctx, queueKey(queue), 1).Result()
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "pop job from %s", queue)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	jobID := popped[0].Member.(string)
	fields, err := q.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "load job %s", jobID)
	}
	if len(fields) == 0 {
		q.logger.Warn("popped job has no stored fields", zap.String("job_id", jobID))
		return nil, nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), "status", "processing", "started_at", time.Now().Unix())
	pipe.SAdd(ctx, processingKey(queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "claim job %s", jobID)
	}

	job := &Job{
		ID:        jobID,
		Priority:  atoi(fields["priority"], 5),
		CreatedAt: time.Unix(int64(atoi(fields["created_at"], 0)), 0),
		Retries:   atoi(fields["retries"], 0),
		Data:      json.RawMessage(fields["data"]),
	}
	return job, nil
}

// Complete marks the job done, removes it from the processing set and
// counts it.
func (q *Queue) Complete(ctx context.Context, queue, jobID string, result any) error {
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), "status", "completed", "completed_at", time.Now().Unix())
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			pipe.HSet(ctx, jobKey(jobID), "result", string(data))
		}
	}
	pipe.SRem(ctx, processingKey(queue), jobID)
	pipe.Incr(ctx, statsKey(queue, "completed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "complete job %s", jobID)
	}

	q.logger.Debug("job completed", zap.String("queue", queue), zap.String("job_id", jobID))
	return nil
}

// Fail records a job failure. When retry is true and the job has
// attempts left it is requeued with one level less urgency, becoming
// deliverable again only after retryDelay has elapsed; otherwise it is
// marked failed and counted. The job always leaves the processing set.
func (q *Queue) Fail(ctx context.Context, queue, jobID string, jobErr error, retry bool, maxRetries int, retryDelay time.Duration) error {
	retries, err := q.rdb.HGet(ctx, jobKey(jobID), "retries").Int()
	if err != nil && err != redis.Nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "read retries for job %s", jobID)
	}

	message := "unknown error"
	if jobErr != nil {
		message = jobErr.Error()
	}

	pipe := q.rdb.TxPipeline()
	if retry && retries < maxRetries {
		pipe.HIncrBy(ctx, jobKey(jobID), "retries", 1)
		pipe.HSet(ctx, jobKey(jobID), "status", "pending", "last_error", message)
		if retryDelay > 0 {
			readyAt := time.Now().Add(retryDelay)
			pipe.ZAdd(ctx, delayedKey(queue), redis.Z{
				Score:  float64(readyAt.UnixMilli()),
				Member: jobID,
			})
		} else {
			priority, perr := q.rdb.HGet(ctx, jobKey(jobID), "priority").Int()
			if perr != nil {
				priority = 5
			}
			pipe.ZAdd(ctx, queueKey(queue), redis.Z{Score: float64(priority + 1), Member: jobID})
		}

		q.logger.Info("job requeued for retry",
			zap.String("queue", queue),
			zap.String("job_id", jobID),
			zap.Int("attempt", retries+1),
			zap.Int("max_retries", maxRetries),
			zap.Duration("retry_delay", retryDelay),
			zap.String("error", message))
	} else {
		pipe.HSet(ctx, jobKey(jobID), "status", "failed", "failed_at", time.Now().Unix(), "error", message)
		pipe.Incr(ctx, statsKey(queue, "failed"))

		q.logger.Warn("job failed",
			zap.String("queue", queue),
			zap.String("job_id", jobID),
			zap.String("error", message))
	}
	pipe.SRem(ctx, processingKey(queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "fail job %s", jobID)
	}
	return nil
}

// promoteDue moves retrying jobs whose delay has elapsed back into the
// priority structure, one level less urgent than their original
// priority.
func (q *Queue) promoteDue(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "read delayed jobs for %s", queue)
	}

	for _, jobID := range due {
		priority, perr := q.rdb.HGet(ctx, jobKey(jobID), "priority").Int()
		if perr != nil {
			priority = 5
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, delayedKey(queue), jobID)
		pipe.ZAdd(ctx, queueKey(queue), redis.Z{Score: float64(priority + 1), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "promote job %s", jobID)
		}
		q.logger.Debug("delayed job promoted",
			zap.String("queue", queue),
			zap.String("job_id", jobID))
	}
	return nil
}

// Stats returns the queue's counters. Delayed retries count as pending.
func (q *Queue) Stats(ctx context.Context, queue string) (Stats, error) {
	pending, err := q.rdb.ZCard(ctx, queueKey(queue)).Result()
	if err != nil {
		return Stats{}, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "stats for %s", queue)
	}
	delayed, err := q.rdb.ZCard(ctx, delayedKey(queue)).Result()
	if err != nil {
		return Stats{}, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "stats for %s", queue)
	}
	pending += delayed
	processing, err := q.rdb.SCard(ctx, processingKey(queue)).Result()
	if err != nil {
		return Stats{}, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "stats for %s", queue)
	}
	completed, _ := q.rdb.Get(ctx, statsKey(queue, "completed")).Int64()
	failed, _ := q.rdb.Get(ctx, statsKey(queue, "failed")).Int64()

	return Stats{
		Pending:    pending,
		Processing: processing,
		Completed:  completed,
		Failed:     failed,
	}, nil
}

func atoi(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
