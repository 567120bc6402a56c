package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task is the dispatch message for one review job.
type Task struct {
	JobID               string
	OwnerID             string
	RepositoryReference string
	EnqueuedAt          time.Time
}

// RedisQueue coordinates the ready list and in-flight tracking for review jobs.
type RedisQueue struct {
	client      *redis.Client
	readyKey    string
	inflightKey string
	metaPrefix  string
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:      client,
		readyKey:    "reviews:ready",
		inflightKey: "reviews:inflight",
		metaPrefix:  "reviews:task:",
	}
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// Enqueue records the task and appends its job id to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.JobID == "" {
		return fmt.Errorf("enqueue: empty job id")
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(t.JobID),
		"owner_id", t.OwnerID,
		"repository", t.RepositoryReference,
		"enqueued_at", t.EnqueuedAt.UnixMilli(),
	)
	pipe.RPush(ctx, q.readyKey, t.JobID)
	_, err := pipe.Exec(ctx)
	return err
}

// ErrTaskMetaMissing is returned by Dequeue together with ok=true when the job id was claimed
// but its task record is gone. The returned task then carries only the job id.
var ErrTaskMetaMissing = errors.New("queue: task record missing")

// Dequeue pops the oldest ready job, marks it in flight and reads its task record in one
// script. It returns ok=false when the ready list is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (Task, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().UnixMilli(), q.metaPrefix).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) == 0 {
		return Task{}, false, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	jobID, ok := fields[0].(string)
	if !ok {
		return Task{}, false, fmt.Errorf("unexpected job id type from dequeue script: %T", fields[0])
	}

	task := Task{JobID: jobID}
	if len(fields) == 1 {
		return task, true, fmt.Errorf("dequeue %s: %w", jobID, ErrTaskMetaMissing)
	}
	meta := make(map[string]string, (len(fields)-1)/2)
	for i := 1; i+1 < len(fields); i += 2 {
		k, _ := fields[i].(string)
		v, _ := fields[i+1].(string)
		meta[k] = v
	}
	task.OwnerID = meta["owner_id"]
	task.RepositoryReference = meta["repository"]
	if ms, err := strconv.ParseInt(meta["enqueued_at"], 10, 64); err == nil {
		task.EnqueuedAt = time.UnixMilli(ms)
	}
	return task, true, nil
}

// Requeue moves an in-flight job back to the tail of the ready list, keeping its task record.
func (q *RedisQueue) Requeue(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.RPush(ctx, q.readyKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Ack removes a job from in-flight tracking and drops its task record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Stale lists jobs claimed before now-olderThan that were never acked. Nothing requeues
// them: a crashed execution stays visible here until an operator intervenes.
func (q *RedisQueue) Stale(ctx context.Context, now time.Time, olderThan time.Duration, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.Add(-olderThan).UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
}

// ReadyDepth returns the number of jobs waiting to be claimed.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns the number of claimed but unacknowledged jobs.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
local out = {job}
local meta = redis.call('HGETALL', ARGV[2] .. job)
for i = 1, #meta do
  out[#out + 1] = meta[i]
end
return out
`)
