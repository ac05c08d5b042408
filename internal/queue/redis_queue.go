// Package queue is the at-least-once dispatch channel between submitters and
// workers. Messages carry only job identifiers; workers always re-read
// authoritative state from the job record store, and exactly-once execution
// is the store's claim responsibility, not the queue's.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"netops-console/internal/config"
)

// RedisQueue coordinates per-class ready lists and the in-flight set.
type RedisQueue struct {
	client        *redis.Client
	queueClasses  []string
	inflightKey   string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.QueueClasses, cfg.VisibilityTimeout)
}

// NewWithClient wires an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client, classes []string, visibility time.Duration) *RedisQueue {
	if len(classes) == 0 {
		classes = []string{"interactive"}
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		queueClasses:  classes,
		inflightKey:   "dispatch:inflight",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey(class string) string {
	return fmt.Sprintf("dispatch:ready:%s", class)
}

func (q *RedisQueue) classOf(class string) string {
	for _, c := range q.queueClasses {
		if c == class {
			return class
		}
	}
	return q.queueClasses[len(q.queueClasses)-1]
}

// Publish appends a job id to its class's ready list. Unknown classes fall
// into the lowest-priority list rather than vanishing.
func (q *RedisQueue) Publish(ctx context.Context, jobID, class string) error {
	if err := q.client.RPush(ctx, q.readyKey(q.classOf(class)), jobID).Err(); err != nil {
		return fmt.Errorf("publish job %s: %w", jobID, err)
	}
	return nil
}

// DequeueWithLease pops the next job id in class-priority order and moves it
// into the in-flight set with a visibility deadline. Returns "" when all
// ready lists are empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.queueClasses)+1)
	for _, c := range q.queueClasses {
		keys = append(keys, q.readyKey(c))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking. Called only once the job record
// has reached a terminal state (or the claim was lost to another worker), so
// a crash mid-execution leaves the message eligible for redelivery.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	if err := q.client.ZRem(ctx, q.inflightKey, jobID).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", jobID, err)
	}
	return nil
}

// RequeueExpired reclaims leases whose visibility deadline passed,
// re-enqueuing the ids for redelivery. Ids already claimed in the store
// resolve to AlreadyClaimed on the next delivery and are acknowledged there.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	fallback := q.readyKey(q.queueClasses[len(q.queueClasses)-1])
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, fallback, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return ids, nil
}

// Depth returns the total length of all ready lists.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.queueClasses))
	for _, c := range q.queueClasses {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(c)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
