package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Job kinds.
const (
	KindFindClosest       = "find-closest-shoemakers"
	KindTripSchedule      = "trip-schedule"
	KindUpdateWallet      = "update-wallet"
	KindAfterTripFeedback = "after-trip-feedback"
	KindSettlementRetry   = "settlement-retry"
)

var ErrJobNotFound = errors.New("job not found")

type Options struct {
	// JobID overrides the generated id.
	JobID string
	// Delay postpones the first delivery.
	Delay time.Duration
}

type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RunAt      time.Time       `json:"runAt"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Kind, j.ID, err)
	}
	return nil
}

// Queue is a durable job queue. A job exists from Enqueue until it is
// completed or canceled; Exists is the cancellation signal seen by handlers.
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload any, opts Options) (string, error)
	Exists(ctx context.Context, jobID string) (bool, error)
	Get(ctx context.Context, jobID string) (*Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// NewJobID returns a time-ordered unique id.
func NewJobID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

type RedisQueue struct {
	client *redis.Client
	name   string
	now    func() time.Time
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{client: client, name: name, now: time.Now}
}

func (q *RedisQueue) jobKey(id string) string { return "q:" + q.name + ":job:" + id }
func (q *RedisQueue) waitKey() string         { return "q:" + q.name + ":wait" }
func (q *RedisQueue) delayedKey() string      { return "q:" + q.name + ":delayed" }

func (q *RedisQueue) Enqueue(ctx context.Context, kind string, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", kind, err)
	}
	id := opts.JobID
	if id == "" {
		id = NewJobID()
	}
	now := q.now()
	job := Job{ID: id, Kind: kind, Payload: raw, EnqueuedAt: now, RunAt: now.Add(opts.Delay)}
	b, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	created, err := q.client.SetNX(ctx, q.jobKey(id), b, 0).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	if !created {
		return "", fmt.Errorf("enqueue %s: job %s already exists", kind, id)
	}
	if opts.Delay > 0 {
		err = q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: id}).Err()
	} else {
		err = q.client.LPush(ctx, q.waitKey(), id).Err()
	}
	if err != nil {
		q.client.Del(ctx, q.jobKey(id))
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return id, nil
}

func (q *RedisQueue) Exists(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (*Job, error) {
	b, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// Cancel removes the job whether it is waiting, delayed or running.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, q.jobKey(jobID))
		p.LRem(ctx, q.waitKey(), 0, jobID)
		p.ZRem(ctx, q.delayedKey(), jobID)
		return nil
	})
	return err
}

// Complete drops a finished job.
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	return q.client.Del(ctx, q.jobKey(jobID)).Err()
}

// promoteDue moves delayed jobs whose time has come onto the wait list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	until := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: until}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return err
		}
		// another worker promoted it first
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.waitKey(), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue blocks up to wait for the next job. It returns nil, nil on timeout
// or when the popped job was canceled in the meantime.
func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}
	res, err := q.client.BRPop(ctx, wait, q.waitKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job, err := q.Get(ctx, res[1])
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}
