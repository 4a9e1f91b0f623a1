package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/models"
)

const GenerationQueue = "queue:card-generation"

// Queue carries pipeline jobs from the API to the workers. Pop returns
// (nil, nil) when no job arrived within the timeout.
type Queue interface {
	Push(ctx context.Context, job *models.Job, delay time.Duration) error
	Pop(ctx context.Context, timeout time.Duration) (*models.Job, error)
}

type RedisQueue struct {
	redis *redis.Client
	name  string
	log   *logger.Logger
}

func NewRedisQueue(redisClient *redis.Client, log *logger.Logger) *RedisQueue {
	return &RedisQueue{redis: redisClient, name: GenerationQueue, log: log}
}

func (q *RedisQueue) Push(ctx context.Context, job *models.Job, delay time.Duration) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	if delay <= 0 {
		if err := q.redis.LPush(ctx, q.name, string(jobBytes)).Err(); err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		return nil
	}

	// Re-queue after backoff
	pushLater(delay, job, q.log, func(ctx context.Context) error {
		return q.redis.LPush(ctx, q.name, string(jobBytes)).Err()
	})
	return nil
}

// pushLater runs push after delay. Nobody is left to receive the error by
// then, so a failed push is logged.
func pushLater(delay time.Duration, job *models.Job, log *logger.Logger, push func(ctx context.Context) error) {
	time.AfterFunc(delay, func() {
		if err := push(context.Background()); err != nil {
			log.Error("Delayed requeue failed",
				"session_id", job.SessionID.String(),
				"attempt", job.Attempt,
				"error", err,
			)
		}
	})
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	result, err := q.redis.BLPop(ctx, timeout, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job models.Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to parse job: %w", err)
	}
	return &job, nil
}

// ChannelQueue is the in-process queue used when running without Redis.
type ChannelQueue struct {
	jobs chan *models.Job
	log  *logger.Logger
	mu   sync.Mutex
	done bool
}

func NewChannelQueue(size int, log *logger.Logger) *ChannelQueue {
	return &ChannelQueue{jobs: make(chan *models.Job, size), log: log}
}

func (q *ChannelQueue) Push(ctx context.Context, job *models.Job, delay time.Duration) error {
	cp := *job
	if delay > 0 {
		pushLater(delay, &cp, q.log, func(ctx context.Context) error { return q.send(ctx, &cp) })
		return nil
	}
	return q.send(ctx, &cp)
}

func (q *ChannelQueue) send(ctx context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return errors.New("queue closed")
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("queue full")
	}
}

func (q *ChannelQueue) Pop(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case job := <-q.jobs:
		return job, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close rejects further pushes; queued jobs can still be popped.
func (q *ChannelQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done = true
}
