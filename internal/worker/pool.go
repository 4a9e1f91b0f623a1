package worker

import (
	"context"
	"sync"
	"time"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/models"
)

const (
	defaultPopTimeout = 5 * time.Second
	lockRetryDelay    = 5 * time.Second
	jobTimeout        = sessionLockTTL
)

// Processor runs one pipeline attempt for a job.
type Processor interface {
	RunPipeline(ctx context.Context, job *models.Job) error
}

type Pool struct {
	queue       Queue
	locker      Locker
	processor   Processor
	log         *logger.Logger
	workerCount int
	popTimeout  time.Duration
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

func NewPool(queue Queue, locker Locker, processor Processor, workerCount int, log *logger.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{
		queue:       queue,
		locker:      locker,
		processor:   processor,
		log:         log,
		workerCount: workerCount,
		popTimeout:  defaultPopTimeout,
		stopChan:    make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info("Started worker goroutines", "count", p.workerCount)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			p.log.Debug("Worker shutting down", "worker", id)
			return
		default:
		}

		job, err := p.queue.Pop(context.Background(), p.popTimeout)
		if err != nil {
			p.log.Warn("Queue pop failed", "worker", id, "error", err)
			p.pause(time.Second)
			continue
		}
		if job == nil {
			continue // Timeout, poll again
		}

		p.process(id, job)
	}
}

func (p *Pool) process(id int, job *models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	locked, err := p.locker.Acquire(ctx, job.SessionID)
	if err != nil || !locked {
		// Another worker is running this session; look again later.
		p.log.Debug("Session locked, deferring job", "worker", id, "session_id", job.SessionID.String())
		if pushErr := p.queue.Push(ctx, job, lockRetryDelay); pushErr != nil {
			p.log.Warn("Failed to defer locked job", "session_id", job.SessionID.String(), "error", pushErr)
		}
		return
	}
	defer p.locker.Release(context.Background(), job.SessionID)

	p.log.Info("Processing generation job", "worker", id, "session_id", job.SessionID.String(), "attempt", job.Attempt)
	if err := p.processor.RunPipeline(ctx, job); err != nil {
		p.log.Warn("Generation attempt failed", "worker", id, "session_id", job.SessionID.String(), "error", err)
	}
}

func (p *Pool) pause(d time.Duration) {
	select {
	case <-p.stopChan:
	case <-time.After(d):
	}
}
