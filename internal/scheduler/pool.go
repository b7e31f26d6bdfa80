package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/harvester/internal/collect"
	"github.com/devpulse/harvester/internal/failure"
)

// RateLimitBuffer is added past the provider's reset time before a deferred
// job runs, absorbing clock skew between us and the provider.
const RateLimitBuffer = 5 * time.Minute

// RetryPolicy controls how failed jobs are retried.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// NextDelay returns the retry delay for the given attempt, or false when the
// job has exhausted its attempts.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if len(p.Delays) == 0 {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}

	idx := attempt - 1
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx], true
}

// Handler executes one job.
type Handler func(ctx context.Context, job Job) error

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Workers     int
	RetryPolicy RetryPolicy
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if len(c.RetryPolicy.Delays) == 0 {
		c.RetryPolicy = RetryPolicy{
			MaxAttempts: 3,
			Delays:      []time.Duration{30 * time.Second, 2 * time.Minute},
		}
	}
	return c
}

// Pool dequeues jobs and executes them on a fixed number of workers. Failed
// jobs are re-enqueued according to the failure kind: rate limits reschedule
// to the reported reset, other retryable kinds back off, and non-retryable
// kinds are recorded and dropped.
type Pool struct {
	queue    *Queue
	handler  Handler
	failures *failure.Stats
	logger   *zap.Logger
	cfg      PoolConfig

	now func() time.Time
}

// NewPool creates a worker pool over the queue.
func NewPool(queue *Queue, handler Handler, failures *failure.Stats, logger *zap.Logger, cfg PoolConfig) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if failures == nil {
		failures = failure.NewStats()
	}
	return &Pool{
		queue:    queue,
		handler:  handler,
		failures: failures,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Run processes jobs until the context is done, then waits for in-flight
// jobs to finish.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		p.runJob(ctx, worker, job)
	}
}

func (p *Pool) runJob(ctx context.Context, worker int, job Job) {
	err := p.handler(ctx, job)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		// Shutdown, not a job failure. Requeue so a later run picks it up.
		p.queue.Enqueue(job)
		return
	}

	kind := failure.Classify(err)
	p.failures.Record(string(job.Type), kind)

	if kind == failure.KindRateLimit {
		retry := job
		retry.Attempt++
		retry.Priority = PriorityLow
		retry.NotBefore = p.rateLimitResume(err)
		p.queue.Enqueue(retry)
		p.logger.Info("job deferred to rate limit reset",
			zap.Int("worker", worker),
			zap.String("job", job.ID),
			zap.String("subject", job.Subject.Login),
			zap.Time("not_before", retry.NotBefore))
		return
	}

	if !failure.IsRetryable(kind) {
		p.logger.Warn("job dropped",
			zap.Int("worker", worker),
			zap.String("job", job.ID),
			zap.String("subject", job.Subject.Login),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}

	delay, ok := p.cfg.RetryPolicy.NextDelay(job.Attempt)
	if !ok {
		p.logger.Warn("job exhausted retries",
			zap.Int("worker", worker),
			zap.String("job", job.ID),
			zap.String("subject", job.Subject.Login),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}

	retry := job
	retry.Attempt++
	retry.NotBefore = p.now().Add(delay)
	p.queue.Enqueue(retry)
	p.logger.Info("job retry scheduled",
		zap.Int("worker", worker),
		zap.String("job", job.ID),
		zap.String("subject", job.Subject.Login),
		zap.String("kind", string(kind)),
		zap.Duration("delay", delay))
}

// rateLimitResume extracts the reset time carried by a rate-limit failure,
// falling back to a buffer past now when the failure does not carry one.
func (p *Pool) rateLimitResume(err error) time.Time {
	var classified *failure.Error
	if errors.As(err, &classified) && !classified.ResetAt.IsZero() {
		return classified.ResetAt.Add(RateLimitBuffer)
	}
	return p.now().Add(RateLimitBuffer)
}

// SubjectState is a subject's scheduling input at startup.
type SubjectState struct {
	Subject collect.Subject
	ResetAt time.Time
}

// Bootstrap enqueues the initial harvest job for every subject: subjects with
// no known reset, or a reset already passed, harvest immediately at high
// priority; subjects still inside a rate-limit window wait at low priority
// until shortly after the reset.
func Bootstrap(queue *Queue, subjects []SubjectState, now time.Time) {
	for _, state := range subjects {
		if state.ResetAt.IsZero() || !state.ResetAt.After(now) {
			queue.Enqueue(NewJob(JobSubjectHarvest, state.Subject, PriorityHigh, now))
			continue
		}
		queue.Enqueue(NewJob(JobSubjectHarvest, state.Subject, PriorityLow, state.ResetAt.Add(RateLimitBuffer)))
	}
}
