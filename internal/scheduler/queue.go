// Package scheduler queues per-subject harvest jobs and runs them on a
// bounded worker pool. Jobs carry a priority and an earliest execution time;
// rate-limited jobs are pushed back to the limit reset instead of burning the
// remaining quota.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devpulse/harvester/internal/collect"
)

// Priority orders jobs that are ready at the same time.
type Priority int

const (
	// PriorityLow runs after every ready high-priority job.
	PriorityLow Priority = iota
	// PriorityHigh runs first among ready jobs.
	PriorityHigh
)

// JobType identifies what a job collects.
type JobType string

const (
	// JobSubjectHarvest runs the full per-subject pipeline.
	JobSubjectHarvest JobType = "subject_harvest"
)

// Job is one queued unit of harvest work.
type Job struct {
	ID        string
	Type      JobType
	Subject   collect.Subject
	Priority  Priority
	NotBefore time.Time
	Attempt   int
}

// NewJob creates a harvest job for the subject.
func NewJob(jobType JobType, subject collect.Subject, priority Priority, notBefore time.Time) Job {
	return Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Subject:   subject,
		Priority:  priority,
		NotBefore: notBefore,
		Attempt:   1,
	}
}

// Queue is an in-memory priority delay queue. Dequeue delivers the
// highest-priority job whose NotBefore has passed; ties go to the job
// scheduled earliest. Delivery is at-least-once: a failed job is re-enqueued
// by the pool, and downstream dedup absorbs the re-run.
type Queue struct {
	mu     sync.Mutex
	jobs   []Job
	signal chan struct{}

	now func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Enqueue adds a job and wakes one waiting consumer.
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued jobs, ready or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Dequeue blocks until a job is ready or the context is done.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	for {
		job, ok, nextReady := q.pop()
		if ok {
			return job, nil
		}

		wait := time.Second
		if !nextReady.IsZero() {
			if until := nextReady.Sub(q.now()); until < wait && until > 0 {
				wait = until
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Job{}, ctx.Err()
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// pop removes and returns the best ready job. When none is ready it reports
// the earliest NotBefore among waiting jobs so the caller can bound its wait.
func (q *Queue) pop() (Job, bool, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	best := -1
	var nextReady time.Time
	for i, job := range q.jobs {
		if job.NotBefore.After(now) {
			if nextReady.IsZero() || job.NotBefore.Before(nextReady) {
				nextReady = job.NotBefore
			}
			continue
		}
		if best == -1 || better(job, q.jobs[best]) {
			best = i
		}
	}
	if best == -1 {
		return Job{}, false, nextReady
	}

	job := q.jobs[best]
	q.jobs = append(q.jobs[:best], q.jobs[best+1:]...)
	return job, true, time.Time{}
}

func better(a, b Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.NotBefore.Before(b.NotBefore)
}
