// Package retryqueue is an in-process stand-in for the external write-job
// scheduler (§6) that ReplicatingShard (§4.4) hands individual-replica
// write failures to. The real system's scheduler is explicitly out of
// scope; this exists only so the retry path itself is exercised.
package retryqueue

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Class distinguishes the two retry/backoff profiles the spec names:
// ordinary writes and (slower-backoff) copy operations.
type Class int

const (
	ClassWrite Class = iota
	ClassCopy
)

// Key identifies a retryable job for logging, mirroring spec.md §4.4's
// "(timeline, op, entry)" job key. Jobs are not deduplicated by Key.
type Key struct {
	Timeline string
	Op       string
	Entry    string
}

// Job is one queued retry attempt.
type Job struct {
	Key   Key
	Class Class
	Run   func(ctx context.Context) error

	attempts    int
	nextAttempt time.Time
}

// Params configures a Queue. Defaults mirror spec.md §4.4: errorLimit 25,
// errorRetryDelay 60s for writes, 900s for copies.
type Params struct {
	ErrorLimit      int
	WriteRetryDelay time.Duration
	CopyRetryDelay  time.Duration
	BadJobLogger    func(job Job, err error)
	Now             func() time.Time
}

// DefaultParams returns the spec's stated defaults, with badJobLogger set
// to a logrus-backed logger under the "bad_jobs" field, mirroring the
// spec's JsonJobLogger("bad_jobs").
func DefaultParams() Params {
	return Params{
		ErrorLimit:      25,
		WriteRetryDelay: 60 * time.Second,
		CopyRetryDelay:  900 * time.Second,
		BadJobLogger: func(job Job, err error) {
			log.WithFields(log.Fields{
				"queue":    "bad_jobs",
				"timeline": job.Key.Timeline,
				"op":       job.Key.Op,
				"attempts": job.attempts,
				"error":    err,
			}).Error("retry job exhausted errorLimit; diverted to bad-jobs log")
		},
	}
}

// Queue runs queued retry jobs on a single background goroutine, applying
// bounded retries with a fixed per-class delay and diverting exhausted
// jobs to BadJobLogger.
type Queue struct {
	params Params

	mu   sync.Mutex
	jobs []*Job

	wake      chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New constructs and starts a Queue.
func New(params Params) *Queue {
	if params.Now == nil {
		params.Now = time.Now
	}
	if params.BadJobLogger == nil {
		params.BadJobLogger = DefaultParams().BadJobLogger
	}
	var q = &Queue{
		params:    params,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue schedules run for immediate first attempt, retrying on failure
// per Class's delay until ErrorLimit is exhausted.
func (q *Queue) Enqueue(class Class, key Key, run func(ctx context.Context) error) {
	q.mu.Lock()
	q.jobs = append(q.jobs, &Job{Key: key, Class: class, Run: run, nextAttempt: q.params.Now()})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of jobs currently pending (including ones
// awaiting their backoff delay).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Shutdown stops the background worker; already-queued jobs are dropped.
func (q *Queue) Shutdown() {
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
	<-q.stoppedCh
}

func (q *Queue) delay(class Class) time.Duration {
	if class == ClassCopy {
		return q.params.CopyRetryDelay
	}
	return q.params.WriteRetryDelay
}

func (q *Queue) run() {
	defer close(q.stoppedCh)

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		var job = q.popDue()
		if job == nil {
			select {
			case <-q.stopCh:
				return
			case <-q.wake:
			case <-time.After(time.Second):
			}
			continue
		}

		var err = job.Run(context.Background())
		if err == nil {
			continue
		}

		job.attempts++
		if job.attempts >= q.params.ErrorLimit {
			q.params.BadJobLogger(*job, err)
			continue
		}

		job.nextAttempt = q.params.Now().Add(q.delay(job.Class))
		q.mu.Lock()
		q.jobs = append(q.jobs, job)
		q.mu.Unlock()
	}
}

// popDue removes and returns the first job whose backoff has elapsed, if
// any.
func (q *Queue) popDue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var now = q.params.Now()
	for i, j := range q.jobs {
		if now.Before(j.nextAttempt) {
			continue
		}
		q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
		return j
	}
	return nil
}
