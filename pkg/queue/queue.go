// Package queue implements the admission-gated durable retry queue: an
// idempotent enqueue over durable rows, a single dispatcher draining an
// in-memory ring, and classified retry with jittered backoff. Every status
// transition is persisted before the in-memory view moves on, so a restart
// rebuilds the ring entirely from durable state.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outflow-ai/outflow/pkg/audit"
	"github.com/outflow-ai/outflow/pkg/idempotency"
	"github.com/outflow-ai/outflow/pkg/metrics"
	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/retry"
	"github.com/outflow-ai/outflow/pkg/sink"
	"github.com/outflow-ai/outflow/pkg/store"
)

var (
	// ErrJobNotFound is returned when no job exists for the given id.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotAbandonable is returned when a job has already left the
	// queued state; dispatched work cannot be cancelled mid-flight.
	ErrNotAbandonable = errors.New("only queued jobs can be abandoned")
	// ErrNotRequeueable is returned when the job is not in a terminal
	// failed or abandoned state.
	ErrNotRequeueable = errors.New("only failed or abandoned jobs can be requeued")
)

// Config controls retry scheduling.
type Config struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	IdempotencyBucket time.Duration
}

// Queue is the durable retry queue.
type Queue struct {
	cfg     Config
	store   store.Store
	sink    sink.Sink
	auditor *audit.Logger

	// afterSuccess runs once per successful dispatch, after the durable
	// status flip. The spend ledger is charged here, never at admission.
	afterSuccess func(job models.QueuedJob)

	mu   sync.Mutex
	ring ring
	seq  uint64

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Queue. afterSuccess may be nil.
func New(cfg Config, st store.Store, sk sink.Sink, auditor *audit.Logger, afterSuccess func(models.QueuedJob)) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	return &Queue{
		cfg:          cfg,
		store:        st,
		sink:         sk,
		auditor:      auditor,
		afterSuccess: afterSuccess,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start rehydrates pending durable rows into the ring and launches the
// dispatcher. Jobs found in processing state were interrupted mid-dispatch
// by a crash; they are reset to queued before entering the ring.
func (q *Queue) Start(ctx context.Context) error {
	pending, err := q.store.PendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate queue: %w", err)
	}
	for _, job := range pending {
		if job.Status == models.JobProcessing {
			job.Status = models.JobQueued
			job.ScheduledAt = time.Now().UTC()
			if err := q.store.UpdateJob(ctx, job); err != nil {
				return fmt.Errorf("rehydrate queue: %w", err)
			}
		}
		q.push(job.ID, job.ScheduledAt)
	}
	if len(pending) > 0 {
		log.Printf("queue: rehydrated %d pending jobs", len(pending))
	}

	q.wg.Add(1)
	go q.run(ctx)
	return nil
}

// Stop halts the dispatcher after the in-flight job, if any, completes.
func (q *Queue) Stop() {
	close(q.done)
	q.wg.Wait()
}

// Enqueue inserts a job under its idempotency key and returns immediately;
// dispatch happens asynchronously. A key colliding with a live or succeeded
// job suppresses the duplicate and returns the existing job with
// existing=true. A collision with a failed or abandoned job revives that
// row for a fresh attempt cycle.
func (q *Queue) Enqueue(ctx context.Context, op models.OperationKind, payload []byte, key string) (models.QueuedJob, bool, error) {
	if key == "" {
		key = idempotency.Derive(op, payload, time.Now(), q.cfg.IdempotencyBucket)
	}

	now := time.Now().UTC()
	job := models.QueuedJob{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		OperationType:  op,
		Payload:        payload,
		Status:         models.JobQueued,
		ScheduledAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	inserted, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return models.QueuedJob{}, false, fmt.Errorf("enqueue: %w", err)
	}
	if inserted {
		q.push(job.ID, job.ScheduledAt)
		return job, false, nil
	}

	existing, err := q.store.JobByKey(ctx, key)
	if err != nil {
		return models.QueuedJob{}, false, fmt.Errorf("enqueue: %w", err)
	}
	if existing == nil {
		return models.QueuedJob{}, false, fmt.Errorf("enqueue: conflicting row vanished for key %s", key)
	}

	switch existing.Status {
	case models.JobFailed, models.JobAbandoned:
		existing.Status = models.JobQueued
		existing.Attempts = 0
		existing.Payload = payload
		existing.LastError = ""
		existing.ScheduledAt = now
		if err := q.store.UpdateJob(ctx, *existing); err != nil {
			return models.QueuedJob{}, false, fmt.Errorf("enqueue: %w", err)
		}
		q.push(existing.ID, existing.ScheduledAt)
		return *existing, false, nil
	default:
		// Live or succeeded: at most one externally visible effect per key.
		return *existing, true, nil
	}
}

// Job returns the durable record for a job id.
func (q *Queue) Job(ctx context.Context, id string) (*models.QueuedJob, error) {
	job, err := q.store.JobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Abandon cancels a job that has not been dispatched yet. This is the only
// cancellation point; once dispatch begins the sink call runs to completion.
func (q *Queue) Abandon(ctx context.Context, id string) error {
	job, err := q.store.JobByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.Status != models.JobQueued {
		return ErrNotAbandonable
	}

	job.Status = models.JobAbandoned
	if err := q.store.UpdateJob(ctx, *job); err != nil {
		return fmt.Errorf("abandon: %w", err)
	}
	// The ring entry stays; the dispatcher re-reads the durable row and
	// skips anything no longer queued.
	_ = q.auditor.Log(ctx, models.DispatchRecord{
		CorrelationID:  uuid.NewString(),
		JobID:          job.ID,
		IdempotencyKey: job.IdempotencyKey,
		OperationType:  job.OperationType,
		Attempt:        job.Attempts,
		Outcome:        models.OutcomeAbandoned,
		CreatedAt:      time.Now().UTC(),
	})
	return nil
}

// Requeue revives a terminally failed or abandoned job for a fresh attempt
// cycle. Operator action, exposed through the CLI.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	job, err := q.store.JobByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.Status != models.JobFailed && job.Status != models.JobAbandoned {
		return ErrNotRequeueable
	}

	job.Status = models.JobQueued
	job.Attempts = 0
	job.LastError = ""
	job.ScheduledAt = time.Now().UTC()
	if err := q.store.UpdateJob(ctx, *job); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	q.push(job.ID, job.ScheduledAt)
	return nil
}

// push adds a pending entry to the ring and wakes the dispatcher. Safe for
// concurrent callers; enqueue never waits on dispatch.
func (q *Queue) push(id string, at time.Time) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.ring, entry{at: at, seq: q.seq, id: id})
	depth := len(q.ring)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the single dispatcher. It drains due entries sequentially; a job
// waiting out its retry delay never stalls jobs scheduled behind it.
func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var wait time.Duration = -1
		var next *entry
		if len(q.ring) > 0 {
			now := time.Now().UTC()
			if !q.ring[0].at.After(now) {
				e := heap.Pop(&q.ring).(entry)
				next = &e
				metrics.QueueDepth.Set(float64(len(q.ring)))
			} else {
				wait = q.ring[0].at.Sub(now)
			}
		}
		q.mu.Unlock()

		if next != nil {
			q.process(ctx, next.id)
			continue
		}

		if wait < 0 {
			select {
			case <-q.done:
				return
			case <-q.wake:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-q.done:
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// process runs one dispatch attempt. The durable row is re-read first: the
// ring is only a cache, and a job abandoned or revived since its entry was
// pushed must be judged by its durable status.
func (q *Queue) process(ctx context.Context, id string) {
	job, err := q.store.JobByID(ctx, id)
	if err != nil {
		log.Printf("queue: load job %s: %v, retrying shortly", id, err)
		q.push(id, time.Now().UTC().Add(5*time.Second))
		return
	}
	if job == nil || job.Status.Terminal() {
		return
	}
	if job.Status == models.JobProcessing {
		// Only a failed transition persist leaves a row processing while
		// the single dispatcher is idle; reset it like rehydration does.
		job.Status = models.JobQueued
		if err := q.store.UpdateJob(ctx, *job); err != nil {
			log.Printf("queue: recover job %s: %v, retrying shortly", id, err)
			q.push(id, time.Now().UTC().Add(5*time.Second))
			return
		}
	}
	if job.ScheduledAt.After(time.Now().UTC()) {
		// Revived with a later schedule since this entry was pushed.
		q.push(id, job.ScheduledAt)
		return
	}

	corrID := uuid.NewString()

	job.Status = models.JobProcessing
	job.Attempts++
	if err := q.store.UpdateJob(ctx, *job); err != nil {
		log.Printf("queue: mark processing %s [%s]: %v", job.ID, corrID, err)
		q.push(id, time.Now().UTC().Add(5*time.Second))
		return
	}

	start := time.Now()
	externalID, sendErr := q.sink.Send(ctx, job.OperationType, job.Payload)
	latencyMs := time.Since(start).Milliseconds()
	metrics.DispatchLatencyMs.WithLabelValues(string(job.OperationType)).Observe(float64(latencyMs))

	rec := models.DispatchRecord{
		CorrelationID:  corrID,
		JobID:          job.ID,
		IdempotencyKey: job.IdempotencyKey,
		OperationType:  job.OperationType,
		Attempt:        job.Attempts,
		LatencyMs:      latencyMs,
		CreatedAt:      time.Now().UTC(),
	}

	if sendErr == nil {
		job.Status = models.JobSucceeded
		job.ExternalID = externalID
		job.LastError = ""
		if err := q.store.UpdateJob(ctx, *job); err != nil {
			log.Printf("queue: persist success %s [%s]: %v", job.ID, corrID, err)
		}
		rec.Outcome = models.OutcomeSucceeded
		rec.ExternalID = externalID
		_ = q.auditor.Log(ctx, rec)
		metrics.DispatchTotal.WithLabelValues(models.OutcomeSucceeded).Inc()
		if q.afterSuccess != nil {
			q.afterSuccess(*job)
		}
		log.Printf("queue: job %s succeeded on attempt %d [%s]", job.ID, job.Attempts, corrID)
		return
	}

	class := retry.Classify(sendErr)
	job.LastError = sendErr.Error()

	if class == retry.ClassTransient && job.Attempts < q.cfg.MaxAttempts {
		delay := retry.Backoff(job.Attempts, q.cfg.BackoffBase, q.cfg.BackoffMax)
		job.Status = models.JobQueued
		job.ScheduledAt = time.Now().UTC().Add(delay)
		if err := q.store.UpdateJob(ctx, *job); err != nil {
			log.Printf("queue: persist retry %s [%s]: %v, retrying shortly", job.ID, corrID, err)
			q.push(job.ID, time.Now().UTC().Add(5*time.Second))
			return
		}
		q.push(job.ID, job.ScheduledAt)
		rec.Outcome = models.OutcomeTransient
		rec.Error = sendErr.Error()
		_ = q.auditor.Log(ctx, rec)
		metrics.DispatchTotal.WithLabelValues(models.OutcomeTransient).Inc()
		metrics.RetriesTotal.Inc()
		log.Printf("queue: job %s attempt %d failed (%v), retrying in %v [%s]",
			job.ID, job.Attempts, sendErr, delay.Round(time.Millisecond), corrID)
		return
	}

	job.Status = models.JobFailed
	if err := q.store.UpdateJob(ctx, *job); err != nil {
		log.Printf("queue: persist failure %s [%s]: %v", job.ID, corrID, err)
	}
	rec.Outcome = models.OutcomeFatal
	rec.Error = sendErr.Error()
	_ = q.auditor.Log(ctx, rec)
	metrics.DispatchTotal.WithLabelValues(models.OutcomeFatal).Inc()
	log.Printf("queue: job %s failed terminally after %d attempts (%s: %v) [%s]",
		job.ID, job.Attempts, class, sendErr, corrID)
}
