package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/retry"
	"github.com/outflow-ai/outflow/pkg/store"
)

// fakeSink returns scripted errors in order, then succeeds.
type fakeSink struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	lastOp models.OperationKind
}

func (f *fakeSink) Send(ctx context.Context, op models.OperationKind, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastOp = op
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return "ext-1", nil
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		MaxAttempts: 4,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}
}

func setup(t *testing.T, cfg Config, sk *fakeSink, afterSuccess func(models.QueuedJob)) (*Queue, *store.SQLiteStore) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "queue_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	q := New(cfg, st, sk, nil, afterSuccess)
	return q, st
}

func start(t *testing.T, q *Queue) {
	t.Helper()
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(q.Stop)
}

func waitForStatus(t *testing.T, st *store.SQLiteStore, id string, want models.JobStatus) models.QueuedJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.JobByID(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if job != nil && job.Status == want {
			return *job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := st.JobByID(context.Background(), id)
	t.Fatalf("job %s never reached %s, last seen %+v", id, want, job)
	return models.QueuedJob{}
}

func TestDispatchSucceeds(t *testing.T) {
	sk := &fakeSink{}
	var hooked []models.QueuedJob
	var mu sync.Mutex
	q, st := setup(t, testConfig(), sk, func(j models.QueuedJob) {
		mu.Lock()
		hooked = append(hooked, j)
		mu.Unlock()
	})
	start(t, q)

	job, existing, err := q.Enqueue(context.Background(), models.OpPublishPost, []byte(`{"text":"hi"}`), "")
	if err != nil {
		t.Fatal(err)
	}
	if existing {
		t.Fatal("fresh enqueue reported existing")
	}

	done := waitForStatus(t, st, job.ID, models.JobSucceeded)
	if done.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", done.Attempts)
	}
	if done.ExternalID != "ext-1" {
		t.Errorf("expected external id recorded, got %q", done.ExternalID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hooked) != 1 {
		t.Errorf("expected afterSuccess to fire once, got %d", len(hooked))
	}
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	sk := &fakeSink{errs: []error{
		&retry.HTTPStatusError{StatusCode: 503},
		&retry.HTTPStatusError{StatusCode: 429},
		&retry.HTTPStatusError{StatusCode: 500},
	}}
	q, st := setup(t, testConfig(), sk, nil)
	start(t, q)

	job, _, err := q.Enqueue(context.Background(), models.OpGenerateContent, []byte(`{"prompt":"x"}`), "")
	if err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, st, job.ID, models.JobSucceeded)
	if done.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", done.Attempts)
	}
	if got := sk.callCount(); got != 4 {
		t.Errorf("expected 4 sink calls, got %d", got)
	}
}

func TestFatalFailureIsTerminal(t *testing.T) {
	sk := &fakeSink{errs: []error{&retry.HTTPStatusError{StatusCode: 400}}}
	q, st := setup(t, testConfig(), sk, nil)
	start(t, q)

	job, _, err := q.Enqueue(context.Background(), models.OpPublishPost, []byte(`{"text":"bad"}`), "")
	if err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, st, job.ID, models.JobFailed)
	if done.Attempts != 1 {
		t.Errorf("fatal failure should not consume retries, got %d attempts", done.Attempts)
	}
	if done.LastError == "" {
		t.Error("expected last error recorded")
	}
	if got := sk.callCount(); got != 1 {
		t.Errorf("expected 1 sink call, got %d", got)
	}
}

func TestAttemptsExhausted(t *testing.T) {
	sk := &fakeSink{errs: []error{
		&retry.HTTPStatusError{StatusCode: 503},
		&retry.HTTPStatusError{StatusCode: 503},
	}}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	q, st := setup(t, cfg, sk, nil)
	start(t, q)

	job, _, err := q.Enqueue(context.Background(), models.OpPublishPost, []byte(`{}`), "")
	if err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, st, job.ID, models.JobFailed)
	if done.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", done.Attempts)
	}
}

func TestEnqueueSuppressesDuplicates(t *testing.T) {
	sk := &fakeSink{}
	q, _ := setup(t, testConfig(), sk, nil)
	// Dispatcher not started: both calls observe the queued row.

	first, existing, err := q.Enqueue(context.Background(), models.OpPublishPost, []byte(`{"text":"hi","channel":"x"}`), "")
	if err != nil {
		t.Fatal(err)
	}
	if existing {
		t.Fatal("first enqueue reported existing")
	}

	// Same payload with reordered keys derives the same key.
	second, existing, err := q.Enqueue(context.Background(), models.OpPublishPost, []byte(`{"channel":"x","text":"hi"}`), "")
	if err != nil {
		t.Fatal(err)
	}
	if !existing {
		t.Fatal("duplicate enqueue not suppressed")
	}
	if second.ID != first.ID {
		t.Errorf("expected the original job back, got %s vs %s", second.ID, first.ID)
	}
}

func TestEnqueueWithCallerKey(t *testing.T) {
	sk := &fakeSink{}
	q, _ := setup(t, testConfig(), sk, nil)

	_, existing, err := q.Enqueue(context.Background(), models.OpPublishPost, []byte(`{"a":1}`), "caller-key")
	if err != nil || existing {
		t.Fatalf("unexpected: existing=%v err=%v", existing, err)
	}
	_, existing, err = q.Enqueue(context.Background(), models.OpPublishPost, []byte(`{"a":2}`), "caller-key")
	if err != nil {
		t.Fatal(err)
	}
	if !existing {
		t.Error("caller-supplied key collision not suppressed")
	}
}

func TestAbandonQueuedJob(t *testing.T) {
	sk := &fakeSink{}
	q, st := setup(t, testConfig(), sk, nil)

	job, _, err := q.Enqueue(context.Background(), models.OpPublishPost, []byte(`{}`), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Abandon(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}

	// Starting the dispatcher afterwards must skip the abandoned row.
	start(t, q)
	time.Sleep(50 * time.Millisecond)

	got, err := st.JobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobAbandoned {
		t.Errorf("expected abandoned, got %s", got.Status)
	}
	if sk.callCount() != 0 {
		t.Errorf("abandoned job must not reach the sink, got %d calls", sk.callCount())
	}
}

func TestAbandonRejectsTerminalJob(t *testing.T) {
	sk := &fakeSink{}
	q, st := setup(t, testConfig(), sk, nil)
	start(t, q)

	job, _, err := q.Enqueue(context.Background(), models.OpPublishPost, []byte(`{}`), "")
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, st, job.ID, models.JobSucceeded)

	if err := q.Abandon(context.Background(), job.ID); err != ErrNotAbandonable {
		t.Errorf("expected ErrNotAbandonable, got %v", err)
	}
	if err := q.Abandon(context.Background(), uuid.NewString()); err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestEnqueueRevivesFailedJob(t *testing.T) {
	sk := &fakeSink{errs: []error{&retry.HTTPStatusError{StatusCode: 400}}}
	q, st := setup(t, testConfig(), sk, nil)
	start(t, q)

	job, _, err := q.Enqueue(context.Background(), models.OpPublishPost, []byte(`{}`), "revive-key")
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, st, job.ID, models.JobFailed)

	// A fresh submission under the same key starts a new attempt cycle.
	revived, existing, err := q.Enqueue(context.Background(), models.OpPublishPost, []byte(`{}`), "revive-key")
	if err != nil {
		t.Fatal(err)
	}
	if existing {
		t.Fatal("revival should not report existing")
	}
	if revived.ID != job.ID {
		t.Errorf("revival should reuse the durable row, got %s vs %s", revived.ID, job.ID)
	}

	done := waitForStatus(t, st, job.ID, models.JobSucceeded)
	if done.Attempts != 1 {
		t.Errorf("expected attempt counter reset, got %d", done.Attempts)
	}
}

func TestRehydration(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "rehydrate_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	now := time.Now().UTC()
	queued := models.QueuedJob{
		ID: uuid.NewString(), IdempotencyKey: "k1", OperationType: models.OpPublishPost,
		Payload: []byte(`{}`), Status: models.JobQueued, ScheduledAt: now, CreatedAt: now, UpdatedAt: now,
	}
	// A processing row means the previous process crashed mid-dispatch.
	crashed := models.QueuedJob{
		ID: uuid.NewString(), IdempotencyKey: "k2", OperationType: models.OpPublishPost,
		Payload: []byte(`{}`), Status: models.JobProcessing, Attempts: 1, ScheduledAt: now, CreatedAt: now, UpdatedAt: now,
	}
	for _, j := range []models.QueuedJob{queued, crashed} {
		if _, err := st.InsertJob(context.Background(), j); err != nil {
			t.Fatal(err)
		}
	}

	sk := &fakeSink{}
	q := New(testConfig(), st, sk, nil, nil)
	start(t, q)

	waitForStatus(t, st, queued.ID, models.JobSucceeded)
	waitForStatus(t, st, crashed.ID, models.JobSucceeded)
}

func TestRequeueFailedJob(t *testing.T) {
	sk := &fakeSink{errs: []error{&retry.HTTPStatusError{StatusCode: 422}}}
	q, st := setup(t, testConfig(), sk, nil)
	start(t, q)

	job, _, err := q.Enqueue(context.Background(), models.OpExportReport, []byte(`{}`), "")
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, st, job.ID, models.JobFailed)

	if err := q.Requeue(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	done := waitForStatus(t, st, job.ID, models.JobSucceeded)
	if done.Attempts != 1 {
		t.Errorf("expected reset attempts, got %d", done.Attempts)
	}
}

// flakyStore fails a scripted number of UpdateJob calls for rows
// re-entering the queued state.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) UpdateJob(ctx context.Context, job models.QueuedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 && job.Status == models.JobQueued && job.Attempts > 0 {
		f.failures--
		return errors.New("disk full")
	}
	return f.Store.UpdateJob(ctx, job)
}

func TestRetryPersistFailureDoesNotStrandJob(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "flaky_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	fs := &flakyStore{Store: st, failures: 1}
	sk := &fakeSink{errs: []error{&retry.HTTPStatusError{StatusCode: 503}}}
	q := New(testConfig(), fs, sk, nil, nil)

	ctx := context.Background()
	job, _, err := q.Enqueue(ctx, models.OpPublishPost, []byte(`{}`), "")
	if err != nil {
		t.Fatal(err)
	}

	// First attempt fails transiently and the retry persist fails, which
	// leaves the durable row mid-transition in processing.
	q.process(ctx, job.ID)
	got, err := st.JobByID(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobProcessing {
		t.Fatalf("expected row left processing after persist failure, got %s", got.Status)
	}

	// The dispatcher revisits the re-pushed entry, recovers the row, and
	// the next attempt succeeds.
	q.process(ctx, job.ID)
	got, err = st.JobByID(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobSucceeded {
		t.Errorf("expected recovered job to succeed, got %s", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", got.Attempts)
	}
}

func TestConcurrentEnqueueSingleRow(t *testing.T) {
	sk := &fakeSink{}
	q, st := setup(t, testConfig(), sk, nil)

	payload := []byte(`{"text":"race"}`)
	var wg sync.WaitGroup
	existingCount := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, existing, err := q.Enqueue(context.Background(), models.OpPublishPost, payload, "race-key")
			if err != nil {
				t.Error(err)
				return
			}
			existingCount <- existing
		}()
	}
	wg.Wait()
	close(existingCount)

	fresh := 0
	for existing := range existingCount {
		if !existing {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("expected exactly one fresh insert, got %d", fresh)
	}

	jobs, err := st.JobsByStatus(context.Background(), models.JobQueued, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected a single durable row, got %d", len(jobs))
	}
}
