package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/studychat/internal/storage"
)

type mockPruner struct {
	pruneFn func(ctx context.Context, uid string, maxAge time.Duration, minHits int) (int, error)
}

func (m *mockPruner) Prune(ctx context.Context, uid string, maxAge time.Duration, minHits int) (int, error) {
	return m.pruneFn(ctx, uid, maxAge, minHits)
}

type mockReindexer struct {
	reindexFn func(ctx context.Context, force bool) (bool, error)
}

func (m *mockReindexer) Reindex(ctx context.Context, force bool) (bool, error) {
	return m.reindexFn(ctx, force)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, store *storage.Store, id, typ, payload string) {
	t.Helper()
	if _, err := store.EnqueueJob(context.Background(), storage.Job{ID: id, Type: typ, PayloadJSON: payload}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, id string) (status string, attempts int) {
	t.Helper()
	err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, id).Scan(&status, &attempts)
	if err != nil {
		t.Fatalf("reading job %s: %v", id, err)
	}
	return status, attempts
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func noReindex(t *testing.T) *mockReindexer {
	return &mockReindexer{reindexFn: func(context.Context, bool) (bool, error) {
		t.Error("unexpected Reindex call")
		return false, nil
	}}
}

func TestWorker_CachePrune(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "job-1", JobCachePrune, `{"user_id":"u1"}`)

	var gotUID string
	var gotAge time.Duration
	w := NewWorker(store, &mockPruner{pruneFn: func(_ context.Context, uid string, maxAge time.Duration, _ int) (int, error) {
		gotUID, gotAge = uid, maxAge
		return 3, nil
	}}, noReindex(t), 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v; want true, nil", didWork, err)
	}
	if gotUID != "u1" {
		t.Errorf("pruned user %q, want u1", gotUID)
	}
	if gotAge != 0 {
		t.Errorf("maxAge = %v, want 0 so the cache default applies", gotAge)
	}
	if status, _ := jobStatus(t, store, "job-1"); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_GuidelinesReindex(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "job-1", JobGuidelinesReindex, `{"force":true}`)

	var gotForce bool
	w := NewWorker(store, &mockPruner{}, &mockReindexer{reindexFn: func(_ context.Context, force bool) (bool, error) {
		gotForce = force
		return true, nil
	}}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !gotForce {
		t.Error("force flag not passed through")
	}
	if status, _ := jobStatus(t, store, "job-1"); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_BusyBuildCountsAsSuccess(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "job-1", JobGuidelinesReindex, `{}`)

	w := NewWorker(store, &mockPruner{}, &mockReindexer{reindexFn: func(context.Context, bool) (bool, error) {
		return false, nil
	}}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if status, _ := jobStatus(t, store, "job-1"); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_EmptyQueue(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockPruner{}, noReindex(t), 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_RetriesThenFails(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "job-1", JobCachePrune, `{"user_id":"u1"}`)

	var calls atomic.Int32
	w := NewWorker(store, &mockPruner{pruneFn: func(context.Context, string, time.Duration, int) (int, error) {
		calls.Add(1)
		return 0, errors.New("store down")
	}}, noReindex(t), 0)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil || !didWork {
			t.Fatalf("attempt %d: RunOnce = %v, %v", i, didWork, err)
		}
		status, attempts := jobStatus(t, store, "job-1")
		if attempts != i {
			t.Errorf("attempt %d: attempts = %d", i, attempts)
		}
		want := "pending"
		if i == 3 {
			want = "failed"
		}
		if status != want {
			t.Errorf("attempt %d: status = %q, want %q", i, status, want)
		}
		resetRunAfter(t, store, "job-1")
	}

	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Error("failed job should not be claimed again")
	}
	if calls.Load() != 3 {
		t.Errorf("Prune called %d times, want 3", calls.Load())
	}
}

func TestWorker_BadPayloadFails(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "job-1", JobCachePrune, `{}`)

	w := NewWorker(store, &mockPruner{}, noReindex(t), 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	status, attempts := jobStatus(t, store, "job-1")
	if status != "pending" || attempts != 1 {
		t.Errorf("status = %q attempts = %d, want pending/1", status, attempts)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockPruner{}, noReindex(t), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
