package similarity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNamespaces_ConcurrentLoadRunsOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	ns := NewNamespaces(func(_ context.Context, _ string, idx *Index[int]) error {
		calls.Add(1)
		<-release
		idx.Add([]float32{1}, 1, "a")
		return nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := ns.Load(context.Background(), "u1")
			if err != nil {
				t.Errorf("Load: %v", err)
				return
			}
			if idx.Len() != 1 {
				t.Errorf("Len = %d, want 1", idx.Len())
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("loader ran %d times, want 1", calls.Load())
	}

	// Already loaded: no further loader calls.
	if _, err := ns.Load(context.Background(), "u1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("loader ran %d times after reuse, want 1", calls.Load())
	}
}

func TestNamespaces_InvalidateReloads(t *testing.T) {
	var calls int
	ns := NewNamespaces(func(_ context.Context, _ string, idx *Index[int]) error {
		calls++
		return nil
	})

	if _, err := ns.Load(context.Background(), "u1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ns.Invalidate("u1")
	if ns.Loaded("u1") {
		t.Error("namespace should be unloaded after Invalidate")
	}
	if _, err := ns.Load(context.Background(), "u1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if calls != 2 {
		t.Errorf("loader ran %d times, want 2", calls)
	}
}

func TestNamespaces_LoadErrorNotCached(t *testing.T) {
	fail := true
	ns := NewNamespaces(func(_ context.Context, _ string, _ *Index[int]) error {
		if fail {
			return errors.New("store down")
		}
		return nil
	})

	if _, err := ns.Load(context.Background(), "u1"); err == nil {
		t.Fatal("expected error")
	}
	if ns.Loaded("u1") {
		t.Error("failed load should leave namespace unloaded")
	}
	fail = false
	if _, err := ns.Load(context.Background(), "u1"); err != nil {
		t.Fatalf("Load after recovery: %v", err)
	}
}

func TestNamespaces_AddOnlyWhenLoaded(t *testing.T) {
	ns := NewNamespaces(func(_ context.Context, _ string, _ *Index[int]) error { return nil })

	ns.Add("u1", []float32{1}, 1, "early")
	idx, err := ns.Load(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("Add before load should be dropped, Len = %d", idx.Len())
	}

	ns.Add("u1", []float32{1}, 2, "late")
	if idx.Len() != 1 {
		t.Errorf("Len = %d after Add on loaded namespace, want 1", idx.Len())
	}
}

func TestNamespaces_AddDuringLoadIsKept(t *testing.T) {
	snapshotTaken := make(chan struct{})
	release := make(chan struct{})
	ns := NewNamespaces(func(_ context.Context, _ string, idx *Index[int]) error {
		idx.Add([]float32{1, 0}, 1, "old")
		close(snapshotTaken)
		<-release
		return nil
	})

	loaded := make(chan *Index[int])
	go func() {
		idx, err := ns.Load(context.Background(), "u1")
		if err != nil {
			t.Errorf("Load: %v", err)
		}
		loaded <- idx
	}()
	<-snapshotTaken

	ns.Add("u1", []float32{0, 1}, 2, "new")
	close(release)

	idx := <-loaded
	if idx.Len() != 2 || !idx.Has("new") {
		t.Fatalf("Len = %d, Has(new) = %v; entry stored during load was lost", idx.Len(), idx.Has("new"))
	}
	if got := idx.Search([]float32{0, 1}, 1, 0.9, nil); len(got) != 1 || got[0].ID != "new" {
		t.Errorf("Search = %+v", got)
	}
}

func TestNamespaces_AddDuringLoadNotDuplicated(t *testing.T) {
	inLoader := make(chan struct{})
	release := make(chan struct{})
	ns := NewNamespaces(func(_ context.Context, _ string, idx *Index[int]) error {
		close(inLoader)
		<-release
		// The snapshot already contains the entry added concurrently.
		idx.Add([]float32{1}, 1, "e1")
		return nil
	})

	loaded := make(chan *Index[int])
	go func() {
		idx, _ := ns.Load(context.Background(), "u1")
		loaded <- idx
	}()
	<-inLoader
	ns.Add("u1", []float32{1}, 1, "e1")
	close(release)

	if idx := <-loaded; idx.Len() != 1 {
		t.Errorf("Len = %d, want 1", idx.Len())
	}
}

func TestNamespaces_FailedLoadDropsQueuedAdds(t *testing.T) {
	inLoader := make(chan struct{})
	release := make(chan struct{})
	fail := true
	ns := NewNamespaces(func(_ context.Context, _ string, _ *Index[int]) error {
		if fail {
			close(inLoader)
			<-release
			return errors.New("store down")
		}
		return nil
	})

	errs := make(chan error)
	go func() {
		_, err := ns.Load(context.Background(), "u1")
		errs <- err
	}()
	<-inLoader
	ns.Add("u1", []float32{1}, 1, "e1")
	close(release)
	if err := <-errs; err == nil {
		t.Fatal("expected load error")
	}

	fail = false
	idx, err := ns.Load(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("Len = %d, want 0 (persistence is the source after a failed load)", idx.Len())
	}
}
