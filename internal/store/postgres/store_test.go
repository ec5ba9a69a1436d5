package pgjobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ZenMilan/inst-jobs/internal/store"
	"github.com/ZenMilan/inst-jobs/internal/testutil"
)

func openTestStore(t *testing.T, horizon time.Duration) *Store {
	t.Helper()
	pool := testutil.NewTestPool(t)
	s, err := Open(context.Background(), Options{
		Pool:          pool,
		SelfOwner:     "prefetch:testhost:1",
		OrphanHorizon: horizon,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFetchLockAndTransfer(t *testing.T) {
	s := openTestStore(t, 15*time.Minute)
	ctx := context.Background()

	for i, q := range []struct {
		queue    string
		priority int
	}{
		{"default", 10},
		{"default", 1},
		{"other", 0},
	} {
		_, err := s.Enqueue(ctx, store.EnqueueRequest{
			Queue:    q.queue,
			Priority: q.priority,
			Payload:  []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	res, err := s.GetAndLockNextAvailable(ctx, store.FetchRequest{
		WorkerNames: []string{"w1"},
		Queue:       "default",
		ExtraCount:  2,
		ExtraOwner:  "prefetch:testhost:1",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.ByWorker) != 1 {
		t.Fatalf("got %d named jobs, want 1", len(res.ByWorker))
	}
	if res.ByWorker["w1"].Priority != 1 {
		t.Errorf("w1 got priority %d, want the highest-priority job (1)", res.ByWorker["w1"].Priority)
	}
	if len(res.Extra) != 1 {
		t.Fatalf("got %d extra jobs, want 1 (only one more runnable in queue)", len(res.Extra))
	}
	extra := res.Extra[0]
	if extra.LockedBy != "prefetch:testhost:1" {
		t.Errorf("extra job locked by %q", extra.LockedBy)
	}

	ok, err := s.TransferLock(ctx, extra, "prefetch:testhost:1", "w2")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !ok || extra.LockedBy != "w2" {
		t.Fatalf("transfer failed: ok=%v locked_by=%q", ok, extra.LockedBy)
	}

	// stale owner loses the race without error
	ok, err = s.TransferLock(ctx, extra, "prefetch:testhost:1", "w3")
	if err != nil {
		t.Fatalf("stale transfer: %v", err)
	}
	if ok {
		t.Fatal("stale owner transferred a lock it no longer held")
	}

	// everything in "default" is locked now
	res2, err := s.GetAndLockNextAvailable(ctx, store.FetchRequest{
		WorkerNames: []string{"w4"},
		Queue:       "default",
	})
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(res2.ByWorker) != 0 {
		t.Fatalf("locked job handed out twice: %v", res2.ByWorker)
	}
}

func TestFetchDuplicateNames(t *testing.T) {
	s := openTestStore(t, 15*time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue(ctx, store.EnqueueRequest{Queue: "default"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	res, err := s.GetAndLockNextAvailable(ctx, store.FetchRequest{
		WorkerNames: []string{"w1", "w1"},
		Queue:       "default",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.ByWorker) != 1 || res.ByWorker["w1"] == nil {
		t.Fatalf("duplicate names locked %d jobs, want 1", len(res.ByWorker))
	}

	// the second job was not consumed by the repeated name
	res2, err := s.GetAndLockNextAvailable(ctx, store.FetchRequest{
		WorkerNames: []string{"w2"},
		Queue:       "default",
	})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if res2.ByWorker["w2"] == nil {
		t.Fatal("second job not claimable after duplicate-name fetch")
	}
}

func TestUnlockAndSweep(t *testing.T) {
	s := openTestStore(t, time.Second)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, store.EnqueueRequest{Queue: "default"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, store.EnqueueRequest{Queue: "default"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := s.GetAndLockNextAvailable(ctx, store.FetchRequest{
		Queue:      "default",
		ExtraCount: 2,
		ExtraOwner: "prefetch:deadhost:99",
	})
	if err != nil || len(res.Extra) != 2 {
		t.Fatalf("seed fetch: %v %v", err, res)
	}

	// unlock one explicitly
	if err := s.Unlock(ctx, res.Extra[:1]); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	res2, err := s.GetAndLockNextAvailable(ctx, store.FetchRequest{
		WorkerNames: []string{"w1"},
		Queue:       "default",
	})
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if got := res2.ByWorker["w1"]; got == nil || got.ID != res.Extra[0].ID {
		t.Fatalf("unlocked job not runnable again: %+v", got)
	}

	// the other is swept once its lock outlives the horizon
	time.Sleep(1500 * time.Millisecond)
	n, err := s.UnlockOrphanedPendingJobs(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep released %d jobs, want 1", n)
	}
}

func TestDelayedJobNotFetchable(t *testing.T) {
	s := openTestStore(t, 15*time.Minute)
	ctx := context.Background()

	dbNow, err := s.DBTimeNow(ctx)
	if err != nil {
		t.Fatalf("db time: %v", err)
	}
	if _, err := s.Enqueue(ctx, store.EnqueueRequest{
		Queue: "default",
		RunAt: dbNow.Add(time.Hour),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := s.GetAndLockNextAvailable(ctx, store.FetchRequest{
		WorkerNames: []string{"w1"},
		Queue:       "default",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.ByWorker) != 0 {
		t.Fatalf("future job handed out: %v", res.ByWorker)
	}
}
