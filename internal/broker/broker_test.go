package broker

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ZenMilan/inst-jobs/internal/store"
	"github.com/ZenMilan/inst-jobs/internal/wire"
	"github.com/ZenMilan/inst-jobs/pkg/log"
)

const testOwner = "prefetch:test:1"

// fakeStore scripts fetch and transfer outcomes and records every lock
// operation the broker performs.
type fakeStore struct {
	mu        sync.Mutex
	responses []store.FetchResult
	transfers []bool // scripted TransferLock results, default true
	// dbNow overrides the store clock, defaults to time.Now
	dbNow func() time.Time

	fetches     []store.FetchRequest
	attempted   []string // job IDs of every TransferLock call
	transferred []string // job IDs of transfers that succeeded
	unlocked    []string // job IDs in unlock order
}

func (f *fakeStore) Enqueue(ctx context.Context, req store.EnqueueRequest) (*store.Job, error) {
	return nil, nil
}

func (f *fakeStore) GetAndLockNextAvailable(ctx context.Context, req store.FetchRequest) (store.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, req)
	if len(f.responses) == 0 {
		return store.FetchResult{ByWorker: map[string]*store.Job{}}, nil
	}
	res := f.responses[0]
	f.responses = f.responses[1:]
	return res, nil
}

func (f *fakeStore) TransferLock(ctx context.Context, job *store.Job, from, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempted = append(f.attempted, job.ID)
	ok := true
	if len(f.transfers) > 0 {
		ok = f.transfers[0]
		f.transfers = f.transfers[1:]
	}
	if ok {
		f.transferred = append(f.transferred, job.ID)
		job.LockedBy = to
	}
	return ok, nil
}

func (f *fakeStore) Unlock(ctx context.Context, jobs []*store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range jobs {
		f.unlocked = append(f.unlocked, j.ID)
	}
	return nil
}

func (f *fakeStore) UnlockOrphanedPendingJobs(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeStore) DBTimeNow(ctx context.Context) (time.Time, error) {
	if f.dbNow != nil {
		return f.dbNow(), nil
	}
	return time.Now(), nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) unlockedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unlocked...)
}

func (f *fakeStore) attemptedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempted...)
}

func (f *fakeStore) transferredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transferred...)
}

func mkJob(id, owner string) *store.Job {
	return &store.Job{ID: id, Queue: "default", Payload: []byte("{}"), LockedBy: owner, LockedAt: time.Now()}
}

func quietLogger() log.Logger {
	return log.NewLogger(log.WithLevel(log.FatalLevel))
}

// startBroker runs a broker until the test ends. The returned stop function
// cancels the loop and waits for shutdown purge to finish; it is safe to
// call from the test body to assert post-shutdown state.
func startBroker(t *testing.T, fs *fakeStore, cfg Config) (*Broker, string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 5 * time.Millisecond
	}
	b := New(ln, fs, cfg, WithPrefetchOwner(testOwner), WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("broker did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return b, ln.Addr().String(), stop
}

type testWorker struct {
	conn net.Conn
	dec  *msgpack.Decoder
}

func dialWorker(t *testing.T, addr string) *testWorker {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testWorker{conn: conn, dec: msgpack.NewDecoder(conn)}
}

func (w *testWorker) hello(t *testing.T, name string, cfg wire.WorkerConfig) {
	t.Helper()
	if err := wire.WriteHello(w.conn, wire.Hello{Name: name, Config: cfg}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
}

func (w *testWorker) readJob(t *testing.T) *store.Job {
	t.Helper()
	_ = w.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	job, err := wire.ReadJob(w.dec)
	if err != nil {
		t.Fatalf("read job: %v", err)
	}
	return job
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeliverPrefetchAndDrain(t *testing.T) {
	qcfg := wire.WorkerConfig{Queue: "default", PoolSize: 1}
	fs := &fakeStore{
		responses: []store.FetchResult{{
			ByWorker: map[string]*store.Job{"w1": mkJob("job1", "w1")},
			Extra:    []*store.Job{mkJob("job2", testOwner), mkJob("job3", testOwner)},
		}},
	}
	b, addr, stop := startBroker(t, fs, Config{FetchBatchSize: 2})

	w1 := dialWorker(t, addr)
	w1.hello(t, "w1", qcfg)
	if got := w1.readJob(t); got.ID != "job1" {
		t.Fatalf("w1 got %s, want job1", got.ID)
	}
	waitFor(t, "prefetch cached", func() bool { return b.Stats().Pending == 2 })

	// a new worker drains the cache, no fresh fetch needed
	w2 := dialWorker(t, addr)
	w2.hello(t, "w2", qcfg)
	if got := w2.readJob(t); got.ID != "job2" {
		t.Fatalf("w2 got %s, want cached job2", got.ID)
	}
	waitFor(t, "one job left cached", func() bool { return b.Stats().Pending == 1 })

	// w1 asks again and gets the remaining cached job
	w1.hello(t, "w1", qcfg)
	if got := w1.readJob(t); got.ID != "job3" {
		t.Fatalf("w1 got %s on second request, want job3", got.ID)
	}

	// nothing cached at shutdown, so nothing to unlock
	stop()
	if ids := fs.unlockedIDs(); len(ids) != 0 {
		t.Errorf("delivered jobs were unlocked at shutdown: %v", ids)
	}
}

func TestShutdownPurgeUnlocksCache(t *testing.T) {
	qcfg := wire.WorkerConfig{Queue: "default", PoolSize: 1}
	fs := &fakeStore{
		responses: []store.FetchResult{{
			ByWorker: map[string]*store.Job{"w1": mkJob("job1", "w1")},
			Extra:    []*store.Job{mkJob("job2", testOwner), mkJob("job3", testOwner)},
		}},
	}
	b, addr, stop := startBroker(t, fs, Config{FetchBatchSize: 2})

	w1 := dialWorker(t, addr)
	w1.hello(t, "w1", qcfg)
	w1.readJob(t)
	waitFor(t, "prefetch cached", func() bool { return b.Stats().Pending == 2 })

	stop()
	ids := fs.unlockedIDs()
	if len(ids) != 2 {
		t.Fatalf("shutdown unlocked %v, want job2 and job3", ids)
	}
}

func TestFIFOFairness(t *testing.T) {
	qcfg := wire.WorkerConfig{Queue: "default", PoolSize: 1}
	fs := &fakeStore{}
	_, addr, _ := startBroker(t, fs, Config{FetchBatchSize: 2})

	workers := make([]*testWorker, 3)
	names := []string{"a", "b", "c"}
	for i, name := range names {
		workers[i] = dialWorker(t, addr)
		workers[i].hello(t, name, qcfg)
		// space arrivals so waiting order is deterministic
		time.Sleep(20 * time.Millisecond)
	}

	fs.mu.Lock()
	fs.responses = []store.FetchResult{{
		ByWorker: map[string]*store.Job{
			"a": mkJob("job-a", "a"),
			"b": mkJob("job-b", "b"),
			"c": mkJob("job-c", "c"),
		},
	}}
	fs.mu.Unlock()

	for i, name := range names {
		if got := workers[i].readJob(t); got.ID != "job-"+name {
			t.Errorf("worker %s got %s", name, got.ID)
		}
	}

	// the fetch carried names in arrival order
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var withJobs store.FetchRequest
	for _, req := range fs.fetches {
		if len(req.WorkerNames) == 3 {
			withJobs = req
			break
		}
	}
	if len(withJobs.WorkerNames) != 3 ||
		withJobs.WorkerNames[0] != "a" || withJobs.WorkerNames[1] != "b" || withJobs.WorkerNames[2] != "c" {
		t.Errorf("fetch names %v, want [a b c]", withJobs.WorkerNames)
	}
}

func TestTransferRaceRequeuesWorkerForgetsJob(t *testing.T) {
	qcfg := wire.WorkerConfig{Queue: "default", PoolSize: 1}
	fs := &fakeStore{
		responses: []store.FetchResult{
			{
				ByWorker: map[string]*store.Job{},
				Extra:    []*store.Job{mkJob("raced", testOwner)},
			},
			{
				ByWorker: map[string]*store.Job{"w1": mkJob("job-b", "w1")},
			},
		},
		transfers: []bool{false},
	}
	b, addr, _ := startBroker(t, fs, Config{FetchBatchSize: 2})

	w1 := dialWorker(t, addr)
	w1.hello(t, "w1", qcfg)

	// the failed transfer forgets the job and the worker gets the next fetch
	if got := w1.readJob(t); got.ID != "job-b" {
		t.Fatalf("w1 got %s, want job-b", got.ID)
	}
	attempts := fs.attemptedIDs()
	if len(attempts) == 0 || attempts[0] != "raced" {
		t.Fatalf("transfer attempts %v, want raced first", attempts)
	}
	for _, id := range fs.transferredIDs() {
		if id == "raced" {
			t.Errorf("raced transfer reported as won")
		}
	}
	waitFor(t, "raced job forgotten", func() bool { return b.Stats().Pending == 0 })
	for _, id := range fs.unlockedIDs() {
		if id == "raced" {
			t.Errorf("raced job was unlocked by the broker; the store owns it")
		}
	}
}

func TestDuplicateNamesEachGetOneJob(t *testing.T) {
	qcfg := wire.WorkerConfig{Queue: "default", PoolSize: 1}
	fs := &fakeStore{
		responses: []store.FetchResult{
			{ByWorker: map[string]*store.Job{"w1": mkJob("job1", "w1")}},
			{ByWorker: map[string]*store.Job{"w1": mkJob("job2", "w1")}},
		},
	}
	_, addr, _ := startBroker(t, fs, Config{FetchBatchSize: 2})

	first := dialWorker(t, addr)
	first.hello(t, "w1", qcfg)
	time.Sleep(20 * time.Millisecond)
	second := dialWorker(t, addr)
	second.hello(t, "w1", qcfg)

	a := first.readJob(t)
	c := second.readJob(t)
	if a.ID == c.ID {
		t.Fatalf("job %s delivered to two connections", a.ID)
	}
	if a.ID != "job1" || c.ID != "job2" {
		t.Errorf("got %s/%s, want job1 for the first connection and job2 for the second", a.ID, c.ID)
	}

	// fetch requests never repeat a worker name
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, req := range fs.fetches {
		seen := map[string]bool{}
		for _, n := range req.WorkerNames {
			if seen[n] {
				t.Fatalf("fetch carried duplicate name %q: %v", n, req.WorkerNames)
			}
			seen[n] = true
		}
	}
}

func TestDropOnEOF(t *testing.T) {
	fs := &fakeStore{}
	b, addr, _ := startBroker(t, fs, Config{})

	w := dialWorker(t, addr)
	waitFor(t, "client registered", func() bool { return b.Stats().Clients == 1 })
	w.conn.Close()
	waitFor(t, "client dropped", func() bool { return b.Stats().Clients == 0 })
	if b.Stats().Waiting != 0 {
		t.Errorf("dropped client still waiting")
	}
}

func TestStalePrefetchPurgedWholeBatch(t *testing.T) {
	qcfg := wire.WorkerConfig{Queue: "default", PoolSize: 1}
	old := mkJob("old", testOwner)
	old.LockedAt = time.Now().Add(-time.Minute)
	young := mkJob("young", testOwner)
	fs := &fakeStore{
		responses: []store.FetchResult{{
			ByWorker: map[string]*store.Job{"w1": mkJob("job1", "w1")},
			Extra:    []*store.Job{old, young},
		}},
	}
	b, addr, _ := startBroker(t, fs, Config{
		FetchBatchSize:     2,
		PendingIdleTimeout: 50 * time.Millisecond,
	})

	w1 := dialWorker(t, addr)
	w1.hello(t, "w1", qcfg)
	w1.readJob(t)

	// the oldest job is already past the idle timeout, so the whole batch
	// goes, younger job included
	waitFor(t, "stale batch purged", func() bool { return b.Stats().Pending == 0 })
	waitFor(t, "batch unlocked", func() bool { return len(fs.unlockedIDs()) == 2 })
	ids := fs.unlockedIDs()
	if ids[0] != "old" || ids[1] != "young" {
		t.Errorf("unlocked %v, want [old young]", ids)
	}
}

func TestStoreClockSkewKeepsFreshBatch(t *testing.T) {
	qcfg := wire.WorkerConfig{Queue: "default", PoolSize: 1}
	storeNow := func() time.Time { return time.Now().Add(-time.Hour) }
	young := mkJob("young", testOwner)
	young.LockedAt = storeNow()
	fs := &fakeStore{
		dbNow: storeNow,
		responses: []store.FetchResult{{
			ByWorker: map[string]*store.Job{"w1": mkJob("job1", "w1")},
			Extra:    []*store.Job{young},
		}},
	}
	b, addr, _ := startBroker(t, fs, Config{
		FetchBatchSize:     2,
		PendingIdleTimeout: time.Minute,
	})

	w1 := dialWorker(t, addr)
	w1.hello(t, "w1", qcfg)
	w1.readJob(t)
	waitFor(t, "prefetch cached", func() bool { return b.Stats().Pending == 1 })

	// the store clock runs an hour behind; in store time the batch is
	// fresh, so the local clock alone must not age it out
	time.Sleep(50 * time.Millisecond)
	if b.Stats().Pending != 1 {
		t.Fatalf("fresh batch purged under clock skew")
	}
	if ids := fs.unlockedIDs(); len(ids) != 0 {
		t.Fatalf("fresh batch unlocked: %v", ids)
	}
}

func TestSendFailureDropsClientAndUnlocksJob(t *testing.T) {
	qcfg := wire.WorkerConfig{Queue: "default", PoolSize: 1}
	fs := &fakeStore{
		responses: []store.FetchResult{{
			ByWorker: map[string]*store.Job{"w1": mkJob("job1", "w1")},
		}},
	}
	b, addr, _ := startBroker(t, fs, Config{SendTimeout: 50 * time.Millisecond})

	w1 := dialWorker(t, addr)
	w1.hello(t, "w1", qcfg)
	// close before the broker can write; depending on timing the send either
	// fails immediately or the read side reports EOF first
	w1.conn.Close()

	waitFor(t, "client dropped", func() bool { return b.Stats().Clients == 0 })
}

func TestParentGoneStopsLoop(t *testing.T) {
	fs := &fakeStore{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := New(ln, fs, Config{BaseDelay: 5 * time.Millisecond, ParentPID: 4242},
		WithPrefetchOwner(testOwner), WithLogger(quietLogger()))
	b.getppid = func() int { return 1 }

	err = b.Run(context.Background())
	if err == nil {
		t.Fatal("loop kept running with parent gone")
	}
}
