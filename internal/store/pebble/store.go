package pebblejobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ZenMilan/inst-jobs/internal/store"
	pebblestore "github.com/ZenMilan/inst-jobs/internal/storage/pebble"
	"github.com/ZenMilan/inst-jobs/pkg/id"
)

// PrefetchOwnerPrefix marks synthetic lock owners created by brokers for
// jobs fetched ahead of demand. The orphan sweep only touches these.
const PrefetchOwnerPrefix = "prefetch:"

// Options configures the embedded job store.
type Options struct {
	// DataDir locates the Pebble database. Ignored when DB is set.
	DataDir string
	Fsync   pebblestore.FsyncMode
	// DB lets callers share an externally owned database (tests). When set,
	// Close does not close it.
	DB *pebblestore.DB
	// SelfOwner is this broker's prefetch owner identity. The orphan sweep
	// never releases locks held by SelfOwner.
	SelfOwner string
	// OrphanHorizon is the lock age beyond which a prefetch lock is
	// considered abandoned. Defaults to 15 minutes.
	OrphanHorizon time.Duration
	// Filter is an optional CEL expression narrowing which jobs this store
	// hands out during fetch.
	Filter string
	// Clock overrides the store's time source (tests).
	Clock func() time.Time
}

// Store implements store.JobStore on Pebble.
type Store struct {
	db      *pebblestore.DB
	ownsDB  bool
	gen     *id.Generator
	self    string
	horizon time.Duration
	filter  jobFilter
	now     func() time.Time
}

var _ store.JobStore = (*Store)(nil)

// Open creates or opens the embedded job store.
func Open(opts Options) (*Store, error) {
	filter, err := newJobFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("compile job filter: %w", err)
	}
	db := opts.DB
	ownsDB := false
	if db == nil {
		db, err = pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync})
		if err != nil {
			return nil, err
		}
		ownsDB = true
	}
	horizon := opts.OrphanHorizon
	if horizon <= 0 {
		horizon = 15 * time.Minute
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:      db,
		ownsDB:  ownsDB,
		gen:     id.NewGenerator(),
		self:    opts.SelfOwner,
		horizon: horizon,
		filter:  filter,
		now:     now,
	}, nil
}

// Close closes the underlying database when owned.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// jobRecord is the stored form of a job, keyed by its 16-byte ID.
type jobRecord struct {
	Queue    string `msgpack:"q"`
	Priority int    `msgpack:"p"`
	Payload  []byte `msgpack:"pl"`
	RunAtMs  int64  `msgpack:"r"`
}

// lockRecord is the stored lock state for a job.
type lockRecord struct {
	Owner      string `msgpack:"o"`
	LockedAtMs int64  `msgpack:"t"`
}

// Enqueue inserts a job and indexes it as runnable at req.RunAt.
func (s *Store) Enqueue(ctx context.Context, req store.EnqueueRequest) (*store.Job, error) {
	if req.Queue == "" {
		return nil, errors.New("pebblejobs: queue name required")
	}
	jobID := s.gen.Next()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = s.now()
	}
	rec := jobRecord{Queue: req.Queue, Priority: req.Priority, Payload: req.Payload, RunAtMs: runAt.UnixMilli()}
	val, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(jobKey(jobID), val, nil); err != nil {
		return nil, err
	}
	if err := b.Set(readyKey(req.Queue, req.Priority, rec.RunAtMs, jobID), nil, nil); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return &store.Job{
		ID:       jobID.String(),
		Queue:    req.Queue,
		Priority: req.Priority,
		Payload:  req.Payload,
		RunAt:    time.UnixMilli(rec.RunAtMs),
	}, nil
}

// GetAndLockNextAvailable locks runnable jobs for the named workers plus up
// to ExtraCount jobs for ExtraOwner, in one atomic batch.
func (s *Store) GetAndLockNextAvailable(ctx context.Context, req store.FetchRequest) (store.FetchResult, error) {
	res := store.FetchResult{ByWorker: make(map[string]*store.Job)}
	extraCount := req.ExtraCount
	if extraCount < 0 {
		extraCount = 0
	}
	names := req.UniqueNames()
	want := len(names) + extraCount
	if want == 0 {
		return res, nil
	}
	nowMs := s.now().UnixMilli()

	lower, upper := readyBounds(req.Queue, req.MinPriority, req.MaxPriority)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return res, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()

	assigned := 0
	nameIdx := 0
	for ok := iter.First(); ok && assigned < want; ok = iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		_, runAtMs, jobID, okp := parseReadyKey(key, req.Queue)
		if !okp {
			continue
		}
		if runAtMs > nowMs {
			// not due yet; later entries in the same priority band may be
			continue
		}
		rec, err := s.loadJob(jobID)
		if err != nil {
			// dangling index entry
			_ = b.Delete(key, nil)
			continue
		}
		if !s.filter.Eval(rec.Queue, rec.Priority, rec.Payload, runAtMs, nowMs) {
			continue
		}

		var owner string
		extra := false
		if nameIdx < len(names) {
			owner = names[nameIdx]
			nameIdx++
		} else {
			owner = req.ExtraOwner
			extra = true
		}

		if err := s.writeLock(b, jobID, owner, nowMs); err != nil {
			return store.FetchResult{ByWorker: make(map[string]*store.Job)}, err
		}
		if err := b.Delete(key, nil); err != nil {
			return store.FetchResult{ByWorker: make(map[string]*store.Job)}, err
		}

		job := &store.Job{
			ID:       jobID.String(),
			Queue:    rec.Queue,
			Priority: rec.Priority,
			Payload:  rec.Payload,
			RunAt:    time.UnixMilli(rec.RunAtMs),
			LockedBy: owner,
			LockedAt: time.UnixMilli(nowMs),
		}
		if extra {
			res.Extra = append(res.Extra, job)
		} else {
			res.ByWorker[owner] = job
		}
		assigned++
	}
	if assigned == 0 {
		return res, nil
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return store.FetchResult{ByWorker: make(map[string]*store.Job)}, err
	}
	return res, nil
}

// TransferLock re-locks job from one owner to another. Returns false when the
// lock is no longer held by `from`.
func (s *Store) TransferLock(ctx context.Context, job *store.Job, from, to string) (bool, error) {
	jobID, err := id.ParseHex(job.ID)
	if err != nil {
		return false, fmt.Errorf("parse job id: %w", err)
	}
	raw, err := s.db.Get(lockKey(jobID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var lrec lockRecord
	if err := msgpack.Unmarshal(raw, &lrec); err != nil {
		return false, fmt.Errorf("unmarshal lock: %w", err)
	}
	if lrec.Owner != from {
		return false, nil
	}

	lrec.Owner = to
	val, err := msgpack.Marshal(&lrec)
	if err != nil {
		return false, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(lockKey(jobID), val, nil); err != nil {
		return false, err
	}
	// locked_at is preserved on transfer, so the index key stays put and
	// only its owner value changes
	if err := b.Set(lockIdxKey(lrec.LockedAtMs, jobID), []byte(to), nil); err != nil {
		return false, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return false, err
	}
	job.LockedBy = to
	return true, nil
}

// Unlock releases the locks on the given jobs, returning them to the ready
// index with their original priority and run_at. Unknown jobs are ignored.
func (s *Store) Unlock(ctx context.Context, jobs []*store.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	dirty := false
	for _, job := range jobs {
		jobID, err := id.ParseHex(job.ID)
		if err != nil {
			continue
		}
		raw, err := s.db.Get(lockKey(jobID))
		if errors.Is(err, pebblestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var lrec lockRecord
		if err := msgpack.Unmarshal(raw, &lrec); err != nil {
			return fmt.Errorf("unmarshal lock: %w", err)
		}
		if err := s.releaseLock(b, jobID, lrec); err != nil {
			return err
		}
		job.LockedBy = ""
		dirty = true
	}
	if !dirty {
		return nil
	}
	return s.db.CommitBatch(ctx, b)
}

// UnlockOrphanedPendingJobs releases prefetch-owned locks older than the
// orphan horizon, except those held by this broker itself.
func (s *Store) UnlockOrphanedPendingJobs(ctx context.Context) (int, error) {
	nowMs := s.now().UnixMilli()
	threshold := nowMs - s.horizon.Milliseconds()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixLockIdx),
		UpperBound: keyUpperBound(prefixLockIdx),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	released := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		lockedAtMs, jobID, okp := parseLockIdxKey(iter.Key())
		if !okp {
			continue
		}
		if lockedAtMs > threshold {
			// index is sorted by lock age, nothing older remains
			break
		}
		owner := string(iter.Value())
		if owner == s.self || !strings.HasPrefix(owner, PrefetchOwnerPrefix) {
			continue
		}
		if err := s.releaseLock(b, jobID, lockRecord{Owner: owner, LockedAtMs: lockedAtMs}); err != nil {
			return released, err
		}
		released++
	}
	if released == 0 {
		return 0, nil
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	return released, nil
}

// DBTimeNow returns the store's clock.
func (s *Store) DBTimeNow(ctx context.Context) (time.Time, error) {
	return s.now(), nil
}

func (s *Store) loadJob(jobID id.ID) (jobRecord, error) {
	raw, err := s.db.Get(jobKey(jobID))
	if err != nil {
		return jobRecord{}, err
	}
	var rec jobRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return jobRecord{}, fmt.Errorf("unmarshal job: %w", err)
	}
	return rec, nil
}

func (s *Store) writeLock(b *pebble.Batch, jobID id.ID, owner string, nowMs int64) error {
	val, err := msgpack.Marshal(&lockRecord{Owner: owner, LockedAtMs: nowMs})
	if err != nil {
		return err
	}
	if err := b.Set(lockKey(jobID), val, nil); err != nil {
		return err
	}
	return b.Set(lockIdxKey(nowMs, jobID), []byte(owner), nil)
}

// releaseLock deletes the lock records and restores the ready index entry.
func (s *Store) releaseLock(b *pebble.Batch, jobID id.ID, lrec lockRecord) error {
	rec, err := s.loadJob(jobID)
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			// job record gone; just drop the lock
			_ = b.Delete(lockKey(jobID), nil)
			_ = b.Delete(lockIdxKey(lrec.LockedAtMs, jobID), nil)
			return nil
		}
		return err
	}
	if err := b.Delete(lockKey(jobID), nil); err != nil {
		return err
	}
	if err := b.Delete(lockIdxKey(lrec.LockedAtMs, jobID), nil); err != nil {
		return err
	}
	return b.Set(readyKey(rec.Queue, rec.Priority, rec.RunAtMs, jobID), nil, nil)
}
