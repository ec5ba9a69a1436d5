package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced job no longer exists.
var ErrNotFound = errors.New("store: job not found")

// Job is one unit of work held by the store. The broker treats ID, Queue,
// Priority and Payload as opaque; it reads LockedBy/LockedAt to track lock
// ownership and age, and never modifies a job other than through the
// JobStore lock operations.
type Job struct {
	ID       string    `msgpack:"id" json:"id"`
	Queue    string    `msgpack:"queue" json:"queue"`
	Priority int       `msgpack:"priority" json:"priority"`
	Payload  []byte    `msgpack:"payload" json:"payload"`
	RunAt    time.Time `msgpack:"run_at" json:"run_at"`
	LockedBy string    `msgpack:"locked_by" json:"locked_by"`
	LockedAt time.Time `msgpack:"locked_at" json:"locked_at"`
}

// EnqueueRequest describes a new job. A zero RunAt means immediately runnable.
type EnqueueRequest struct {
	Queue    string
	Priority int
	Payload  []byte
	RunAt    time.Time
}

// FetchRequest asks the store to lock the next runnable jobs in one atomic
// operation: up to one job per entry in WorkerNames (locked to that name)
// plus up to ExtraCount jobs locked to ExtraOwner.
type FetchRequest struct {
	WorkerNames []string
	Queue       string
	MinPriority int
	// MaxPriority bounds eligible priorities inclusively; <= 0 means unbounded.
	MaxPriority int
	ExtraCount  int
	ExtraOwner  string
}

// UniqueNames returns WorkerNames with duplicates removed, first occurrence
// wins. Stores lock at most one job per distinct name; a duplicated name
// must not consume two jobs under one map key.
func (r FetchRequest) UniqueNames() []string {
	names := make([]string, 0, len(r.WorkerNames))
	seen := make(map[string]struct{}, len(r.WorkerNames))
	for _, n := range r.WorkerNames {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	return names
}

// FetchResult is the outcome of GetAndLockNextAvailable. Every returned job
// is already locked: ByWorker jobs to their worker's name, Extra jobs to the
// request's ExtraOwner, in fetch order.
type FetchResult struct {
	ByWorker map[string]*Job
	Extra    []*Job
}

// JobStore is the persistent gateway the dispatch loop drives. All methods
// must be safe under concurrent callers from multiple processes; atomicity of
// each individual operation is the store's responsibility.
type JobStore interface {
	// Enqueue inserts a new job and returns it. Not called by the broker;
	// producers and tests use it.
	Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error)

	// GetAndLockNextAvailable atomically locks and returns runnable jobs per
	// the request. Jobs that cannot be locked (already taken) are skipped.
	GetAndLockNextAvailable(ctx context.Context, req FetchRequest) (FetchResult, error)

	// TransferLock atomically re-locks job from one owner to another. It
	// returns false (with nil error) when the job is no longer locked by
	// `from`; the caller must then treat the store as the job's owner of
	// record and forget its copy.
	TransferLock(ctx context.Context, job *Job, from, to string) (bool, error)

	// Unlock releases the locks on the given jobs unconditionally, making
	// them runnable again. Unknown jobs are ignored.
	Unlock(ctx context.Context, jobs []*Job) error

	// UnlockOrphanedPendingJobs releases prefetch-owned locks whose owning
	// broker is gone (lock age beyond the store's orphan horizon). Returns
	// the number of jobs released.
	UnlockOrphanedPendingJobs(ctx context.Context) (int, error)

	// DBTimeNow returns the store's authoritative clock.
	DBTimeNow(ctx context.Context) (time.Time, error)

	Close() error
}
