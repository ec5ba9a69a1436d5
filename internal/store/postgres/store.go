// Package pgjobs implements the job store gateway on PostgreSQL. Fetch uses
// SELECT ... FOR UPDATE SKIP LOCKED so multiple brokers can pull from the
// same table without serializing on each other, and the lock assignment is a
// single UPDATE mapping job IDs to owners through unnest.
package pgjobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ZenMilan/inst-jobs/internal/store"
)

// PrefetchOwnerPrefix marks synthetic lock owners created by brokers.
const PrefetchOwnerPrefix = "prefetch:"

// Options configures the Postgres job store.
type Options struct {
	// DatabaseURL is the pgx connection string. Ignored when Pool is set.
	DatabaseURL string
	// Pool lets callers share an externally owned pool (tests). When set,
	// Close does not close it.
	Pool *pgxpool.Pool
	// SelfOwner is this broker's prefetch owner identity, exempt from the
	// orphan sweep.
	SelfOwner string
	// OrphanHorizon is the lock age beyond which a prefetch lock is
	// considered abandoned. Defaults to 15 minutes.
	OrphanHorizon time.Duration
}

// Store implements store.JobStore on a pgx connection pool.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
	self     string
	horizon  time.Duration
}

var _ store.JobStore = (*Store)(nil)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	pool := opts.Pool
	ownsPool := false
	if pool == nil {
		var err error
		pool, err = pgxpool.New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		ownsPool = true
	}
	horizon := opts.OrphanHorizon
	if horizon <= 0 {
		horizon = 15 * time.Minute
	}
	return &Store{pool: pool, ownsPool: ownsPool, self: opts.SelfOwner, horizon: horizon}, nil
}

// Close closes the pool when owned.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

// Enqueue inserts a job. An empty payload is stored as an empty JSON object.
func (s *Store) Enqueue(ctx context.Context, req store.EnqueueRequest) (*store.Job, error) {
	if req.Queue == "" {
		return nil, errors.New("pgjobs: queue name required")
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	id := uuid.New()
	var runAt time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, queue, priority, payload, run_at)
		VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5::timestamptz, 'epoch'::timestamptz), now()))
		RETURNING run_at`,
		id, req.Queue, req.Priority, payload, nullableTime(req.RunAt)).Scan(&runAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return &store.Job{
		ID:       id.String(),
		Queue:    req.Queue,
		Priority: req.Priority,
		Payload:  payload,
		RunAt:    runAt,
	}, nil
}

// nullableTime maps the zero time to the epoch sentinel used by Enqueue's
// COALESCE so the database default applies.
func nullableTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return t
}

// GetAndLockNextAvailable claims runnable jobs with SKIP LOCKED and assigns
// owners in one transaction: request names first, then ExtraOwner.
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sb := psql.
		Select("id, queue, priority, payload, run_at").
		From("jobs").
		Where(sq.Eq{"queue": req.Queue}).
		Where("locked_at IS NULL").
		Where("run_at <= now()").
		OrderBy("priority ASC, run_at ASC, id ASC").
		Limit(uint64(want)).
		Suffix("FOR UPDATE SKIP LOCKED")
	if req.MinPriority > 0 {
		sb = sb.Where(sq.GtOrEq{"priority": req.MinPriority})
	}
	if req.MaxPriority > 0 {
		sb = sb.Where(sq.LtOrEq{"priority": req.MaxPriority})
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return res, fmt.Errorf("build fetch query: %w", err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("select jobs: %w", err)
	}
	type claimed struct {
		job   *store.Job
		owner string
		extra bool
	}
	var claims []claimed
	nameIdx := 0
	for rows.Next() {
		var jobID uuid.UUID
		job := &store.Job{}
		if err := rows.Scan(&jobID, &job.Queue, &job.Priority, &job.Payload, &job.RunAt); err != nil {
			rows.Close()
			return res, fmt.Errorf("scan job: %w", err)
		}
		job.ID = jobID.String()
		c := claimed{job: job}
		if nameIdx < len(names) {
			c.owner = names[nameIdx]
			nameIdx++
		} else {
			c.owner = req.ExtraOwner
			c.extra = true
		}
		claims = append(claims, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("iterate jobs: %w", err)
	}
	if len(claims) == 0 {
		return res, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, len(claims))
	owners := make([]string, len(claims))
	for i, c := range claims {
		ids[i] = uuid.MustParse(c.job.ID)
		owners[i] = c.owner
	}
	lockRows, err := tx.Query(ctx, `
		UPDATE jobs
		SET locked_at = now(), locked_by = o.owner
		FROM (SELECT unnest($1::uuid[]) AS id, unnest($2::text[]) AS owner) o
		WHERE jobs.id = o.id
		RETURNING jobs.id, jobs.locked_at`,
		ids, owners)
	if err != nil {
		return res, fmt.Errorf("lock jobs: %w", err)
	}
	lockedAt := make(map[string]time.Time, len(claims))
	for lockRows.Next() {
		var jobID uuid.UUID
		var at time.Time
		if err := lockRows.Scan(&jobID, &at); err != nil {
			lockRows.Close()
			return res, fmt.Errorf("scan lock: %w", err)
		}
		lockedAt[jobID.String()] = at
	}
	lockRows.Close()
	if err := lockRows.Err(); err != nil {
		return res, fmt.Errorf("iterate locks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}

	for _, c := range claims {
		c.job.LockedBy = c.owner
		c.job.LockedAt = lockedAt[c.job.ID]
		if c.extra {
			res.Extra = append(res.Extra, c.job)
		} else {
			res.ByWorker[c.owner] = c.job
		}
	}
	return res, nil
}

// TransferLock re-locks job from one owner to another. locked_at is left
// untouched so lock age keeps accruing across transfers.
func (s *Store) TransferLock(ctx context.Context, job *store.Job, from, to string) (bool, error) {
	jobID, err := uuid.Parse(job.ID)
	if err != nil {
		return false, fmt.Errorf("parse job id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET locked_by = $1
		WHERE id = $2 AND locked_by = $3 AND locked_at IS NOT NULL`,
		to, jobID, from)
	if err != nil {
		return false, fmt.Errorf("transfer lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	job.LockedBy = to
	return true, nil
}

// Unlock releases the locks on the given jobs. Unknown jobs are ignored.
func (s *Store) Unlock(ctx context.Context, jobs []*store.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(jobs))
	for _, job := range jobs {
		jobID, err := uuid.Parse(job.ID)
		if err != nil {
			continue
		}
		ids = append(ids, jobID)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET locked_at = NULL, locked_by = NULL
		WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return fmt.Errorf("unlock jobs: %w", err)
	}
	for _, job := range jobs {
		job.LockedBy = ""
	}
	return nil
}

// UnlockOrphanedPendingJobs releases prefetch locks older than the horizon,
// skipping this broker's own.
func (s *Store) UnlockOrphanedPendingJobs(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET locked_at = NULL, locked_by = NULL
		WHERE locked_at < now() - $1::interval
		  AND locked_by LIKE $2
		  AND locked_by <> $3`,
		s.horizon, PrefetchOwnerPrefix+"%", s.self)
	if err != nil {
		return 0, fmt.Errorf("unlock orphans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DBTimeNow returns the database clock, the authority for lock ages and
// sweep scheduling across brokers.
func (s *Store) DBTimeNow(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, "SELECT now()").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("db time: %w", err)
	}
	return now, nil
}
