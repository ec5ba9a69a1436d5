// Package broker implements the dispatch side of the worker pool: one
// process holding the listening socket, accepting worker clients, reading
// their handshakes, and streaming them locked jobs from the shared store.
//
// All broker state (registry, waiting queues, pending cache) is owned by the
// single goroutine running the dispatch loop. Accept and per-connection
// reads happen on their own goroutines but only communicate with the loop
// through the event channel, so no state needs locking.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ZenMilan/inst-jobs/internal/store"
	"github.com/ZenMilan/inst-jobs/internal/wire"
	"github.com/ZenMilan/inst-jobs/pkg/log"
)

// Config carries the dispatch loop's tunables.
type Config struct {
	// BaseDelay plus a random fraction of DelayStagger bounds each
	// iteration's wait for socket events.
	BaseDelay    time.Duration
	DelayStagger time.Duration

	// FetchBatchSize scales prefetch: each fetch asks for up to
	// FetchBatchSize*PoolSize jobs beyond the waiting workers.
	FetchBatchSize int

	// SendTimeout bounds writing one job to a client socket.
	SendTimeout time.Duration

	// HandshakeTimeout bounds completing a handshake once its first byte
	// has arrived. A client that opens a connection and goes silent is
	// left alone; one that sends a partial handshake is dropped.
	HandshakeTimeout time.Duration

	// PendingIdleTimeout is how long prefetched jobs may sit undelivered
	// before the whole batch is unlocked back to the store.
	PendingIdleTimeout time.Duration

	// SweepInterval schedules the store's orphaned-lock sweep. The first
	// sweep runs at a random offset within the interval so brokers
	// restarting together do not sweep together.
	SweepInterval time.Duration

	// ParentPID, when nonzero, makes the loop exit once the process is no
	// longer parented by it (supervisor gone).
	ParentPID int
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.DelayStagger < 0 {
		c.DelayStagger = 0
	}
	if c.FetchBatchSize <= 0 {
		c.FetchBatchSize = 2
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.PendingIdleTimeout <= 0 {
		c.PendingIdleTimeout = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Minute
	}
}

// FetchFunc is the store fetch call as seen by an AroundFetch hook.
type FetchFunc func(ctx context.Context, req store.FetchRequest) (store.FetchResult, error)

// FetchHook wraps the store fetch. It must call next to perform the fetch.
type FetchHook func(ctx context.Context, req store.FetchRequest, next FetchFunc) (store.FetchResult, error)

// Stats is a point-in-time snapshot of loop state, safe to read from other
// goroutines.
type Stats struct {
	Clients    int       `json:"clients"`
	Waiting    int       `json:"waiting"`
	Pending    int       `json:"pending"`
	Delivered  uint64    `json:"delivered"`
	LastSweep  time.Time `json:"last_sweep,omitempty"`
	SweptTotal int       `json:"swept_total"`
}

// Broker owns the listening socket and the dispatch loop.
type Broker struct {
	cfg    Config
	ln     net.Listener
	store  store.JobStore
	logger log.Logger

	events chan event

	// loop-owned state, touched only from Run's goroutine
	clients   map[*ClientState]struct{}
	waiting   map[wire.WorkerConfig][]*ClientState
	pending   map[wire.WorkerConfig][]*store.Job
	delivered uint64

	prefetchOwner string
	clock         func() time.Time
	rng           *rand.Rand
	getppid       func() int
	aroundFetch   FetchHook

	nextSweep  time.Time
	sweptTotal int
	lastSweep  time.Time
	// storeSkew is the store clock minus the local clock; lock timestamps
	// come from the store, so ages are measured in store time.
	storeSkew time.Duration

	statsMu sync.Mutex
	stats   Stats
}

// Option customizes a Broker.
type Option func(*Broker)

// WithLogger sets the broker's logger.
func WithLogger(l log.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option { return func(b *Broker) { b.clock = now } }

// WithRand injects the jitter source (tests).
func WithRand(r *rand.Rand) Option { return func(b *Broker) { b.rng = r } }

// WithPrefetchOwner overrides the synthetic owner identity for prefetched
// jobs. Defaults to "prefetch:<hostname>:<pid>".
func WithPrefetchOwner(owner string) Option { return func(b *Broker) { b.prefetchOwner = owner } }

// WithAroundFetch registers a hook wrapping every store fetch.
func WithAroundFetch(h FetchHook) Option { return func(b *Broker) { b.aroundFetch = h } }

// New builds a Broker serving ln against st. The listener is closed when Run
// returns.
func New(ln net.Listener, st store.JobStore, cfg Config, opts ...Option) *Broker {
	cfg.applyDefaults()
	host, _ := os.Hostname()
	b := &Broker{
		cfg:           cfg,
		ln:            ln,
		store:         st,
		logger:        log.NewLogger(log.WithLevel(log.InfoLevel)),
		events:        make(chan event, 128),
		clients:       make(map[*ClientState]struct{}),
		waiting:       make(map[wire.WorkerConfig][]*ClientState),
		pending:       make(map[wire.WorkerConfig][]*store.Job),
		prefetchOwner: fmt.Sprintf("prefetch:%s:%d", host, os.Getpid()),
		clock:         time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		getppid:       os.Getppid,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(log.Component("broker"))
	return b
}

// PrefetchOwner returns the synthetic lock-owner identity this broker uses
// for prefetched jobs.
func (b *Broker) PrefetchOwner() string { return b.prefetchOwner }

// Stats returns the latest loop snapshot.
func (b *Broker) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// Run drives the dispatch loop until ctx is canceled or a fatal error
// occurs. On any exit path every cached locked job is unlocked first.
func (b *Broker) Run(ctx context.Context) error {
	defer b.shutdown()

	b.scheduleFirstSweep(ctx)
	go b.acceptLoop()
	b.logger.Info("broker running",
		log.Str("addr", b.ln.Addr().String()),
		log.Str("prefetch_owner", b.prefetchOwner))

	for {
		if b.cfg.ParentPID > 0 && b.getppid() != b.cfg.ParentPID {
			return fmt.Errorf("parent process %d gone", b.cfg.ParentPID)
		}
		if err := b.runOnce(ctx); err != nil {
			return err
		}
		b.maybeSweep(ctx)
		b.publishStats()
	}
}

// runOnce performs one loop iteration: wait for socket events up to the
// jittered bound, drain whatever queued up, then match work and purge stale
// prefetch.
func (b *Broker) runOnce(ctx context.Context) error {
	wait := b.cfg.BaseDelay
	if b.cfg.DelayStagger > 0 {
		wait += time.Duration(b.rng.Float64() * float64(b.cfg.DelayStagger))
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-b.events:
		if err := b.handleEvent(ctx, ev); err != nil {
			return err
		}
		// drain without waiting so one iteration absorbs a burst
		if err := b.drainEvents(ctx); err != nil {
			return err
		}
	case <-timer.C:
	}

	b.matchAll(ctx)
	b.purgeStale(ctx)
	return nil
}

func (b *Broker) drainEvents(ctx context.Context) error {
	for {
		select {
		case ev := <-b.events:
			if err := b.handleEvent(ctx, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

type eventKind int

const (
	evAccept eventKind = iota
	evHello
	evClosed
	evFatal
)

type event struct {
	kind   eventKind
	client *ClientState
	hello  wire.Hello
	err    error
}

func (b *Broker) handleEvent(ctx context.Context, ev event) error {
	switch ev.kind {
	case evAccept:
		b.clients[ev.client] = struct{}{}
		b.logger.Debug("client connected", log.Str("remote", ev.client.remote))
	case evHello:
		b.handleHello(ev.client, ev.hello)
	case evClosed:
		if ev.err != nil && !isDisconnect(ev.err) {
			b.logger.Warn("client read failed",
				log.Str("worker", ev.client.name), log.Err(ev.err))
		}
		b.dropClient(ev.client)
	case evFatal:
		return fmt.Errorf("accept: %w", ev.err)
	}
	return nil
}

// handleHello records the client's identity and queues it for work. A
// handshake is the client's request for its next job, so working resets.
func (b *Broker) handleHello(c *ClientState, h wire.Hello) {
	if c.dropped {
		return
	}
	b.removeFromWaiting(c)
	c.name = h.Name
	c.config = h.Config
	c.working = false
	c.waiting = true
	b.waiting[c.config] = append(b.waiting[c.config], c)
	b.logger.Debug("worker waiting",
		log.Str("worker", c.name), log.Str("queue", c.config.Queue))
}

// acceptLoop hands new connections to the dispatch loop and spawns their
// read goroutines. Runs until the listener closes.
func (b *Broker) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			b.events <- event{kind: evFatal, err: err}
			return
		}
		c := newClientState(conn)
		b.events <- event{kind: evAccept, client: c}
		go b.readLoop(c)
	}
}

// scheduleFirstSweep picks a random offset into the sweep interval and takes
// the first store clock reading for skew tracking.
func (b *Broker) scheduleFirstSweep(ctx context.Context) {
	now, err := b.store.DBTimeNow(ctx)
	if err != nil {
		b.logger.Warn("store time unavailable, using local clock", log.Err(err))
		now = b.clock()
	}
	b.storeSkew = now.Sub(b.clock())
	offset := time.Duration(b.rng.Float64() * float64(b.cfg.SweepInterval))
	b.nextSweep = b.clock().Add(offset)
}

func (b *Broker) maybeSweep(ctx context.Context) {
	if b.clock().Before(b.nextSweep) {
		return
	}
	if dbNow, err := b.store.DBTimeNow(ctx); err == nil {
		b.storeSkew = dbNow.Sub(b.clock())
	}
	n, err := b.store.UnlockOrphanedPendingJobs(ctx)
	if err != nil {
		b.logger.Error("orphan sweep failed", log.Err(err))
	} else {
		b.sweptTotal += n
		b.lastSweep = b.clock()
		if n > 0 {
			b.logger.Info("orphan sweep released jobs", log.Int("count", n))
		}
	}
	b.nextSweep = b.clock().Add(b.cfg.SweepInterval)
}

func (b *Broker) publishStats() {
	waiting := 0
	for _, q := range b.waiting {
		waiting += len(q)
	}
	pending := 0
	for _, jobs := range b.pending {
		pending += len(jobs)
	}
	b.statsMu.Lock()
	b.stats = Stats{
		Clients:    len(b.clients),
		Waiting:    waiting,
		Pending:    pending,
		Delivered:  b.delivered,
		LastSweep:  b.lastSweep,
		SweptTotal: b.sweptTotal,
	}
	b.statsMu.Unlock()
}

// shutdown closes the listener and every client, then unlocks all cached
// jobs. Runs on every exit path; the unlock is the broker's core liveness
// guarantee.
func (b *Broker) shutdown() {
	_ = b.ln.Close()
	for c := range b.clients {
		b.dropClient(c)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b.purgeAll(ctx)
	b.publishStats()
	b.logger.Info("broker stopped")
}
