package broker

import (
	"context"
	"time"

	"github.com/ZenMilan/inst-jobs/internal/store"
	"github.com/ZenMilan/inst-jobs/internal/wire"
	"github.com/ZenMilan/inst-jobs/pkg/log"
)

// matchAll runs one work-matching pass over every config with waiting
// workers.
func (b *Broker) matchAll(ctx context.Context) {
	for cfg := range b.waiting {
		b.matchConfig(ctx, cfg)
	}
}

// matchConfig matches idle workers of one config to work: drain the prefetch
// cache first, then fetch from the store for whoever is still waiting.
func (b *Broker) matchConfig(ctx context.Context, cfg wire.WorkerConfig) {
	b.drainPending(ctx, cfg)

	// snapshot: delivery removes workers from the live queue mid-iteration
	idle := append([]*ClientState(nil), b.waiting[cfg]...)
	if len(idle) == 0 {
		return
	}

	names := make([]string, 0, len(idle))
	seen := make(map[string]struct{}, len(idle))
	for _, c := range idle {
		if _, dup := seen[c.name]; dup {
			continue
		}
		seen[c.name] = struct{}{}
		names = append(names, c.name)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	extra := b.cfg.FetchBatchSize*poolSize - len(idle)
	if extra < 0 {
		extra = 0
	}
	req := store.FetchRequest{
		WorkerNames: names,
		Queue:       cfg.Queue,
		MinPriority: cfg.MinPriority,
		MaxPriority: cfg.MaxPriority,
		ExtraCount:  extra,
		ExtraOwner:  b.prefetchOwner,
	}
	res, err := b.fetch(ctx, req)
	if err != nil {
		b.logger.Error("fetch failed", log.Str("queue", cfg.Queue), log.Err(err))
		return
	}

	// deliver named jobs in waiting order; workers without a job stay
	// queued, and a name shared by several connections gets its job once
	for _, c := range idle {
		job, ok := res.ByWorker[c.name]
		if !ok || job == nil {
			continue
		}
		delete(res.ByWorker, c.name)
		b.removeFromWaiting(c)
		c.working = true
		b.deliver(ctx, job, c)
	}
	if len(res.Extra) > 0 {
		b.pending[cfg] = append(b.pending[cfg], res.Extra...)
	}
}

// drainPending hands cached prefetched jobs to waiting workers, oldest job
// to longest-waiting worker, transferring each lock before sending.
func (b *Broker) drainPending(ctx context.Context, cfg wire.WorkerConfig) {
	for len(b.pending[cfg]) > 0 && len(b.waiting[cfg]) > 0 {
		job := b.pending[cfg][0]
		c := b.waiting[cfg][0]

		b.pending[cfg] = b.pending[cfg][1:]
		b.removeFromWaiting(c)

		ok, err := b.store.TransferLock(ctx, job, b.prefetchOwner, c.name)
		if err != nil {
			// lock state unknown; keep both and retry next round
			b.logger.Error("lock transfer failed",
				log.Str("job", job.ID), log.Str("worker", c.name), log.Err(err))
			b.pending[cfg] = append([]*store.Job{job}, b.pending[cfg]...)
			b.requeueFront(cfg, c)
			return
		}
		if !ok {
			// lost the race; the store owns the job now, the worker keeps
			// its place in line
			b.logger.Debug("lock transfer raced",
				log.Str("job", job.ID), log.Str("worker", c.name))
			b.requeueFront(cfg, c)
			return
		}
		c.working = true
		b.deliver(ctx, job, c)
	}
	if len(b.pending[cfg]) == 0 {
		delete(b.pending, cfg)
	}
}

func (b *Broker) requeueFront(cfg wire.WorkerConfig, c *ClientState) {
	c.waiting = true
	b.waiting[cfg] = append([]*ClientState{c}, b.waiting[cfg]...)
}

// fetch calls the store's fetch-and-lock, through the AroundFetch hook when
// one is registered.
func (b *Broker) fetch(ctx context.Context, req store.FetchRequest) (store.FetchResult, error) {
	if b.aroundFetch != nil {
		return b.aroundFetch(ctx, req, b.store.GetAndLockNextAvailable)
	}
	return b.store.GetAndLockNextAvailable(ctx, req)
}

// deliver writes one job to a client under the send timeout. On failure the
// client is dropped and the job unlocked so it becomes available again.
func (b *Broker) deliver(ctx context.Context, job *store.Job, c *ClientState) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(b.cfg.SendTimeout))
	err := wire.WriteJob(c.conn, job)
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		b.logger.Warn("send failed, releasing job",
			log.Str("job", job.ID), log.Str("worker", c.name), log.Err(err))
		b.dropClient(c)
		if uerr := b.store.Unlock(ctx, []*store.Job{job}); uerr != nil {
			b.logger.Error("unlock after failed send", log.Str("job", job.ID), log.Err(uerr))
		}
		return
	}
	b.delivered++
	b.logger.Debug("job delivered", log.Str("job", job.ID), log.Str("worker", c.name))
}
