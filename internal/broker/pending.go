package broker

import (
	"context"

	"github.com/ZenMilan/inst-jobs/pkg/log"
)

// purgeStale unlocks whole prefetch batches whose oldest job has sat
// undelivered past the idle timeout. Holding a lock nobody is draining only
// starves other brokers of that job.
func (b *Broker) purgeStale(ctx context.Context) {
	// lock timestamps are store-issued; compare against store time
	now := b.clock().Add(b.storeSkew)
	for cfg, jobs := range b.pending {
		if len(jobs) == 0 {
			delete(b.pending, cfg)
			continue
		}
		if now.Sub(jobs[0].LockedAt) <= b.cfg.PendingIdleTimeout {
			continue
		}
		if err := b.store.Unlock(ctx, jobs); err != nil {
			b.logger.Error("stale prefetch unlock failed",
				log.Str("queue", cfg.Queue), log.Int("jobs", len(jobs)), log.Err(err))
			continue
		}
		b.logger.Info("stale prefetch released",
			log.Str("queue", cfg.Queue), log.Int("jobs", len(jobs)))
		delete(b.pending, cfg)
	}
}

// purgeAll unlocks every cached job across all configs. Runs on every loop
// exit so the broker never strands a locked job.
func (b *Broker) purgeAll(ctx context.Context) {
	total := 0
	for cfg, jobs := range b.pending {
		if len(jobs) == 0 {
			delete(b.pending, cfg)
			continue
		}
		if err := b.store.Unlock(ctx, jobs); err != nil {
			b.logger.Error("shutdown unlock failed",
				log.Str("queue", cfg.Queue), log.Int("jobs", len(jobs)), log.Err(err))
			continue
		}
		total += len(jobs)
		delete(b.pending, cfg)
	}
	if total > 0 {
		b.logger.Info("pending jobs released on shutdown", log.Int("jobs", total))
	}
}
