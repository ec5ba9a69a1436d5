// Package brokerrun exposes a shared Run entrypoint used by the CLI to start
// a broker: open the job store, bind the worker socket, and drive the
// dispatch loop until shutdown.
package brokerrun

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ZenMilan/inst-jobs/internal/broker"
	cfgpkg "github.com/ZenMilan/inst-jobs/internal/config"
	httpserver "github.com/ZenMilan/inst-jobs/internal/server/http"
	"github.com/ZenMilan/inst-jobs/internal/store"
	pebblejobs "github.com/ZenMilan/inst-jobs/internal/store/pebble"
	pgjobs "github.com/ZenMilan/inst-jobs/internal/store/postgres"
	pebblestore "github.com/ZenMilan/inst-jobs/internal/storage/pebble"
	logpkg "github.com/ZenMilan/inst-jobs/pkg/log"
)

// Options carries everything Run needs.
type Options struct {
	Config cfgpkg.Config
}

// PrefetchOwner builds the synthetic lock-owner identity for this process.
func PrefetchOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("prefetch:%s:%d", host, os.Getpid())
}

// OpenStore opens the configured job store backend under the given prefetch
// owner identity.
func OpenStore(ctx context.Context, cfg cfgpkg.Config, owner string) (store.JobStore, error) {
	horizon := time.Duration(cfg.Broker.PendingIdleTimeoutMs) * time.Millisecond
	switch cfg.Store.Driver {
	case "", "pebble":
		dataDir := cfg.Store.DataDir
		if dataDir == "" {
			dataDir = cfgpkg.DefaultDataDir()
		}
		return pebblejobs.Open(pebblejobs.Options{
			DataDir:       filepath.Join(dataDir, "jobs"),
			Fsync:         pebblestore.FsyncModeAlways,
			SelfOwner:     owner,
			OrphanHorizon: horizon,
			Filter:        cfg.Broker.JobFilter,
		})
	case "postgres":
		return pgjobs.Open(ctx, pgjobs.Options{
			DatabaseURL:   cfg.Store.DatabaseURL,
			SelfOwner:     owner,
			OrphanHorizon: horizon,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Run starts the broker and blocks until ctx is cancelled or the dispatch
// loop dies.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := opts.Config

	logger, err := logpkg.ApplyConfig(&logpkg.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	logpkg.RedirectStdLog(logger)

	owner := PrefetchOwner()
	st, err := OpenStore(sctx, cfg, owner)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if cfg.Store.Driver == "postgres" && cfg.Broker.JobFilter != "" {
		logger.Warn("job filter is only supported by the pebble store, ignoring")
	}

	if cfg.Listen.Network == "unix" {
		// a previous run may have left its socket file behind
		_ = os.Remove(cfg.Listen.Addr)
	}
	ln, err := net.Listen(cfg.Listen.Network, cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", cfg.Listen.Network, cfg.Listen.Addr, err)
	}
	if cfg.Listen.Network == "unix" {
		defer os.Remove(cfg.Listen.Addr)
	}

	b := broker.New(ln, st, broker.Config{
		BaseDelay:          time.Duration(cfg.Broker.BaseDelayMs) * time.Millisecond,
		DelayStagger:       time.Duration(cfg.Broker.DelayStaggerMs) * time.Millisecond,
		FetchBatchSize:     cfg.Broker.FetchBatchSize,
		SendTimeout:        time.Duration(cfg.Broker.SendTimeoutMs) * time.Millisecond,
		HandshakeTimeout:   time.Duration(cfg.Broker.HandshakeTimeoutMs) * time.Millisecond,
		PendingIdleTimeout: time.Duration(cfg.Broker.PendingIdleTimeoutMs) * time.Millisecond,
		SweepInterval:      time.Duration(cfg.Broker.SweepIntervalMs) * time.Millisecond,
		ParentPID:          cfg.Broker.ParentPID,
	},
		broker.WithLogger(logger),
		broker.WithPrefetchOwner(owner),
	)

	logger.Info("starting broker",
		logpkg.Str("listen", cfg.Listen.Network+"://"+cfg.Listen.Addr),
		logpkg.Str("store", cfg.Store.Driver),
		logpkg.Str("status", cfg.Status.Addr),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	var wg sync.WaitGroup
	var statusSrv *httpserver.Server
	if cfg.Status.Addr != "" {
		statusSrv = httpserver.New(st, b.Stats)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusSrv.ListenAndServe(sctx, cfg.Status.Addr); err != nil && sctx.Err() == nil {
				logger.Error("status server failed", logpkg.Err(err))
			}
		}()
	}

	runErr := b.Run(sctx)
	if statusSrv != nil {
		statusSrv.Close()
	}
	wg.Wait()
	if runErr != nil && sctx.Err() == nil {
		return runErr
	}
	return nil
}
