package config

import (
	"os"
	"strconv"
)

// FromEnv overlays INSTJOBS_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	setStr(&cfg.Listen.Network, "INSTJOBS_LISTEN_NETWORK")
	setStr(&cfg.Listen.Addr, "INSTJOBS_LISTEN_ADDR")
	setStr(&cfg.Store.Driver, "INSTJOBS_STORE_DRIVER")
	setStr(&cfg.Store.DataDir, "INSTJOBS_DATA_DIR")
	setStr(&cfg.Store.DatabaseURL, "INSTJOBS_DATABASE_URL")
	setInt(&cfg.Broker.BaseDelayMs, "INSTJOBS_BASE_DELAY_MS")
	setInt(&cfg.Broker.DelayStaggerMs, "INSTJOBS_DELAY_STAGGER_MS")
	setInt(&cfg.Broker.FetchBatchSize, "INSTJOBS_FETCH_BATCH_SIZE")
	setInt(&cfg.Broker.SendTimeoutMs, "INSTJOBS_SEND_TIMEOUT_MS")
	setInt(&cfg.Broker.HandshakeTimeoutMs, "INSTJOBS_HANDSHAKE_TIMEOUT_MS")
	setInt(&cfg.Broker.PendingIdleTimeoutMs, "INSTJOBS_PENDING_IDLE_TIMEOUT_MS")
	setInt(&cfg.Broker.SweepIntervalMs, "INSTJOBS_SWEEP_INTERVAL_MS")
	setInt(&cfg.Broker.ParentPID, "INSTJOBS_PARENT_PID")
	setStr(&cfg.Broker.JobFilter, "INSTJOBS_JOB_FILTER")
	setStr(&cfg.Status.Addr, "INSTJOBS_STATUS_ADDR")
	setStr(&cfg.Log.Level, "INSTJOBS_LOG_LEVEL")
	setStr(&cfg.Log.Format, "INSTJOBS_LOG_FORMAT")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
