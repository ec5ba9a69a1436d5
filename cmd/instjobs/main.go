package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/ZenMilan/inst-jobs/internal/client"
	brokerrun "github.com/ZenMilan/inst-jobs/internal/cmd/broker"
	cfgpkg "github.com/ZenMilan/inst-jobs/internal/config"
	"github.com/ZenMilan/inst-jobs/internal/wire"
	"github.com/ZenMilan/inst-jobs/migrations"
	logpkg "github.com/ZenMilan/inst-jobs/pkg/log"
)

func main() {
	level := os.Getenv("INSTJOBS_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "instjobs",
		Short: "Job queue broker CLI",
		Long:  "instjobs runs the job queue broker and basic operations against it.",
	}

	rootCmd.AddCommand(newBrokerCommand())
	rootCmd.AddCommand(newJobCommand())
	rootCmd.AddCommand(newWorkCommand())
	rootCmd.AddCommand(newMigrateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := cfgpkg.Default()
	if path != "" {
		var err error
		cfg, err = cfgpkg.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
	}
	cfgpkg.FromEnv(&cfg)

	if v, _ := cmd.Flags().GetString("listen-network"); v != "" {
		cfg.Listen.Network = v
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen.Addr = v
	}
	if v, _ := cmd.Flags().GetString("store"); v != "" {
		cfg.Store.Driver = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Store.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("database-url"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v, _ := cmd.Flags().GetString("status"); v != "" {
		cfg.Status.Addr = v
	}
	if v, _ := cmd.Flags().GetString("filter"); v != "" {
		cfg.Broker.JobFilter = v
	}
	if v, _ := cmd.Flags().GetInt("parent-pid"); v > 0 {
		cfg.Broker.ParentPID = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	return cfg, nil
}

func newBrokerCommand() *cobra.Command {
	brokerCmd := &cobra.Command{Use: "broker", Short: "Broker commands"}
	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the broker (worker socket and status API)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := brokerrun.Run(ctx, brokerrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("broker error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	startCmd.Flags().String("config", "", "Config file (json or yaml)")
	startCmd.Flags().String("listen-network", "", "Worker socket network: unix|tcp")
	startCmd.Flags().String("listen", "", "Worker socket address")
	startCmd.Flags().String("store", "", "Store driver: pebble|postgres")
	startCmd.Flags().String("data-dir", "", "Data directory for the pebble store")
	startCmd.Flags().String("database-url", "", "Postgres connection string")
	startCmd.Flags().String("status", "", "Status HTTP listen address")
	startCmd.Flags().String("filter", "", "CEL expression narrowing which jobs this broker fetches (pebble only)")
	startCmd.Flags().Int("parent-pid", 0, "Exit when no longer parented by this PID")
	startCmd.Flags().String("log-level", os.Getenv("INSTJOBS_LOG_LEVEL"), "Log level: debug|info|warn|error")
	startCmd.Flags().String("log-format", os.Getenv("INSTJOBS_LOG_FORMAT"), "Log format: text|json")
	brokerCmd.AddCommand(startCmd)
	return brokerCmd
}

func newJobCommand() *cobra.Command {
	jobCmd := &cobra.Command{Use: "job", Short: "Job operations (via the broker's status API)"}
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _ := cmd.Flags().GetString("queue")
			priority, _ := cmd.Flags().GetInt("priority")
			payload, _ := cmd.Flags().GetString("payload")
			delay, _ := cmd.Flags().GetDuration("delay")

			body := map[string]any{
				"queue":    queue,
				"priority": priority,
				"payload":  json.RawMessage(payload),
			}
			if delay > 0 {
				body["run_at"] = time.Now().Add(delay).Format(time.RFC3339)
			}
			b, err := json.Marshal(body)
			if err != nil {
				return err
			}
			resp, err := http.Post(apiURL()+"/v1/jobs/enqueue", "application/json", bytes.NewReader(b))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			fmt.Println("status:", resp.Status)
			fmt.Println(string(out))
			return nil
		},
	}
	enqueueCmd.Flags().String("queue", "default", "Queue name")
	enqueueCmd.Flags().Int("priority", 0, "Priority (lower runs first)")
	enqueueCmd.Flags().String("payload", "{}", "JSON payload")
	enqueueCmd.Flags().Duration("delay", 0, "Delay before the job becomes runnable")
	jobCmd.AddCommand(enqueueCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show broker loop stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(apiURL() + "/v1/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			fmt.Println(string(out))
			return nil
		},
	}
	jobCmd.AddCommand(statusCmd)
	return jobCmd
}

func newWorkCommand() *cobra.Command {
	workCmd := &cobra.Command{
		Use:   "work",
		Short: "Connect to the broker as a worker and print received jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			network, _ := cmd.Flags().GetString("network")
			addr, _ := cmd.Flags().GetString("addr")
			name, _ := cmd.Flags().GetString("name")
			queue, _ := cmd.Flags().GetString("queue")
			minPriority, _ := cmd.Flags().GetInt("min-priority")
			maxPriority, _ := cmd.Flags().GetInt("max-priority")
			count, _ := cmd.Flags().GetInt("count")

			if name == "" {
				host, _ := os.Hostname()
				name = fmt.Sprintf("%s:%d", host, os.Getpid())
			}
			c, err := client.Dial(network, addr, name, wire.WorkerConfig{
				Queue:       queue,
				MinPriority: minPriority,
				MaxPriority: maxPriority,
				PoolSize:    1,
			})
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			enc := json.NewEncoder(os.Stdout)
			for i := 0; count <= 0 || i < count; i++ {
				job, err := c.NextJob(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				if err := enc.Encode(job); err != nil {
					return err
				}
			}
			return nil
		},
	}
	workCmd.Flags().String("network", "unix", "Broker socket network: unix|tcp")
	workCmd.Flags().String("addr", cfgpkg.Default().Listen.Addr, "Broker socket address")
	workCmd.Flags().String("name", "", "Worker name (default <host>:<pid>)")
	workCmd.Flags().String("queue", "default", "Queue to pull from")
	workCmd.Flags().Int("min-priority", 0, "Minimum priority")
	workCmd.Flags().Int("max-priority", 0, "Maximum priority (0 = unbounded)")
	workCmd.Flags().Int("count", 0, "Stop after this many jobs (0 = run until interrupted)")
	return workCmd
}

func newMigrateCommand() *cobra.Command {
	migrateCmd := &cobra.Command{Use: "migrate", Short: "Manage the postgres schema"}
	for _, dir := range []string{"up", "down"} {
		dir := dir
		migrateCmd.AddCommand(&cobra.Command{
			Use:   dir,
			Short: "Migrate the schema " + dir,
			RunE: func(cmd *cobra.Command, args []string) error {
				url, _ := cmd.Parent().PersistentFlags().GetString("database-url")
				if url == "" {
					url = os.Getenv("INSTJOBS_DATABASE_URL")
				}
				if url == "" {
					return fmt.Errorf("--database-url or INSTJOBS_DATABASE_URL required")
				}
				return runMigrate(url, dir)
			},
		})
	}
	migrateCmd.PersistentFlags().String("database-url", "", "Postgres connection string")
	return migrateCmd
}

func runMigrate(databaseURL, direction string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	connCfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	// Simple protocol lets multi-statement migration files run natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	var merr error
	if direction == "up" {
		merr = m.Up()
	} else {
		merr = m.Down()
	}
	if merr != nil && !errors.Is(merr, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, merr)
	}
	fmt.Println("migrations applied")
	return nil
}

func apiURL() string {
	if v := os.Getenv("INSTJOBS_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
