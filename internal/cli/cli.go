package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spoonbobo/onlysaid-electron-sub007/internal/config"
	internal_http "github.com/spoonbobo/onlysaid-electron-sub007/internal/http"
	"github.com/spoonbobo/onlysaid-electron-sub007/internal/log"
	"github.com/spoonbobo/onlysaid-electron-sub007/internal/metrics"
	"github.com/spoonbobo/onlysaid-electron-sub007/internal/progress"
	internal_storage "github.com/spoonbobo/onlysaid-electron-sub007/internal/storage"
	"github.com/spoonbobo/onlysaid-electron-sub007/internal/trust"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/service"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/storage"
)

// openEngine builds the engine the commands operate on. Tests replace it.
var openEngine = func(cfg *config.Config, dbConnStr string) (*service.Engine, io.Closer, error) {
	var store storage.Store
	if dbConnStr == "" {
		log.GetLogger().Warn("No database configured, using an in-memory store")
		store = storage.NewMemoryStore()
	} else {
		pg, err := internal_storage.InitStore(dbConnStr)
		if err != nil {
			return nil, nil, err
		}
		store = pg
	}
	policy, err := trust.Load(cfg.TrustPolicyFile)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	engine := service.NewEngine(store, policy, log.GetLogger(),
		service.WithLimits(cfg.Limits),
		service.WithApprovalTimeout(cfg.ApprovalTimeout),
		service.WithFallbackSink(log.AuditFallback{Logger: log.GetLogger()}),
	)
	return engine, store, nil
}

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (defaults to DATABASE_URL or DB_* env vars)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(cmd, func(cfg *config.Config, engine *service.Engine) error {
				return serve(ctx, cfg, engine)
			})
		},
	}

	createCmd := &cobra.Command{
		Use:   "create [task description]",
		Short: "Create a new execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			return withEngine(cmd, func(_ *config.Config, engine *service.Engine) error {
				exec, err := engine.CreateExecution(service.NewExecution{TaskDescription: args[0], UserID: user})
				if err != nil {
					return errors.Wrap(err, "failed to create execution")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created execution '%s' with ID %s\n", exec.TaskDescription, exec.ID)
				return nil
			})
		},
	}
	createCmd.Flags().String("user", "", "Owner of the execution")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			return withEngine(cmd, func(_ *config.Config, engine *service.Engine) error {
				execs, err := engine.ListExecutions(user)
				if err != nil {
					return errors.Wrap(err, "failed to list executions")
				}
				printExecutions(cmd.OutOrStdout(), execs)
				return nil
			})
		},
	}
	listCmd.Flags().String("user", "", "Only list executions of this user")

	showCmd := &cobra.Command{
		Use:   "show [execution id]",
		Short: "Print an execution with its agents, tasks, tool invocations and logs as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(_ *config.Config, engine *service.Engine) error {
				snap, err := engine.Snapshot(args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [execution id] [status]",
		Short: "Update an execution's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(_ *config.Config, engine *service.Engine) error {
				exec, err := engine.UpdateExecutionStatus(args[0], models.ExecutionStatus(args[1]), nil, nil)
				if err != nil {
					return errors.Wrap(err, "failed to update execution status")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated the status of execution %s to '%s'\n", exec.ID, exec.Status)
				return nil
			})
		},
	}

	approveCmd := &cobra.Command{
		Use:   "approve [tool invocation id]",
		Short: "Approve, or with --deny reject, a pending tool invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deny, _ := cmd.Flags().GetBool("deny")
			return withEngine(cmd, func(_ *config.Config, engine *service.Engine) error {
				inv, err := engine.ApproveToolExecution(args[0], !deny)
				if err != nil {
					return errors.Wrap(err, "failed to record approval")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tool invocation %s (%s) is %s\n", inv.ID, inv.ToolName, inv.Status)
				return nil
			})
		},
	}
	approveCmd.Flags().Bool("deny", false, "Deny instead of approve")

	purgeCmd := &cobra.Command{
		Use:   "purge [execution id]",
		Short: "Delete an execution and everything it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(_ *config.Config, engine *service.Engine) error {
				if err := engine.PurgeExecution(args[0]); err != nil {
					return errors.Wrap(err, "failed to purge execution")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged execution %s\n", args[0])
				return nil
			})
		},
	}

	rootCmd.AddCommand(serveCmd, createCmd, listCmd, showCmd, statusCmd, approveCmd, purgeCmd)
}

func withEngine(cmd *cobra.Command, fn func(cfg *config.Config, engine *service.Engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		log.SetLevel(cfg.LogLevel)
	}
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		return err
	}
	if dbConnStr == "" {
		dbConnStr = cfg.DatabaseURL
	}
	log.GetLogger().Debugf("Running %s with db configured: %t", cmd.Name(), dbConnStr != "")

	engine, closer, err := openEngine(cfg, dbConnStr)
	if err != nil {
		return errors.Wrap(err, "failed to initialize store")
	}
	defer closer.Close()
	return fn(cfg, engine)
}

// serve wires the observers onto the engine's progress bus and runs the HTTP
// API until ctx is done.
func serve(ctx context.Context, cfg *config.Config, engine *service.Engine) error {
	collector := metrics.NewCollector()
	go collector.Run(ctx, engine.Bus().Subscribe(""))

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		relay, err := progress.NewRedisRelay(client, progress.DefaultChannelPrefix, log.GetLogger())
		if err != nil {
			return err
		}
		go relay.Run(ctx, engine.Bus().Subscribe(""))
		log.GetLogger().Infof("Relaying progress to Redis at %s", cfg.RedisAddr)
	}

	if cfg.TaskTimeout > 0 {
		watchdog := service.NewWatchdog(engine, cfg.TaskTimeout, cfg.WatchdogInterval)
		watchdog.Start(ctx)
		defer watchdog.Stop()
	}

	return internal_http.StartServer(ctx, cfg.HTTPPort, engine, collector.Handler())
}

func printExecutions(w io.Writer, execs []models.Execution) {
	if len(execs) == 0 {
		fmt.Fprintf(w, "No executions found.\n")
		return
	}
	fmt.Fprintf(w, "Executions:\n")
	for _, e := range execs {
		fmt.Fprintf(w, "- ID: %s, Task: %s, Status: %s, Agents: %d, Tasks: %d, Created: %s\n",
			e.ID, e.TaskDescription, e.Status, e.TotalAgents, e.TotalTasks, e.CreatedAt.Format(time.RFC3339))
	}
}
