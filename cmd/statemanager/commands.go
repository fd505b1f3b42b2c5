package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/exospherehost/runtime/internal/config"
	"github.com/exospherehost/runtime/internal/logger"
	"github.com/exospherehost/runtime/internal/templates"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "statemanager",
		Short: "Cron trigger scheduler and state retry engine for the exosphere runtime",
		Long: `statemanager materializes graph cron triggers, fires them when due, retries
errored node states according to each graph's retry policy and times out
states that exceed their node timeout.

Configuration is read from environment variables; run "statemanager config"
to print the effective values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newSweepCmd(),
		newMigrateCmd(),
		newApplyCmd(),
		newTriggersCmd(),
		newStateCmd(),
		newValidateCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// setup loads and validates configuration and builds the logger.
func setup() (config.Config, *zap.SugaredLogger, error) {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		return cfg, nil, invalidConfig(fmt.Errorf("configuration error: %w", err))
	}
	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, nil, invalidConfig(err)
	}
	return cfg, zl.Sugar(), nil
}

// withApp runs fn against a fully wired app and tears it down afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd() *cobra.Command {
	var runMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the trigger scheduler, timeout sweep and webhook notifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			logConfigWarnings(cfg, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a, runMigrations)
		},
	}
	cmd.Flags().BoolVar(&runMigrations, "migrate", true, "apply pending schema migrations before starting")
	return cmd
}

func serve(ctx context.Context, a *app, runMigrations bool) error {
	log := a.logger
	if runMigrations {
		if err := a.migrate(); err != nil {
			return err
		}
	}

	if _, err := a.reconciler.MigrateLegacyTriggers(ctx); err != nil {
		return err
	}

	opsServer := &http.Server{
		Addr:    a.cfg.OpsAddr,
		Handler: newOpsHandler(a.store, a.registry, a.cfg.MetricsPath),
	}
	go func() {
		log.Infow("ops server listening", "addr", a.cfg.OpsAddr)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("ops server error", "error", err)
		}
	}()

	// Separate contexts give an ordered shutdown: producers stop before the
	// notifier drains.
	workCtx, cancelWork := context.WithCancel(context.Background())
	var workWg sync.WaitGroup
	var schedErr error

	workWg.Add(2)
	go func() {
		defer workWg.Done()
		schedErr = a.scheduler.Run(workCtx)
	}()
	go func() {
		defer workWg.Done()
		a.reconciler.Run(workCtx)
	}()
	stopNotifier := a.runNotifier()

	log.Infow("started",
		"tick", a.cfg.TriggerTickInterval, "workers", a.cfg.TriggerWorkers,
		"retention", a.cfg.RetentionWindow(), "ops", a.cfg.OpsAddr)

	<-ctx.Done()
	log.Info("shutdown signal received")

	log.Info("stopping scheduler and reconciler...")
	cancelWork()
	workWg.Wait()

	log.Info("stopping notifier (draining webhooks)...")
	stopNotifier()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("ops server shutdown error", "error", err)
	}

	log.Info("stopped")
	if schedErr != nil && !errors.Is(schedErr, context.Canceled) {
		return schedErr
	}
	return nil
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one trigger sweep and one timeout sweep, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stopNotifier := a.runNotifier()
				defer stopNotifier()

				res, err := a.scheduler.Sweep(ctx)
				if err != nil {
					return err
				}
				timedOut, err := a.reconciler.TimeoutSweep(ctx)
				if err != nil {
					return err
				}
				purged, err := a.reconciler.Purge(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"claimed":          res.Claimed,
					"triggered":        res.Triggered,
					"failed":           res.Failed,
					"regenerated":      res.Regenerated,
					"states_timed_out": timedOut,
					"triggers_purged":  purged,
				})
			})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.db == nil {
					return invalidConfig(errors.New("migrate requires STORE_BACKEND=postgres"))
				}
				if err := a.migrate(); err != nil {
					return err
				}
				n, err := a.reconciler.MigrateLegacyTriggers(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrations applied, %d legacy triggers cancelled\n", n)
				return nil
			})
		},
	}
}

func newApplyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply -f template.yaml",
		Short: "Create or update a graph template and reconcile its cron triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := templates.LoadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.templates.Upsert(ctx, tmpl)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"namespace":    tmpl.Namespace,
					"graph_name":   tmpl.Name,
					"created":      res.Created,
					"cancelled":    res.Cancelled,
					"materialized": res.Materialized,
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "graph template YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTriggersCmd() *cobra.Command {
	var namespace, graph string
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Inspect and cancel materialized triggers",
	}
	cmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "namespace")
	cmd.PersistentFlags().StringVarP(&graph, "graph", "g", "", "graph name")
	_ = cmd.MarkPersistentFlagRequired("namespace")
	_ = cmd.MarkPersistentFlagRequired("graph")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the triggers of a graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				list, err := a.store.ListTriggers(ctx, namespace, graph)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}, &cobra.Command{
		Use:   "cancel",
		Short: "Cancel every pending trigger of a graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.templates.CancelTriggers(ctx, namespace, graph)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})
	return cmd
}

func newStateCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Drive node state transitions",
	}
	cmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "namespace")

	var message string
	errorCmd := &cobra.Command{
		Use:   "error <state-id>",
		Short: "Report a QUEUED state as errored; schedules a retry if the policy allows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid state id: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stopNotifier := a.runNotifier()
				defer stopNotifier()

				res, err := a.states.Errored(ctx, namespace, id, message)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	errorCmd.Flags().StringVarP(&message, "message", "m", "", "error message")
	_ = errorCmd.MarkFlagRequired("message")

	var fanoutID string
	retryCmd := &cobra.Command{
		Use:   "retry <state-id>",
		Short: "Create a manual retry of a state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid state id: %w", err)
			}
			if fanoutID == "" {
				fanoutID = uuid.NewString()
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.states.ManualRetry(ctx, namespace, id, fanoutID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	retryCmd.Flags().StringVar(&fanoutID, "fanout-id", "", "fanout id for the retried state (defaults to a new uuid)")

	queueCmd := &cobra.Command{
		Use:   "queue <state-id>",
		Short: "Move a CREATED state to QUEUED and stamp its timeout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid state id: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				timeoutAt, err := a.states.MarkQueued(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "timeout_at": timeoutAt})
			})
		},
	}

	cmd.AddCommand(errorCmd, retryCmd, queueCmd)
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(config.Load()); err != nil {
				return invalidConfig(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Load().MaskedJSON()
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "statemanager version %s (commit: %s)\n", version, commit)
		},
	}
}
