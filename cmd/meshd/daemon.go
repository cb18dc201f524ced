package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/oriys/meshrt/internal/activation"
	"github.com/oriys/meshrt/internal/breaker"
	"github.com/oriys/meshrt/internal/capability"
	"github.com/oriys/meshrt/internal/clock"
	"github.com/oriys/meshrt/internal/config"
	"github.com/oriys/meshrt/internal/correlation"
	"github.com/oriys/meshrt/internal/echoactor"
	"github.com/oriys/meshrt/internal/invocation"
	"github.com/oriys/meshrt/internal/lease"
	"github.com/oriys/meshrt/internal/logging"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/metrics"
	"github.com/oriys/meshrt/internal/node"
	"github.com/oriys/meshrt/internal/observability"
	"github.com/oriys/meshrt/internal/orchestrator"
	"github.com/oriys/meshrt/internal/reminder"
	"github.com/oriys/meshrt/internal/transport"
)

func daemonCmd() *cobra.Command {
	var (
		endpoint string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the meshrt client daemon",
		Long:  "Join the mesh, advertise actor capabilities, and serve invocations until a shutdown signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("endpoint") {
				cfg.Transport.Endpoint = endpoint
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			if cfg.Observability.Logging.InvocationLogPath != "" {
				if err := logging.Default().SetOutput(cfg.Observability.Logging.InvocationLogPath); err != nil {
					logging.Op().Warn("failed to open invocation log file", "error", err)
				}
				defer logging.Default().Close()
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			var httpServer *http.Server
			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)

				if cfg.Observability.Metrics.ListenAddr != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", metrics.Handler())
					mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
						w.WriteHeader(http.StatusOK)
						w.Write([]byte(`{"status":"ok","service":"meshd"}`))
					})
					httpServer = &http.Server{Addr: cfg.Observability.Metrics.ListenAddr, Handler: mux}
					go func() {
						logging.Op().Info("meshd metrics endpoint started", "addr", cfg.Observability.Metrics.ListenAddr)
						if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
							logging.Op().Error("metrics HTTP server error", "error", err)
						}
					}()
				}
			}

			orch, reminderSvc, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			if err := orch.Start(ctx); err != nil {
				return fmt.Errorf("orchestrator start: %w", err)
			}
			logging.Op().Info("meshd started", "endpoint", cfg.Transport.Endpoint, "namespace", cfg.Node.Namespace)

			if reminderSvc != nil {
				reminderSvc.Start()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			if reminderSvc != nil {
				reminderSvc.Stop()
			}
			orch.Stop(context.Background())
			if httpServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpServer.Shutdown(ctx)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Mesh directory endpoint (host:port)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")

	return cmd
}

// buildOrchestrator wires every component named in SPEC_FULL.md §4 into a
// running Orchestrator, plus an optional Reminder Service when configured.
// The echo actor registration stands in for whatever capabilities a real
// embedding application would register instead.
func buildOrchestrator(cfg *config.Config) (*orchestrator.Orchestrator, *reminder.Service, error) {
	clk := clock.Default
	n := node.New()

	directory := capability.NewDirectory()
	scanner := capability.NewScanner(echoactor.Registration())

	conn := transport.New(transport.Config{
		Endpoint:           cfg.Transport.Endpoint,
		ReconnectBaseDelay: cfg.Transport.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Transport.ReconnectMaxDelay,
		ReconnectFactor:    cfg.Transport.ReconnectFactor,
	}, n, nil, nil)

	msgHandler := correlation.NewHandler(conn, clk)

	var breakerRegistry *breaker.Registry
	var breakerSeam invocation.Breaker
	if cfg.Breaker.Enabled {
		breakerRegistry = breaker.NewRegistry(breaker.Config{
			ErrorPct:       cfg.Breaker.ErrorPct,
			WindowDuration: cfg.Breaker.WindowDuration,
			OpenDuration:   cfg.Breaker.OpenDuration,
			HalfOpenProbes: cfg.Breaker.HalfOpenProbes,
		}, clk)
		breakerSeam = breakerRegistry
	}

	// The Addressable Leaser is shared for both directions: invocationSystem
	// uses it as a caller-side cache for actors this node calls into
	// remotely, and execSystem reuses it as the ExecutionLeaser granting
	// this node the right to keep serving its own locally-hosted actors
	// (§4.8's ExecutionLeases). Both are the same mesh-granted
	// AddressableLease concept, just keyed by different references.
	addressableLeaser := lease.NewAddressableLeaser(conn, clk, nil)

	execSystem := activation.New(activation.Config{
		Workers:      cfg.Execution.Workers,
		IdleTimeout:  cfg.Execution.IdleTimeout,
		StopDeadline: cfg.Execution.StopDeadline,
	}, directory, clk, addressableLeaser)

	invocationSystem := invocation.New(msgHandler, directory, breakerSeam, execSystem, addressableLeaser, conn)
	conn.SetSinks(msgHandler, invocationSystem)

	nodeLeaser := lease.NewNodeLeaser(lease.NodeLeaserConfig{
		Namespace:            cfg.Node.Namespace,
		JoinAttempts:         cfg.Lease.JoinAttempts,
		JoinDelay:            cfg.Lease.JoinDelay,
		LeaseRenewalFraction: cfg.Lease.LeaseRenewalFraction,
	}, conn, n, clk, func(err error) {
		logging.Op().Error("node lease renewal failed", "error", err)
	})

	deactivator := func(ref meshrt.AddressableReference, instance any) error {
		return echoactor.Deactivate(ref, instance)
	}

	orch := orchestrator.New(orchestrator.Config{
		Namespace:    cfg.Node.Namespace,
		StopDeadline: cfg.Execution.StopDeadline,
	}, orchestrator.Dependencies{
		Node:       n,
		Scanner:    scanner,
		Directory:  directory,
		NodeLeaser: nodeLeaser,
		Connection: conn,
		MsgHandler: msgHandler,
		ExecSystem: execSystem,
		Deactivator: deactivator,
		LeaseFailure: func(err error) {
			logging.Op().Error("orchestrator: lease failure, stopping", "error", err)
		},
		TickRate: cfg.Ticker.TargetTickRate,
	})

	reminderSvc, err := buildReminderService(cfg, execSystem)
	if err != nil {
		return nil, nil, err
	}

	return orch, reminderSvc, nil
}

// buildReminderService constructs the optional Reminder Service (§11) when
// cfg.Reminders is enabled and names a DSN. An S3-backed PayloadStore is attached only
// when a bucket is configured.
func buildReminderService(cfg *config.Config, dispatcher reminder.Dispatcher) (*reminder.Service, error) {
	if !cfg.Reminders.Enabled || cfg.Reminders.DSN == "" {
		return nil, nil
	}

	pool, err := pgxpool.New(context.Background(), cfg.Reminders.DSN)
	if err != nil {
		return nil, fmt.Errorf("reminder store: connect postgres: %w", err)
	}
	store := reminder.NewStore(pool)
	if err := store.EnsureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("reminder store: ensure schema: %w", err)
	}

	var payloads *reminder.PayloadStore
	if cfg.Reminders.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("reminder payload store: load aws config: %w", err)
		}
		s3Client := s3.NewFromConfig(awsCfg)
		payloads = reminder.NewPayloadStore(s3Client, cfg.Reminders.S3Bucket, cfg.Reminders.S3Prefix)
	}

	svc := reminder.NewService(store, dispatcher, payloads, reminder.Config{
		Workers:       cfg.Reminders.Workers,
		PollInterval:  cfg.Reminders.PollInterval,
		LeaseDuration: cfg.Reminders.LeaseDuration,
		BatchSize:     cfg.Reminders.BatchSize,
	})
	return svc, nil
}
