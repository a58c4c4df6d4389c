// Command kerneld runs the object-capability kernel as a standalone
// daemon: it opens a durable store, constructs the kernel façade, starts
// the crank loop and GC reaper, and exposes the operator surface over
// HTTP (internal/adminapi) and gRPC health/reflection (internal/grpcapi).
//
// Follows a conventional daemon wiring order (load config
// -> init observability -> open store -> construct services -> start
// transports -> wait for signal -> graceful shutdown), collapsed to a
// single cobra command since the kernel has no verb-per-operation CLI —
// every operator action goes through the admin HTTP surface once the
// daemon is running.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ocap-kernel/kernel/internal/adminapi"
	"github.com/ocap-kernel/kernel/internal/cluster"
	"github.com/ocap-kernel/kernel/internal/config"
	"github.com/ocap-kernel/kernel/internal/grpcapi"
	"github.com/ocap-kernel/kernel/internal/kernel"
	"github.com/ocap-kernel/kernel/internal/kvstore"
	"github.com/ocap-kernel/kernel/internal/logging"
	"github.com/ocap-kernel/kernel/internal/metrics"
	"github.com/ocap-kernel/kernel/internal/observability"
	"github.com/ocap-kernel/kernel/internal/queue"
	"github.com/ocap-kernel/kernel/internal/worker"
	"github.com/ocap-kernel/kernel/internal/worker/inproc"
	"github.com/ocap-kernel/kernel/internal/worker/subprocess"
)

var configFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		logging.Op().Error("kerneld exited with error", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		storeBackend  string
		storeDSN      string
		workerBackend string
		adminAddr     string
		grpcAddr      string
		logLevel      string
		vatOutputDir  string
	)

	cmd := &cobra.Command{
		Use:   "kerneld",
		Short: "Run the object-capability kernel daemon",
		Long:  "kerneld opens a durable store, runs the crank loop and GC reaper, and exposes the operator surface over HTTP and gRPC.",
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

			if cmd.Flags().Changed("store-backend") {
				cfg.Store.Backend = storeBackend
			}
			if cmd.Flags().Changed("store-dsn") {
				cfg.Store.DSN = storeDSN
			}
			if cmd.Flags().Changed("worker-backend") {
				cfg.Worker.Backend = workerBackend
			}
			if cmd.Flags().Changed("admin-addr") {
				cfg.Daemon.AdminAddr = adminAddr
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.GRPC.Addr = grpcAddr
				cfg.GRPC.Enabled = grpcAddr != ""
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("vat-output-dir") {
				cfg.Daemon.VatOutputDir = vatOutputDir
			}

			return run(cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (JSON or YAML, optional)")
	cmd.Flags().StringVar(&storeBackend, "store-backend", "", "store backend: memory or postgres")
	cmd.Flags().StringVar(&storeDSN, "store-dsn", "", "postgres DSN (ignored for memory backend)")
	cmd.Flags().StringVar(&workerBackend, "worker-backend", "", "vat worker backend: inproc or subprocess")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin HTTP API listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health/reflection listen address (empty disables gRPC)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&vatOutputDir, "vat-output-dir", "", "directory to capture subprocess vat stderr into (empty disables capture)")

	return cmd
}

func run(cfg *config.Config) error {
	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Daemon.LogLevel)

	ctx := context.Background()
	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	if cfg.Daemon.VatOutputDir != "" {
		if err := logging.InitOutputStore(cfg.Daemon.VatOutputDir, 64*1024, cfg.Daemon.VatOutputTTLS); err != nil {
			return fmt.Errorf("init vat output store: %w", err)
		}
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	launcher := buildLauncher(cfg.Worker)

	notifier := queue.NewChannelNotifier()
	k, err := kernel.Open(ctx, store, notifier, launcher, kernel.Config{
		GCInterval: cfg.Kernel.GCInterval,
		RestartPolicy: kernel.RestartPolicy{
			ErrorPct:       cfg.Kernel.RestartErrorPct,
			WindowDuration: cfg.Kernel.RestartWindow,
			OpenDuration:   cfg.Kernel.RestartOpenDuration,
			HalfOpenProbes: cfg.Kernel.RestartHalfOpenProbes,
		},
	})
	if err != nil {
		return fmt.Errorf("open kernel: %w", err)
	}

	k.Run(ctx)
	logging.Op().Info("kernel running", "store_backend", cfg.Store.Backend, "worker_backend", cfg.Worker.Backend)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Both transports run under one errgroup: a fatal error in either
	// takes the daemon down instead of leaving it serving half its
	// surface, and a shutdown signal winds both down gracefully.
	g, gctx := errgroup.WithContext(sigCtx)

	if cfg.Daemon.AdminAddr != "" {
		httpServer := &http.Server{Addr: cfg.Daemon.AdminAddr, Handler: adminapi.NewMux(k)}
		g.Go(func() error {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("admin http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
		logging.Op().Info("admin HTTP API started", "addr", cfg.Daemon.AdminAddr)
	}

	if cfg.GRPC.Enabled && cfg.GRPC.Addr != "" {
		grpcServer := grpcapi.New()
		grpcServer.SetServing(true)
		g.Go(func() error {
			return grpcServer.Serve(cfg.GRPC.Addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.SetServing(false)
			grpcServer.Stop()
			return nil
		})
	}

	// With no transports configured the group would return immediately;
	// this keeps the daemon alive until a signal or transport fault.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	logging.Op().Info("shutting down")
	k.Shutdown()
	return err
}

func openStore(ctx context.Context, cfg config.StoreConfig) (kvstore.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return kvstore.NewPostgresStore(ctx, cfg.DSN)
	case "memory", "":
		return kvstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("kerneld: unknown store backend %q", cfg.Backend)
	}
}

// buildLauncher returns a kernel.WorkerLauncher for the configured
// backend. The inproc backend only knows how to run the bundled example
// vat image (internal/worker/inproc's Image), matching a
// local-execution fallback; a real deployment sets worker-backend to
// subprocess and points KERNELD_WORKER_COMMAND (or the config file's
// worker.command) at a vat runtime binary.
func buildLauncher(cfg config.WorkerConfig) kernel.WorkerLauncher {
	switch cfg.Backend {
	case "subprocess":
		command := cfg.Command
		return func(ctx context.Context, vatID string, backend *cluster.Node, bundle []byte) (worker.Worker, error) {
			return subprocess.New(command), nil
		}
	default:
		return func(ctx context.Context, vatID string, backend *cluster.Node, bundle []byte) (worker.Worker, error) {
			return inproc.New(echoImage), nil
		}
	}
}

// echoImage is the in-process vat image that buildLauncher gives every
// vat on the inproc backend; the launch bundle is not used. It resolves every send's result promise with its own
// arguments, enough to exercise the crank pipeline end-to-end without a
// real compiled vat.
func echoImage(ctx context.Context, d worker.Delivery, syscalls chan<- worker.Syscall) (worker.Outcome, error) {
	if d.Kind != worker.DeliverySend || d.ResultP == "" {
		return worker.Outcome{}, nil
	}
	syscalls <- worker.Syscall{
		Kind: worker.SyscallResolve,
		Resolve: []worker.ResolveArgs{{
			Promise: d.ResultP,
			Value:   d.Args,
		}},
	}
	return worker.Outcome{}, nil
}
