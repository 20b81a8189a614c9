// ============================================================================
// statsrunner CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running and inspecting the job runner
//
// Command Structure:
//   statsrunner                    # Root command
//   ├── serve                      # Start HTTP API + worker pool
//   ├── enqueue                    # Run a batch of jobs from a JSON file
//   │   └── --file, -f            # Job file
//   ├── compute                    # Run one selector synchronously
//   │   └── --question, --state
//   ├── status                     # Print effective configuration
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// serve Command:
//   1. Load config (YAML + .env + environment)
//   2. Logging / OpenTelemetry
//   3. Load dataset, open result store
//   4. Start controller (worker pool) and HTTP server
//   5. Optional gRPC health server
//   6. SIGINT/SIGTERM or GET /api/graceful_shutdown:
//      drain pool → sweep results → stop HTTP → close store
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/statsrunner/internal/api"
	"github.com/ChuLiYu/statsrunner/internal/config"
	"github.com/ChuLiYu/statsrunner/internal/controller"
	"github.com/ChuLiYu/statsrunner/internal/dataset"
	"github.com/ChuLiYu/statsrunner/internal/logger"
	"github.com/ChuLiYu/statsrunner/internal/metrics"
	"github.com/ChuLiYu/statsrunner/internal/resultstore"
	"github.com/ChuLiYu/statsrunner/internal/server"
	"github.com/ChuLiYu/statsrunner/internal/telemetry"
	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "statsrunner",
		Short: "statsrunner: an asynchronous statistics job runner",
		Long: `statsrunner answers aggregate questions over the nutrition,
physical activity and obesity dataset. Jobs are submitted over HTTP,
executed by a fixed worker pool and their results persisted until the
server shuts down.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildComputeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadConfig tolerates a missing default config file so the binary runs
// from any directory; an explicitly named file must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger.Setup(cfg)

	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("otel shutdown error", "error", err)
		}
	}()

	ds, err := dataset.Load(cfg.Dataset.Path)
	if err != nil {
		return err
	}

	store, err := resultstore.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	ctrl, err := controller.New(controller.Config{
		Pool:            cfg.PoolConfig(),
		PurgeOnShutdown: cfg.Store.PurgeOnShutdown,
	}, store, dataset.NewComputer(ds), controller.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	collector.TrackPool(ctrl)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	routerCfg := api.RouterConfig{
		ServiceName: cfg.OTel.ServiceName,
		Tracing:     cfg.OTel.Enabled(),
	}
	if cfg.Metrics.Enabled {
		routerCfg.Metrics = metrics.Handler(reg)
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(routerCfg, api.NewHandler(ctrl)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		slog.Info("http server starting", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcSrv *server.Server
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			err = fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
			return errors.Join(err, shutdown(cfg, ctrl, httpSrv, nil))
		}
		grpcSrv = server.NewServer(ctrl)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case <-ctrl.Draining():
		slog.Info("shutdown requested")
	case runErr = <-errc:
		slog.Error("server failed", "error", runErr)
	}

	return errors.Join(runErr, shutdown(cfg, ctrl, httpSrv, grpcSrv))
}

// shutdown drains the pool before the HTTP server stops so clients can
// poll results and the pending count while draining.
func shutdown(cfg *config.Config, ctrl *controller.Controller, httpSrv *http.Server, grpcSrv *server.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	ctrl.InitiateShutdown()
	var errs []error
	if err := ctrl.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}

	if err := httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if grpcSrv != nil {
		grpcSrv.Stop(ctx)
	}

	slog.Info("shutdown complete", "stats", fmt.Sprintf("%+v", ctrl.Stats()))
	return errors.Join(errs...)
}

// ============================================================================
// enqueue
// ============================================================================

// jobSpec is one entry of an enqueue job file.
type jobSpec struct {
	Selector types.Selector `json:"selector"`
	Payload  types.Payload  `json:"payload"`
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Run a batch of jobs from a JSON file through the worker pool",
		Long: `Read [{"selector": "...", "payload": {...}}, ...] from a file,
run every job through a local worker pool and print each result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			specs, err := readJobFile(jobFile)
			if err != nil {
				return err
			}
			ds, err := dataset.Load(cfg.Dataset.Path)
			if err != nil {
				return err
			}
			store, err := resultstore.Open(cmd.Context(), cfg.StoreConfig())
			if err != nil {
				return fmt.Errorf("failed to open result store: %w", err)
			}
			defer store.Close()
			return runBatch(cmd.Context(), cfg, store, dataset.NewComputer(ds), specs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.MarkFlagRequired("file")

	return cmd
}

func readJobFile(path string) ([]jobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var specs []jobSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return specs, nil
}

// runBatch submits every job, drains the pool and prints the results
// before the shutdown sweep.
func runBatch(ctx context.Context, cfg *config.Config, store resultstore.Store, computer *dataset.Computer, specs []jobSpec, out io.Writer) error {
	ctrl, err := controller.New(controller.Config{
		Pool:            cfg.PoolConfig(),
		PurgeOnShutdown: false,
	}, store, computer)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	ids := make([]types.JobID, 0, len(specs))
	for _, s := range specs {
		id, err := ctrl.Submit(ctx, s.Payload, s.Selector)
		if err != nil {
			ctrl.Shutdown(context.Background())
			return fmt.Errorf("failed to submit %s job: %w", s.Selector, err)
		}
		ids = append(ids, id)
	}

	if err := ctrl.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to drain worker pool: %w", err)
	}

	enc := json.NewEncoder(out)
	for i, id := range ids {
		line := map[string]any{"job_id": id, "selector": specs[i].Selector}
		rec, err := ctrl.Result(ctx, id)
		switch {
		case err != nil:
			line["status"] = "error"
			line["error"] = err.Error()
		case rec.Failed():
			line["status"] = "error"
			line["error"] = rec.Error
		default:
			line["status"] = "done"
			line["data"] = rec.Value
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}

	if cfg.Store.PurgeOnShutdown {
		if _, err := store.Purge(ctx); err != nil {
			return fmt.Errorf("failed to purge results: %w", err)
		}
	}
	return nil
}

// ============================================================================
// compute
// ============================================================================

func buildComputeCommand() *cobra.Command {
	var question, state string

	cmd := &cobra.Command{
		Use:       "compute <selector>",
		Short:     "Run one selector synchronously and print the JSON result",
		Args:      cobra.ExactArgs(1),
		ValidArgs: selectorNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ds, err := dataset.Load(cfg.Dataset.Path)
			if err != nil {
				return err
			}
			payload := types.Payload{"question": question}
			if state != "" {
				payload["state"] = state
			}
			return runCompute(cmd.Context(), dataset.NewComputer(ds), types.Selector(args[0]), payload, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&question, "question", "q", "", "dataset question")
	cmd.Flags().StringVarP(&state, "state", "s", "", "state (for state_* selectors)")
	cmd.MarkFlagRequired("question")

	return cmd
}

func runCompute(ctx context.Context, c *dataset.Computer, sel types.Selector, payload types.Payload, out io.Writer) error {
	v, err := c.Compute(ctx, payload, sel)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func selectorNames() []string {
	sels := dataset.Selectors()
	names := make([]string, len(sels))
	for i, s := range sels {
		names[i] = string(s)
	}
	return names
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printStatus(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "statsrunner configuration")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Runtime:")
	fmt.Fprintf(w, "  ├─ Environment:     %s\n", cfg.Env)
	fmt.Fprintf(w, "  ├─ Log Level:       %s\n", cfg.Log.Level)
	fmt.Fprintf(w, "  └─ Dataset:         %s\n", cfg.Dataset.Path)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Worker Pool:")
	fmt.Fprintf(w, "  ├─ Worker Count:    %d\n", cfg.Worker.WorkerCount)
	fmt.Fprintf(w, "  ├─ Max Workers:     %d\n", cfg.PoolConfig().MaxWorkers)
	fmt.Fprintf(w, "  └─ Task Timeout:    %s\n", orNone(cfg.Worker.TaskTimeout))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Result Store:")
	fmt.Fprintf(w, "  ├─ Backend:         %s\n", cfg.Store.Kind)
	switch cfg.Store.Kind {
	case resultstore.KindSQLite:
		fmt.Fprintf(w, "  ├─ Path:            %s\n", cfg.Store.SQLitePath)
	case resultstore.KindRedis:
		fmt.Fprintf(w, "  ├─ Prefix:          %s\n", cfg.Store.RedisPrefix)
	default:
		fmt.Fprintf(w, "  ├─ Directory:       %s\n", cfg.Store.Dir)
	}
	fmt.Fprintf(w, "  └─ Purge On Exit:   %t\n", cfg.Store.PurgeOnShutdown)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Endpoints:")
	fmt.Fprintf(w, "  ├─ HTTP:            %s\n", cfg.HTTP.Addr)
	if cfg.GRPC.Enabled {
		fmt.Fprintf(w, "  ├─ gRPC Health:     %s\n", cfg.GRPC.Addr)
	} else {
		fmt.Fprintln(w, "  ├─ gRPC Health:     disabled")
	}
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  ├─ Metrics:         %s/metrics\n", cfg.HTTP.Addr)
	} else {
		fmt.Fprintln(w, "  ├─ Metrics:         disabled")
	}
	if cfg.OTel.Enabled() {
		fmt.Fprintf(w, "  └─ OTLP:            %s\n", cfg.OTel.Endpoint)
	} else {
		fmt.Fprintln(w, "  └─ OTLP:            disabled")
	}
}

func orNone(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return d.String()
}
