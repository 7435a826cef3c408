package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"selftune/internal/analyzer"
	"selftune/internal/api"
	"selftune/internal/breaker"
	"selftune/internal/collab"
	"selftune/internal/config"
	"selftune/internal/executor"
	"selftune/internal/learner"
	"selftune/internal/logging"
	"selftune/internal/loop"
	"selftune/internal/metrics"
	"selftune/internal/monitor"
	"selftune/internal/store"
	"selftune/internal/types"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Global flags
	verbose    bool
	configPath string
	serverAddr string

	// Run flags
	listenAddr string

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "selftune",
	Short: "selftune - autonomic tuning loop for tool-serving systems",
	Long: `selftune watches a stream of tool invocations, learns per-metric
baselines, and closes a monitor/analyze/execute/learn loop over an
allowlisted set of runtime tunables. An external language model proposes
diagnoses and bounded corrective actions; a circuit breaker, cooldowns,
and an operator approval workflow keep it on a short leash.

"selftune run" starts the loop; the other subcommands talk to it over
its operator API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the tuning loop, reading invocation events from stdin",
	Long: `Starts the loop and its operator API. Invocation events arrive as
one JSON object per line on stdin:

  {"tool_name": "search", "latency_ms": 120.5, "success": true, "quality_score": 0.9}

The loop checks health on a fixed interval; "selftune check" forces an
immediate cycle through the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop()
	},
}

func runLoop() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logging.Initialize(cfg.Workspace, logging.Options{DebugMode: cfg.Debug || verbose}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()
	logging.Boot("selftune starting (workspace %s)", cfg.Workspace)

	st, err := store.New(cfg.Workspace)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	allow := cfg.BuildAllowlist()
	params, err := cfg.RuntimeParams()
	if err != nil {
		return err
	}
	runtime := executor.NewRuntimeConfig(params, cfg.RuntimeResources())

	llm, err := collab.NewOpenAIClient(cfg.ClientConfig())
	if err != nil {
		return err
	}
	collaborator := collab.New(cfg.CollabConfig(), llm, allow, st.RecentLessons)

	brk := breaker.New(cfg.BreakerConfig())
	mon := monitor.New(cfg.MonitorConfig())

	anCfg, err := cfg.AnalyzerConfig()
	if err != nil {
		return err
	}
	an := analyzer.New(anCfg, brk, collaborator, st.CountPending)
	ex := executor.New(cfg.ExecutorConfig(), brk, allow, runtime)
	ln := learner.New(cfg.LearnerConfig(), collaborator)

	approvalMin, err := cfg.ApprovalMinSeverity()
	if err != nil {
		return err
	}
	ctrl, err := loop.New(loop.Config{
		Interval:            cfg.LoopInterval(),
		AutoApprove:         cfg.Loop.AutoApprove,
		ApprovalMinSeverity: approvalMin,
	}, mon, an, ex, ln, st, brk, collaborator)
	if err != nil {
		return err
	}

	srv := api.New(listenAddr, ctrl, st, runtime)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return readEvents(ctx, ctrl) })

	logger.Info("selftune running",
		zap.String("listen", listenAddr),
		zap.Duration("interval", cfg.LoopInterval()))

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logging.Boot("selftune stopped")
	return nil
}

// readEvents feeds stdin invocation events into the monitor. A closed stdin
// is not an error; the loop keeps running on its interval.
func readEvents(ctx context.Context, ctrl *loop.Controller) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev types.InvocationEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logging.MonitorDebug("skipping malformed event: %v", err)
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		ctrl.OnInvocation(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "selftune.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://127.0.0.1:8787", "Operator API address of a running loop")

	runCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8787", "Operator API listen address")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(diagnosticsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(baselinesCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(rollbackCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
