package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/example/task-relay/internal/api"
	"github.com/example/task-relay/internal/backends"
	"github.com/example/task-relay/internal/config"
	"github.com/example/task-relay/internal/detector"
	"github.com/example/task-relay/internal/relay"
	"github.com/example/task-relay/internal/router"
)

const version = "0.3.0"

var (
	// Global flags
	verbose bool
	cfgPath string
	port    int

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "relayd - category-routed task relay service",
	Long: `relayd dispatches work items to specialized solver backends by category,
watches each backend's attempt stream for non-convergence, and relays stuck
tasks to a fresh backend with a synthesized handover record.

Run without arguments to start the HTTP server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real env always wins
		_ = godotenv.Load()

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
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var submitCmd = &cobra.Command{
	Use:   "submit [category] [payload]",
	Short: "Run a single task locally and print the terminal task as JSON",
	Long: `Creates a task, runs it through the relay manager in-process without
starting the HTTP server, and prints the finished task (state, attempt
history, result) to stdout.`,
	Args: cobra.ExactArgs(2),
	RunE: runSubmit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relayd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("relayd " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to relayd.yaml (default ./relayd.yaml if present)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "listen port (overrides config and RELAYD_PORT)")
	rootCmd.AddCommand(serveCmd, submitCmd, versionCmd)
}

func buildManager(cfg *config.Config) (*relay.Manager, error) {
	reg := backends.NewFromConfig(cfg)
	if err := cfg.ValidateRoutes(reg.IDs()); err != nil {
		return nil, err
	}
	rt := router.New(cfg.Routes)
	det := detector.New(detector.Config{
		MaxRepeatedFailures:   cfg.Stuck.MaxRepeatedFailures,
		MaxElapsed:            cfg.MaxElapsed(),
		HighRiskSignatures:    cfg.Stuck.HighRiskSignatures,
		MaxAttemptsPerBackend: cfg.Stuck.MaxAttemptsPerBackend,
	})
	return relay.New(rt, reg, det, logger, cfg.AttemptTimeout()), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	manager, err := buildManager(cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	api.NewServer(manager, logger).RegisterRoutes(mux)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: api.CORS(mux)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	manager, err := buildManager(cfg)
	if err != nil {
		return err
	}

	t := manager.CreateTask(args[0], args[1], nil)
	if err := manager.Start(cmd.Context(), t.ID); err != nil {
		logger.Warn("task did not complete", zap.Error(err))
	}
	out, _ := json.MarshalIndent(t, "", "  ")
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
