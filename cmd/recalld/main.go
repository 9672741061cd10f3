// Recalld is a knowledge-capture daemon for coding agent interactions.
//
// It records user/assistant exchanges, aggregates behavioral patterns, and
// serves similarity search over embedded interactions. The serve command
// starts the daemon; the remaining commands talk to a running daemon over
// its HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/buffer"
	"github.com/fyrsmithlabs/recalld/internal/capture"
	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/patterns"
	"github.com/fyrsmithlabs/recalld/internal/server"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:     "recalld",
	Short:   "Knowledge-capture daemon for coding agent interactions",
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9821", "recalld server URL")

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(healthCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recalld daemon",
	Long: `Start the recalld daemon.

Configuration is read from the optional config file, then overridden by
environment variables (SERVER_PORT, QDRANT_URL, ...).

Examples:
  # Start with defaults
  recalld serve

  # Start with a config file
  recalld serve --config /etc/recalld/config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return runServe(ctx)
	},
}

// runServe initializes the pipeline and blocks until the context is
// cancelled: config, logger, ledger, embedding backend, similarity index,
// recovery buffer with its background drainer, then the HTTP server.
func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting recalld",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port))

	extractor := patterns.NewExtractor(patterns.DefaultRules())

	ledger, err := capture.OpenLedger(cfg.Storage.LedgerPath, extractor, logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer ledger.Close()

	buf, err := buffer.Open(cfg.Buffer.Path, logger)
	if err != nil {
		return fmt.Errorf("opening recovery buffer: %w", err)
	}
	defer buf.Close()

	// No embedding backend is fatal: capture without search would silently
	// under-deliver, better to fail loud at startup.
	provider, err := embeddings.NewProvider(cfg.Embeddings, logger)
	if err != nil {
		return fmt.Errorf("initializing embeddings: %w", err)
	}
	defer provider.Close()

	local, err := vectorstore.OpenLocalIndex(cfg.Storage.IndexPath, logger)
	if err != nil {
		return fmt.Errorf("opening local index: %w", err)
	}
	remote, err := vectorstore.NewQdrantIndex(cfg.Qdrant, logger)
	if err != nil {
		return fmt.Errorf("initializing qdrant backend: %w", err)
	}
	index, err := vectorstore.NewIndex(remote, local, logger)
	if err != nil {
		return fmt.Errorf("initializing similarity index: %w", err)
	}
	defer index.Close()

	service, err := capture.NewService(ledger, buf, provider, index, logger)
	if err != nil {
		return fmt.Errorf("initializing capture service: %w", err)
	}

	drainer := buffer.NewDrainer(buf, service.Replay, cfg.Buffer.DrainInterval.Duration(), logger)
	drainer.Start(ctx)
	defer drainer.Stop()

	srv, err := server.NewServer(service, cfg.Server.Port, logger)
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutting down: %w", err)
	}

	// One last drain so a clean shutdown leaves as little as possible in
	// the buffer.
	drainer.Stop()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()
	if _, err := service.Drain(drainCtx); err != nil {
		logger.Warn("final drain failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
