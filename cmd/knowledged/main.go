// Knowledged is a code-intelligence daemon: it indexes patterns, ADRs
// and documentation as dense vectors and serves semantic retrieval,
// ADR lifecycle management and async analysis tasks over HTTP and SSE.
//
// Usage:
//
//	# Start with defaults
//	knowledged serve
//
//	# Configure via file, environment or flags
//	knowledged serve --config /etc/knowledged.yaml --port 9090
//	KNOWLEDGED_VECTOR_ENDPOINT=qdrant:6334 knowledged serve
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/server"
	"github.com/fyrsmithlabs/knowledged/internal/telemetry"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
)

// Exit codes.
const (
	exitOK            = 0
	exitConfigInvalid = 64
	exitDepsDown      = 69
	exitInternal      = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		host       string
		port       int
		logLevel   string
		strictDeps bool
	)

	root := &cobra.Command{
		Use:           "knowledged",
		Short:         "Code-intelligence daemon with vector-backed knowledge retrieval",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var exitCode int
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the knowledged server",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = serveMain(cmd, configPath, host, port, logLevel, strictDeps)
			if exitCode != exitOK {
				return fmt.Errorf("exit %d", exitCode)
			}
			return nil
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	serve.Flags().StringVar(&host, "host", "", "HTTP bind host (overrides config)")
	serve.Flags().IntVar(&port, "port", 0, "HTTP bind port (overrides config)")
	serve.Flags().StringVar(&logLevel, "log-level", "", "minimum log severity (overrides config)")
	serve.Flags().BoolVar(&strictDeps, "strict-deps", false, "fail startup when any dependency is unavailable")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("knowledged %s (%s)\n", version, gitCommit)
		},
	}

	root.AddCommand(serve, versionCmd)

	if err := root.Execute(); err != nil {
		if exitCode != exitOK {
			return exitCode
		}
		fmt.Fprintln(os.Stderr, err)
		return exitInternal
	}
	return exitOK
}

// serveMain loads config, wires the server and blocks until shutdown,
// mapping failures onto the documented exit codes.
func serveMain(cmd *cobra.Command, configPath, host string, port int, logLevel string, strictDeps bool) int {
	cfg, err := config.Load(configPath, func(c *config.Config) {
		if host != "" {
			c.Host = host
		}
		if port != 0 {
			c.Port = port
		}
		if logLevel != "" {
			c.LogLevel = logLevel
		}
		if cmd.Flags().Changed("strict-deps") {
			c.StrictDeps = strictDeps
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigInvalid
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return exitConfigInvalid
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		tracing = nil
	}
	defer func() {
		if tracing != nil {
			_ = tracing.Shutdown(context.Background())
		}
	}()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("server construction failed", zap.Error(err))
		return exitInternal
	}

	logger.Info("starting knowledged",
		zap.String("version", version),
		zap.String("addr", cfg.Addr()))

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server exited with error", zap.Error(err))
		switch errkind.KindOf(err) {
		case errkind.ConfigInvalid:
			return exitConfigInvalid
		case errkind.VectorUnavailable, errkind.EmbedderUnavailable, errkind.VectorSchemaMismatch:
			return exitDepsDown
		default:
			return exitInternal
		}
	}

	logger.Info("shutdown complete")
	return exitOK
}
