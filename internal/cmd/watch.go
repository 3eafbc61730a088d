package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atikulmunna/mcpmon/internal/config"
	"github.com/atikulmunna/mcpmon/internal/logging"
	"github.com/atikulmunna/mcpmon/internal/output"
	"github.com/atikulmunna/mcpmon/internal/pipeline"
	"github.com/atikulmunna/mcpmon/internal/server"
)

const shutdownTimeout = 5 * time.Second

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.Verbosity)

	// --- Set up context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Build pipeline ---
	p, err := pipeline.New(cfg, newRenderer(cfg.Output, cmd.OutOrStdout()), logger)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	printBanner(cmd.ErrOrStderr(), cfg)
	p.Start(ctx)

	// --- Dashboard ---
	var srv *server.Server
	srvErr := make(chan error, 1)
	if cfg.Addr != "" {
		srv = server.New(p.Hub(), p.Aggregator(), p.Registry(), cfg.Addr, logger)
		go func() { srvErr <- srv.Start() }()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			runErr = fmt.Errorf("dashboard server: %w", err)
		}
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "\nmcpmon shutting down...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("dashboard shutdown", "error", err)
		}
		cancel()
	}
	p.Stop()
	return runErr
}

func newRenderer(format string, w io.Writer) output.Renderer {
	switch format {
	case config.OutputJSON:
		return output.NewJSONRenderer(w)
	case config.OutputNone:
		return nil
	default:
		return output.NewTextRenderer(w)
	}
}

func printBanner(w io.Writer, cfg config.Config) {
	fmt.Fprintf(w, "mcpmon %s\n", Version)
	fmt.Fprintf(w, "   • logs root:     %s\n", cfg.LogsRoot)
	fmt.Fprintf(w, "   • pattern:       %s\n", cfg.LogPattern)
	fmt.Fprintf(w, "   • poll interval: %v\n", cfg.PollInterval)
	fmt.Fprintf(w, "   • verbosity:     %s\n", cfg.MinLevel())
	if cfg.Filter != "" {
		fmt.Fprintf(w, "   • filter:        %q\n", cfg.Filter)
	}
	if cfg.Addr != "" {
		fmt.Fprintf(w, "   • dashboard:     http://%s\n", cfg.Addr)
	}
	fmt.Fprintln(w)
}
