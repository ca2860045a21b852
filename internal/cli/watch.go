package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	MetricsAddr string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Recompile whenever the project changes",
		Long: `Start the worker, compile once, then watch the project directory and
recompile after every change. Editing the config file reloads it.

While idle the latest good document is saved to the output directory
and old documents are pruned from the database.

Example:
  quill watch
  quill watch --metrics-addr 127.0.0.1:9464 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default: from config)")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions) error {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	p, err := openProject(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.session.Compile(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("initial compile failed", "error", err)
	}

	addr := opts.MetricsAddr
	if addr == "" {
		addr = p.cfg.MetricsAddr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s. Press Ctrl-C to stop.\n", p.cfg.Root)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.session.Run(gctx)
	})
	if addr != "" {
		g.Go(func() error {
			return p.metrics.Serve(gctx, addr)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "watch stopped", err)
	}

	slog.Info("watch stopped gracefully")
	return nil
}
