package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/server"
	"github.com/saiset-co/sai-offline/worker"
)

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy until interrupted",
		Long: `Start the worker and the proxy front end.

The worker installs the precache manifest, activates its cache generation and
replays queued mutations whenever the network comes back.

Example:
  offlined serve --config ./config.yml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(parent context.Context, opts *RootOptions) error {
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	w, err := worker.NewFromFile(ctx, opts.ConfigPath)
	if err != nil {
		return err
	}

	if err := w.Start(); err != nil {
		return err
	}

	proxy := server.NewServer(ctx, w.ConfigManager(), w.Logger(), w.Metrics(), w.Health(), w)
	if err := proxy.Start(); err != nil {
		return errors.Join(err, w.Stop())
	}

	w.Logger().Info("Service started successfully", zap.String("proxy", proxy.Addr()))

	waitForShutdown(ctx, w)

	return errors.Join(proxy.Stop(), w.Stop())
}

func waitForShutdown(ctx context.Context, w *worker.Worker) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		w.Logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		w.Logger().Info("Service context cancelled")
	}
}
