package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the capture HTTP service",
		Long: `Starts the HTTP API, the worker pool and admission housekeeping.
Runs until SIGINT or SIGTERM; requests already queued at shutdown are failed
as cancelled.`,
		RunE: withApp(runServeCommand),
	}
}

func runServeCommand(cmd *cobra.Command, appInstance App) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return appInstance.Run(ctx)
}
