package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/metalagman/deeprun/internal/app"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker and the lease dispatcher until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.RunWorker(ctx, cfg)
		},
	}
}
