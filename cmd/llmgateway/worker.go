package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/llm-gateway/internal/app"
	"github.com/felipepmaragno/llm-gateway/internal/queue"
)

var usageWorkerCmd = &cobra.Command{
	Use:   "usage-worker",
	Short: "Move usage records from the SQS queue into Postgres",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if a.UsageQueue == nil || a.Usage == nil {
				return errors.New("usage-worker needs both USAGE_QUEUE_URL and DATABASE_URL")
			}
			a.Logger.Info("usage worker started")
			err := queue.Drain(ctx, a.UsageQueue, a.Usage, a.Logger)
			a.Logger.Info("usage worker stopped")
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(usageWorkerCmd)
}
