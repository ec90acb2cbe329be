package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/llm-gateway/internal/app"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider availability, store backend and the default bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return printStatus(ctx, cmd.OutOrStdout(), a)
		})
	},
}

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect or reset rate-limit buckets",
}

var ratelimitStatusCmd = &cobra.Command{
	Use:   "status [KEY]",
	Short: "Show a bucket without charging it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := argOr(args, "")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			result, err := a.Gateway.RateLimitStatus(ctx, key)
			if err != nil {
				return err
			}
			printBucket(cmd.OutOrStdout(), bucketName(a, key), result)
			return nil
		})
	},
}

var ratelimitResetCmd = &cobra.Command{
	Use:   "reset [KEY]",
	Short: "Clear a bucket",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := argOr(args, "")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Gateway.ResetRateLimit(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bucket %q reset\n", bucketName(a, key))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	ratelimitCmd.AddCommand(ratelimitStatusCmd, ratelimitResetCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func printStatus(ctx context.Context, out io.Writer, a *app.App) error {
	tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	status := a.Gateway.ProviderStatus()
	for _, id := range domain.Providers {
		state := "unavailable"
		if status[id] {
			state = "available"
		}
		marker := ""
		if id == a.Config.Primary() {
			marker = "(primary)"
		}
		fmt.Fprintf(tw, "provider\t%s\t%s\t%s\n", id, state, marker)
	}
	fmt.Fprintf(tw, "store\t%s\t\t\n", a.Store.Name())
	fmt.Fprintf(tw, "fallback\t%t\t\t\n", a.Config.EnableFallback)
	tw.Flush()

	result, err := a.Gateway.RateLimitStatus(ctx, "")
	if err != nil {
		return err
	}
	printBucket(out, a.Config.RateLimitBucket, result)
	return nil
}

func printBucket(out io.Writer, key string, r ratelimit.Result) {
	fmt.Fprintf(out, "bucket %q: allowed=%t remaining=%d reset_at=%s",
		key, r.Allowed, r.Remaining, r.ResetAt.Format(time.RFC3339))
	if !r.Allowed {
		fmt.Fprintf(out, " retry_after=%s", r.RetryAfter.Round(time.Millisecond))
	}
	fmt.Fprintln(out)
}

func bucketName(a *app.App, key string) string {
	if key == "" {
		return a.Config.RateLimitBucket
	}
	return key
}

func argOr(args []string, def string) string {
	if len(args) > 0 {
		return args[0]
	}
	return def
}
