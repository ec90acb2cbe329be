package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/llm-gateway/internal/app"
	"github.com/felipepmaragno/llm-gateway/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "llmgateway",
	Short:         "LLM completion gateway",
	Long:          `llmgateway routes completions to Anthropic or OpenAI with shared rate limiting, retries and provider fallback.`,
	Version:       app.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		return err
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (default $"+config.ConfigPathEnv+")")
}

// withApp builds the application for one command and tears it down after
// fn returns. The context is cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		a.Logger.Warn("shutdown incomplete", "error", err)
	}
	return runErr
}
