package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/llm-gateway/internal/app"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/gateway"
)

type promptFlags struct {
	system        string
	provider      string
	noFallback    bool
	key           string
	skipRateLimit bool
	stream        bool
	maxRetries    int
}

var pf promptFlags

var promptCmd = &cobra.Command{
	Use:   "prompt TEXT",
	Short: "Send one prompt through the gateway and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := pf.options(cmd)
		if err != nil {
			return err
		}
		text := strings.Join(args, " ")

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if pf.stream {
				return streamPrompt(ctx, a.Gateway, cmd.OutOrStdout(), text, pf.system, opts)
			}
			resp, err := a.Gateway.Prompt(ctx, text, pf.system, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
			fmt.Fprintf(cmd.ErrOrStderr(), "[%s %s in=%d out=%d %dms]\n",
				resp.Provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.LatencyMs)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(promptCmd)
	promptCmd.Flags().StringVar(&pf.system, "system", "", "system prompt")
	promptCmd.Flags().StringVar(&pf.provider, "provider", "", "preferred provider (anthropic or openai)")
	promptCmd.Flags().BoolVar(&pf.noFallback, "no-fallback", false, "do not fall back to the other provider")
	promptCmd.Flags().StringVar(&pf.key, "key", "", "rate-limit bucket to charge")
	promptCmd.Flags().BoolVar(&pf.skipRateLimit, "skip-rate-limit", false, "bypass rate limiting")
	promptCmd.Flags().BoolVar(&pf.stream, "stream", false, "stream the reply as it is generated")
	promptCmd.Flags().IntVar(&pf.maxRetries, "max-retries", -1, "retries per provider (default from config)")
}

func (f promptFlags) options(cmd *cobra.Command) ([]gateway.Option, error) {
	var opts []gateway.Option
	if f.provider != "" {
		id, err := domain.ParseProviderID(f.provider)
		if err != nil {
			return nil, err
		}
		opts = append(opts, gateway.WithProvider(id))
	}
	if f.noFallback {
		opts = append(opts, gateway.WithFallback(false))
	}
	if f.key != "" {
		opts = append(opts, gateway.WithRateLimitKey(f.key))
	}
	if f.skipRateLimit {
		opts = append(opts, gateway.SkipRateLimit())
	}
	if cmd.Flags().Changed("max-retries") {
		opts = append(opts, gateway.WithMaxRetries(f.maxRetries))
	}
	return opts, nil
}

func streamPrompt(ctx context.Context, gw *gateway.Gateway, out io.Writer, text, system string, opts []gateway.Option) error {
	req := &domain.CompletionRequest{
		SystemPrompt: system,
		Messages:     []domain.Message{{Role: domain.RoleUser, Content: text}},
	}

	fragments, err := gw.Stream(ctx, req, opts...)
	if err != nil {
		return err
	}
	for f := range fragments {
		if f.Err != nil {
			fmt.Fprintln(out)
			return f.Err
		}
		fmt.Fprint(out, f.Text)
	}
	fmt.Fprintln(out)
	return nil
}
