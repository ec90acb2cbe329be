package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

const (
	DefaultModel   = "claude-3-5-sonnet-20241022"
	maxTemperature = 1.0
)

// Adapter serves completions from the Anthropic Messages API. A nil client
// means no credential was configured.
type Adapter struct {
	client   *anthropic.Client
	settings provider.Settings
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds the adapter. An empty API key yields an adapter that reports
// itself unavailable. Retries inside the SDK are disabled.
func New(settings provider.Settings, httpClient *http.Client) *Adapter {
	if settings.Model == "" {
		settings.Model = DefaultModel
	}

	a := &Adapter{settings: settings}
	if settings.APIKey == "" {
		return a
	}

	opts := []option.RequestOption{
		option.WithAPIKey(settings.APIKey),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if settings.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(settings.BaseURL))
	}

	client := anthropic.NewClient(opts...)
	a.client = &client
	return a
}

func (a *Adapter) ID() domain.ProviderID {
	return domain.ProviderAnthropic
}

func (a *Adapter) IsAvailable() bool {
	return a.client != nil
}

func (a *Adapter) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	return a.complete(ctx, req, false)
}

func (a *Adapter) CompleteWithTools(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	return a.complete(ctx, req, true)
}

func (a *Adapter) complete(ctx context.Context, req *domain.CompletionRequest, withTools bool) (*domain.CompletionResponse, error) {
	if a.client == nil {
		return nil, &domain.ConfigurationError{Provider: a.ID(), Reason: "ANTHROPIC_API_KEY not set"}
	}

	params, err := a.buildParams(req, withTools)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.wrapError(err)
	}

	resp := toResponse(msg)
	resp.LatencyMs = provider.Latency(start)
	return resp, nil
}

func (a *Adapter) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamFragment, error) {
	if a.client == nil {
		return nil, &domain.ConfigurationError{Provider: a.ID(), Reason: "ANTHROPIC_API_KEY not set"}
	}

	params, err := a.buildParams(req, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.withTimeout(ctx)
	stream := a.client.Messages.NewStreaming(ctx, params)

	out := make(chan domain.StreamFragment)
	go func() {
		defer close(out)
		defer cancel()
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || text.Text == "" {
				continue
			}
			if !provider.Emit(ctx, out, domain.StreamFragment{Text: text.Text}) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			provider.Emit(ctx, out, domain.StreamFragment{Err: a.wrapError(err)})
		}
	}()

	return out, nil
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.settings.Timeout > 0 {
		return context.WithTimeout(ctx, a.settings.Timeout)
	}
	return context.WithCancel(ctx)
}

func (a *Adapter) buildParams(req *domain.CompletionRequest, withTools bool) (anthropic.MessageNewParams, error) {
	temperature, err := provider.ResolveTemperature(a.ID(), req, a.settings, maxTemperature)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	sys, turns := provider.SplitSystem(req)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(provider.ResolveModel(req, a.settings)),
		MaxTokens:   int64(provider.ResolveMaxTokens(req, a.settings)),
		Messages:    toMessages(turns),
		Temperature: anthropic.Float(temperature),
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	for _, seg := range sys.Segments {
		block := anthropic.TextBlockParam{Text: seg.Text}
		if seg.Cache {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = append(params.System, block)
	}

	if withTools && len(req.Tools) > 0 {
		tools, err := toTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, &domain.ProviderError{
				Provider: a.ID(),
				Message:  err.Error(),
				Err:      domain.ErrInvalidRequest,
			}
		}
		params.Tools = tools
		if req.ToolChoice != nil {
			params.ToolChoice = toToolChoice(*req.ToolChoice)
		}
	}

	return params, nil
}

func toMessages(turns []domain.Message) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}

		switch m.Role {
		case domain.RoleAssistant:
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, rawInput(tc.Input), tc.Name))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		default:
			for _, tr := range m.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}
	return messages
}

func rawInput(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(`{}`)
	}
	return input
}

type inputSchema struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

func toTools(defs []domain.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := inputSchema{Properties: map[string]any{}}
		if len(d.InputSchema) > 0 {
			if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %q: invalid input schema: %w", d.Name, err)
			}
			if schema.Properties == nil {
				schema.Properties = map[string]any{}
			}
		}

		tool := anthropic.ToolParam{
			Name: d.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}
		if d.Description != "" {
			tool.Description = anthropic.String(d.Description)
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools, nil
}

// toToolChoice maps the neutral vocabulary onto Anthropic's, which already
// spells "must call some tool" as "any".
func toToolChoice(tc domain.ToolChoice) anthropic.ToolChoiceUnionParam {
	switch tc.Mode {
	case domain.ToolChoiceAny:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case domain.ToolChoiceNone:
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case domain.ToolChoiceTool:
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: tc.Name}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}

func toResponse(msg *anthropic.Message) *domain.CompletionResponse {
	resp := &domain.CompletionResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Provider:   domain.ProviderAnthropic,
		StopReason: string(msg.StopReason),
		Usage: domain.Usage{
			InputTokens:              int(msg.Usage.InputTokens),
			OutputTokens:             int(msg.Usage.OutputTokens),
			TotalTokens:              int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			CacheCreationInputTokens: int(msg.Usage.CacheCreationInputTokens),
			CacheReadInputTokens:     int(msg.Usage.CacheReadInputTokens),
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
				ID:    b.ID,
				Name:  b.Name,
				Input: append(json.RawMessage(nil), b.Input...),
			})
		}
	}
	resp.Text = text.String()

	return resp
}

func (a *Adapter) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return provider.UpstreamError(a.ID(), apiErr.StatusCode, apiErr.Error(), header, err)
	}
	return provider.TransportError(a.ID(), err)
}
