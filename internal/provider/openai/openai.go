package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

const (
	DefaultModel   = "gpt-4o-mini"
	maxTemperature = 2.0
)

// Adapter serves completions from the OpenAI chat completions API. A nil
// client means no credential was configured.
type Adapter struct {
	client   *openai.Client
	settings provider.Settings
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds the adapter. An empty API key yields an adapter that reports
// itself unavailable.
func New(settings provider.Settings, httpClient *http.Client) *Adapter {
	if settings.Model == "" {
		settings.Model = DefaultModel
	}

	a := &Adapter{settings: settings}
	if settings.APIKey == "" {
		return a
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	cfg := openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		cfg.BaseURL = settings.BaseURL
	}
	cfg.HTTPClient = headerCapture{client: httpClient}

	a.client = openai.NewClientWithConfig(cfg)
	return a
}

func (a *Adapter) ID() domain.ProviderID {
	return domain.ProviderOpenAI
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
		return nil, &domain.ConfigurationError{Provider: a.ID(), Reason: "OPENAI_API_KEY not set"}
	}

	chatReq, err := a.buildRequest(req, withTools)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var header http.Header
	ctx = context.WithValue(ctx, headerKey{}, &header)

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, a.wrapError(err, header)
	}

	out := toResponse(resp)
	out.LatencyMs = provider.Latency(start)
	return out, nil
}

func (a *Adapter) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamFragment, error) {
	if a.client == nil {
		return nil, &domain.ConfigurationError{Provider: a.ID(), Reason: "OPENAI_API_KEY not set"}
	}

	chatReq, err := a.buildRequest(req, false)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true

	ctx, cancel := a.withTimeout(ctx)
	out := make(chan domain.StreamFragment)

	go func() {
		defer close(out)
		defer cancel()

		var header http.Header
		stream, err := a.client.CreateChatCompletionStream(context.WithValue(ctx, headerKey{}, &header), chatReq)
		if err != nil {
			provider.Emit(ctx, out, domain.StreamFragment{Err: a.wrapError(err, header)})
			return
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				provider.Emit(ctx, out, domain.StreamFragment{Err: a.wrapError(err, nil)})
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !provider.Emit(ctx, out, domain.StreamFragment{Text: chunk.Choices[0].Delta.Content}) {
				return
			}
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

func (a *Adapter) buildRequest(req *domain.CompletionRequest, withTools bool) (openai.ChatCompletionRequest, error) {
	temperature, err := provider.ResolveTemperature(a.ID(), req, a.settings, maxTemperature)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	sys, turns := provider.SplitSystem(req)

	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if !sys.Empty() {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: sys.Text(),
		})
	}
	messages = append(messages, toMessages(turns)...)

	chatReq := openai.ChatCompletionRequest{
		Model:       provider.ResolveModel(req, a.settings),
		Messages:    messages,
		MaxTokens:   provider.ResolveMaxTokens(req, a.settings),
		Temperature: toTemperature(temperature),
		Stop:        req.StopSequences,
	}

	if withTools && len(req.Tools) > 0 {
		chatReq.Tools = toTools(req.Tools)
		if req.ToolChoice != nil {
			chatReq.ToolChoice = toToolChoice(*req.ToolChoice)
		}
	}

	return chatReq, nil
}

// toTemperature keeps an explicit zero on the wire; the client omits a
// zero float32 field.
func toTemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

func toMessages(turns []domain.Message) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, m := range turns {
		switch m.Role {
		case domain.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				args := string(tc.Input)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			messages = append(messages, msg)
		default:
			for _, tr := range m.ToolResults {
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			if m.Content != "" || len(m.ToolResults) == 0 {
				messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
			}
		}
	}
	return messages
}

func toTools(defs []domain.ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		params := d.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// toToolChoice maps "must call some tool" onto OpenAI's "required".
func toToolChoice(tc domain.ToolChoice) any {
	switch tc.Mode {
	case domain.ToolChoiceAny:
		return "required"
	case domain.ToolChoiceNone:
		return "none"
	case domain.ToolChoiceTool:
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: tc.Name},
		}
	default:
		return "auto"
	}
}

func toResponse(resp openai.ChatCompletionResponse) *domain.CompletionResponse {
	out := &domain.CompletionResponse{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: domain.ProviderOpenAI,
		Usage: domain.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if resp.Usage.PromptTokensDetails != nil {
		out.Usage.CacheReadInputTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}

	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	out.StopReason = string(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

func (a *Adapter) wrapError(err error, header http.Header) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return provider.UpstreamError(a.ID(), apiErr.HTTPStatusCode, apiErr.Message, header, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return provider.UpstreamError(a.ID(), reqErr.HTTPStatusCode, reqErr.Error(), header, err)
	}
	return provider.TransportError(a.ID(), err)
}

type headerKey struct{}

// headerCapture records the headers of a failed response into the
// *http.Header stored in the request context. The client library drops them.
type headerCapture struct {
	client *http.Client
}

func (h headerCapture) Do(req *http.Request) (*http.Response, error) {
	resp, err := h.client.Do(req)
	if resp != nil && resp.StatusCode >= http.StatusBadRequest {
		if dst, ok := req.Context().Value(headerKey{}).(*http.Header); ok {
			*dst = resp.Header.Clone()
		}
	}
	return resp, err
}
