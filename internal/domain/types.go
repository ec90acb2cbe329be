package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// SystemSegment is one ordered piece of system content. Cache marks the
// segment as a prompt-cache breakpoint for providers that support it.
type SystemSegment struct {
	Text  string `json:"text"`
	Cache bool   `json:"cache,omitempty"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice is the provider-neutral tool selection policy. Name is only
// meaningful when Mode is ToolChoiceTool.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

type CompletionRequest struct {
	Messages      []Message        `json:"messages"`
	SystemPrompt  string           `json:"system_prompt,omitempty"`
	System        []SystemSegment  `json:"system,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Model         string           `json:"model,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	ToolChoice    *ToolChoice      `json:"tool_choice,omitempty"`
}

// Validate checks the provider-independent invariants of a request.
// Temperature upper bounds differ per provider and are enforced by adapters.
func (r *CompletionRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}

	hasTurn := false
	for _, m := range r.Messages {
		switch m.Role {
		case RoleSystem:
		case RoleUser, RoleAssistant:
			hasTurn = true
		default:
			return fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, m.Role)
		}
	}
	if !hasTurn {
		return fmt.Errorf("%w: at least one non-system message is required", ErrInvalidRequest)
	}

	if r.Temperature != nil && *r.Temperature < 0 {
		return fmt.Errorf("%w: temperature must not be negative", ErrInvalidRequest)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidRequest)
	}

	if r.ToolChoice != nil {
		switch r.ToolChoice.Mode {
		case ToolChoiceAuto, ToolChoiceAny, ToolChoiceNone:
		case ToolChoiceTool:
			if strings.TrimSpace(r.ToolChoice.Name) == "" {
				return fmt.Errorf("%w: tool choice %q requires a tool name", ErrInvalidRequest, ToolChoiceTool)
			}
		default:
			return fmt.Errorf("%w: unknown tool choice %q", ErrInvalidRequest, r.ToolChoice.Mode)
		}
	}

	return nil
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	TotalTokens              int `json:"total_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type CompletionResponse struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Model      string     `json:"model"`
	Provider   ProviderID `json:"provider"`
	Usage      Usage      `json:"usage"`
	StopReason string     `json:"stop_reason,omitempty"`
	LatencyMs  int64      `json:"latency_ms"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	CacheHit   bool       `json:"cache_hit,omitempty"`
}

// StreamFragment is one element of a completion stream. A fragment with a
// non-nil Err is always the last one sent before the channel is closed.
type StreamFragment struct {
	Text string
	Err  error
}
