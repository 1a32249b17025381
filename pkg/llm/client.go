// Package llm defines the LLM capability's host-side contract: the guest
// ABI for inference requests (messages, tool definitions, sampling
// options) and a ModelGate mirroring the allow-list pattern
// pkg/outboundpolicy and pkg/kv already use for outbound hosts and store
// names. The concrete backend (openai.go) is one implementation of
// Client; per spec.md's scope, the host only needs to own the contract.
package llm

import (
	"context"
)

// Message is a single turn in a chat-style inference request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the engine contract a component's bound LLM facet satisfies.
type Client interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error)
}

// SamplingOptions controls generation; zero values mean "use the
// backend's default" rather than "temperature 0".
type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
}

// ToolDefinition describes one function the model may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Response is a completed inference result.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ToolCall is one function invocation the model requested.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}
