package llm

import (
	"context"
	"fmt"
)

// Embedder creates text embeddings; a Router (none wired by default) can
// use this for semantic request classification.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ModelGate enforces a component's locked `ai_models` allow-list the same
// way outboundpolicy enforces allowed hosts and kv enforces allowed
// stores: access to a model name the component was not granted is denied
// without ever reaching a backend.
type ModelGate struct {
	allowed map[string]struct{}
}

// ErrModelDenied is returned when a component requests a model outside
// its locked allow-list.
var ErrModelDenied = fmt.Errorf("llm: model not in component's allowed_models")

// NewModelGate builds a gate over the given allowed model names.
func NewModelGate(allowedModels []string) *ModelGate {
	g := &ModelGate{allowed: make(map[string]struct{}, len(allowedModels))}
	for _, m := range allowedModels {
		g.allowed[m] = struct{}{}
	}
	return g
}

// Check reports ErrModelDenied if model is not in the gate's allow-list.
func (g *ModelGate) Check(model string) error {
	if _, ok := g.allowed[model]; !ok {
		return fmt.Errorf("%w: %q", ErrModelDenied, model)
	}
	return nil
}

// Gated wraps a Client so every Chat call is checked against the gate
// before reaching the backend.
type Gated struct {
	Client Client
	Gate   *ModelGate
	Model  string
}

// Chat implements Client, denying the call before it reaches the
// backend if Model is outside the gate's allow-list.
func (g *Gated) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error) {
	if err := g.Gate.Check(g.Model); err != nil {
		return nil, err
	}
	return g.Client.Chat(ctx, messages, tools, options)
}
