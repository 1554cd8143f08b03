package airouter

import (
	"context"
	"fmt"

	"botcore/internal/ollama"
)

// OllamaProvider adapts internal/ollama.Client to the Provider
// interface. It is local and free, so it is typically the
// cheapest-ranked provider for task types it supports, and a natural
// fallback when hosted providers are rate-limited or down.
type OllamaProvider struct {
	client    *ollama.Client
	model     string
	taskTypes map[TaskType]bool
}

// NewOllamaProvider builds a provider over model, eligible for the
// given task types.
func NewOllamaProvider(client *ollama.Client, model string, taskTypes ...TaskType) *OllamaProvider {
	set := make(map[TaskType]bool, len(taskTypes))
	for _, t := range taskTypes {
		set[t] = true
	}
	return &OllamaProvider{client: client, model: model, taskTypes: set}
}

func (p *OllamaProvider) Name() string  { return "ollama:" + p.model }
func (p *OllamaProvider) Model() string { return p.model }

func (p *OllamaProvider) SupportsTaskType(t TaskType) bool { return p.taskTypes[t] }

// CostPer1k is zero: a local model has no per-token billing.
func (p *OllamaProvider) CostPer1k() float64 { return 0 }

func (p *OllamaProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Generate(ctx, p.model, "ping")
	return err
}

func (p *OllamaProvider) Call(ctx context.Context, prompt string, taskType TaskType) (string, error) {
	if !p.SupportsTaskType(taskType) {
		return "", fmt.Errorf("ollama provider %s does not support task type %s", p.model, taskType)
	}
	return p.client.Chat(ctx, p.model, prompt)
}
