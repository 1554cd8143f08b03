package airouter

import (
	"context"
	"fmt"

	"botcore/internal/llm"
)

// OpenAIProvider adapts internal/llm.OpenAIClient to the Provider
// interface. Hosted providers billed per token carry a nonzero
// CostPer1k, so the router only reaches for one when cheaper local
// providers can't cover the task type or are unhealthy.
type OpenAIProvider struct {
	client    *llm.OpenAIClient
	model     string
	costPer1k float64
	taskTypes map[TaskType]bool
}

// NewOpenAIProvider builds a provider over model at costPer1k dollars
// per 1000 tokens, eligible for the given task types.
func NewOpenAIProvider(client *llm.OpenAIClient, model string, costPer1k float64, taskTypes ...TaskType) *OpenAIProvider {
	set := make(map[TaskType]bool, len(taskTypes))
	for _, t := range taskTypes {
		set[t] = true
	}
	return &OpenAIProvider{client: client, model: model, costPer1k: costPer1k, taskTypes: set}
}

func (p *OpenAIProvider) Name() string  { return "openai:" + p.model }
func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) SupportsTaskType(t TaskType) bool { return p.taskTypes[t] }

func (p *OpenAIProvider) CostPer1k() float64 { return p.costPer1k }

func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Chat(ctx, "ping")
	return err
}

func (p *OpenAIProvider) Call(ctx context.Context, prompt string, taskType TaskType) (string, error) {
	if !p.SupportsTaskType(taskType) {
		return "", fmt.Errorf("openai provider %s does not support task type %s", p.model, taskType)
	}
	if taskType == TaskEmbedding {
		embedding, err := p.client.GetEmbedding(prompt)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%v", embedding), nil
	}
	return p.client.Chat(ctx, prompt)
}
