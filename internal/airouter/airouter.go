// Package airouter implements the AI Router (C6): routes a task to one
// of several backing LLM providers by task-type support, health, and
// cost, exposing a uniform reply shape regardless of which provider
// answered. Grounded on internal/ollama/client.go and
// internal/llm/openai_client.go (two provider HTTP
// clients) wrapped here in provider-selection policy neither client
// implements on its own; each provider gets its own breaker.Breaker
// instance rather than a shared one, so one
// provider's outage never throttles another's.
package airouter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"botcore/internal/breaker"
	"botcore/internal/errs"
	"botcore/internal/logger"
	"botcore/internal/tracing"
)

// TaskType classifies what a query is for, so providers can declare
// which kinds of tasks they're fit to answer (e.g. a cheap local model
// for sentiment scoring, a frontier model for trade rationale).
type TaskType string

const (
	TaskSentiment   TaskType = "sentiment"
	TaskSummarize   TaskType = "summarize"
	TaskTradeReason TaskType = "trade_reason"
	TaskChat        TaskType = "chat"
	TaskEmbedding   TaskType = "embedding"
	TaskModeration  TaskType = "moderation"
)

// Constraints bounds provider selection for one call.
type Constraints struct {
	MaxCostPer1k float64 // 0 means no cap
	MaxLatency   time.Duration
}

// Reply is what Query returns regardless of which provider answered.
type Reply struct {
	Text         string
	ModelUsed    string
	LatencyMS    int64
	CostEstimate float64
}

// Provider is implemented by each backing LLM. CostPer1k is a
// dollars-per-1000-token estimate used purely for provider ranking.
type Provider interface {
	Name() string
	Model() string
	SupportsTaskType(t TaskType) bool
	CostPer1k() float64
	HealthCheck(ctx context.Context) error
	Call(ctx context.Context, prompt string, taskType TaskType) (string, error)
}

type entry struct {
	provider Provider
	breaker  *breaker.Breaker
	limiter  *rate.Limiter

	mu           sync.Mutex
	lastHealthOK bool
	lastChecked  time.Time
}

// Router holds every registered provider and picks among them per call.
type Router struct {
	mu         sync.RWMutex
	entries    []*entry
	log        *logger.Logger
	healthTTL  time.Duration
	tracer     trace.Tracer
	breakerCfg breaker.Config
}

// New creates an empty Router. healthTTL bounds how long a cached
// HealthCheck result is trusted before Query re-probes the provider.
// breakerCfg seeds every provider's breaker (its Name field is
// overwritten per-provider); a zero value falls back to breaker.Config's
// own defaults.
func New(log *logger.Logger, healthTTL time.Duration, breakerCfg breaker.Config) *Router {
	if healthTTL <= 0 {
		healthTTL = 30 * time.Second
	}
	return &Router{log: log, healthTTL: healthTTL, tracer: tracing.Tracer("botcore/airouter"), breakerCfg: breakerCfg}
}

// Register adds a provider with its own breaker and rate limiter. A
// nil limiter disables local rate limiting for that provider.
func (r *Router) Register(p Provider, limiter *rate.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.breakerCfg
	cfg.Name = "airouter:" + p.Name()
	r.entries = append(r.entries, &entry{
		provider: p,
		breaker:  breaker.New(cfg),
		limiter:  limiter,
	})
	r.log.Info("provider registered", "provider", p.Name())
}

// ErrAllProvidersUnavailable is wrapped with errs.ExternalUnavailable
// when every eligible provider has been exhausted.
var ErrAllProvidersUnavailable = fmt.Errorf("all providers unavailable")

// Query routes prompt to the cheapest healthy provider supporting
// taskType, retrying the next-cheapest provider on failure until
// exhausted. A provider failure records against its own breaker;
// Query never returns a provider-specific error: every failure,
// including exhaustion of all providers, is wrapped as
// errs.ExternalUnavailable. Failures are not split into retriable and
// terminal kinds; a rejection of the caller's own input is reported the
// same way.
func (r *Router) Query(ctx context.Context, prompt string, taskType TaskType, constraints Constraints) (reply Reply, err error) {
	ctx, span := r.tracer.Start(ctx, "airouter.Router.Query", trace.WithAttributes(
		attribute.String("task_type", string(taskType)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("model_used", reply.ModelUsed))
		}
		span.End()
	}()

	candidates := r.eligible(taskType, constraints)
	if len(candidates) == 0 {
		return Reply{}, errs.Wrap(errs.ExternalUnavailable, "airouter.Query", ErrAllProvidersUnavailable)
	}

	var lastErr error
	for _, e := range candidates {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		start := time.Now()
		var text string
		callErr := e.breaker.Call(func() error {
			var innerErr error
			text, innerErr = e.provider.Call(ctx, prompt, taskType)
			return innerErr
		})
		latency := time.Since(start)

		if callErr == nil {
			return Reply{
				Text:         text,
				ModelUsed:    e.provider.Model(),
				LatencyMS:    latency.Milliseconds(),
				CostEstimate: e.provider.CostPer1k(),
			}, nil
		}

		r.log.Warn("provider call failed, trying next", "provider", e.provider.Name(), "error", callErr.Error())
		lastErr = callErr
	}

	if lastErr == nil {
		lastErr = ErrAllProvidersUnavailable
	}
	return Reply{}, errs.Wrap(errs.ExternalUnavailable, "airouter.Query", fmt.Errorf("%w: %v", ErrAllProvidersUnavailable, lastErr))
}

// eligible filters registered providers by task-type support and
// health, then sorts ascending by cost so the cheapest healthy
// provider is tried first.
func (r *Router) eligible(taskType TaskType, constraints Constraints) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.provider.SupportsTaskType(taskType) {
			continue
		}
		if constraints.MaxCostPer1k > 0 && e.provider.CostPer1k() > constraints.MaxCostPer1k {
			continue
		}
		if e.breaker.State() == breaker.StateOpen {
			continue
		}
		if !r.isHealthy(e) {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].provider.CostPer1k() < out[j].provider.CostPer1k()
	})
	return out
}

func (r *Router) isHealthy(e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if time.Since(e.lastChecked) < r.healthTTL {
		return e.lastHealthOK
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.provider.HealthCheck(ctx)
	e.lastHealthOK = err == nil
	e.lastChecked = time.Now()
	return e.lastHealthOK
}

// Health reports a snapshot of every registered provider, used by the
// supervisor's health poller.
func (r *Router) Health() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make(map[string]interface{}, len(r.entries))
	for _, e := range r.entries {
		providers[e.provider.Name()] = map[string]interface{}{
			"breaker": e.breaker.Stats(),
			"healthy": e.lastHealthOK,
		}
	}
	return map[string]interface{}{"providers": providers}
}
