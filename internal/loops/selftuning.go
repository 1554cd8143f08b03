package loops

import (
	"context"
	"fmt"
	"math"
	"time"

	"botcore/internal/learning"
	"botcore/internal/logger"
	"botcore/internal/store"
)

// Tunable declares one trading parameter the self-tuning loop is
// allowed to adjust, with the bounds and step size that keep a single
// hill-climb step from moving it somewhere unsafe.
type Tunable struct {
	Key     string // store.Store param key, e.g. "trailing.trail_pct"
	Default float64
	Min     float64
	Max     float64
	Step    float64
}

// Evaluator reports a single scalar performance score for whatever
// window of recent activity the caller defines (e.g. realized P&L over
// the trailing hour). Higher is better. The loop itself has no opinion
// on what the score measures.
type Evaluator func(ctx context.Context) (float64, error)

// SelfTuningConfig tunes the hill-climb cadence.
type SelfTuningConfig struct {
	Interval     time.Duration // time between tuning attempts
	LearningRate float64       // fraction of Step applied per accepted move
}

func (c *SelfTuningConfig) setDefaults() {
	if c.Interval == 0 {
		c.Interval = 15 * time.Minute
	}
	if c.LearningRate == 0 {
		c.LearningRate = 1.0
	}
}

// SelfTuningLoop adapts internal/grpo's bias-cache gradient update (a
// pending reward nudges a token's bias by learningRate*reward, clamped
// to a bound) into a hill-climb over per-parameter trading tunables
// instead of per-token LLM biases: perturb one tunable, re-evaluate,
// keep the move only if the score did not regress, record the decision as a
// learning either way.
type SelfTuningLoop struct {
	st        *store.Store
	learnings *learning.Store
	evaluate  Evaluator
	log       *logger.Logger
	cfg       SelfTuningConfig
	tunables  []Tunable

	cursor       int
	baseline     float64
	haveBaseline bool
}

// NewSelfTuningLoop builds a loop over tunables, evaluated by evaluate.
func NewSelfTuningLoop(st *store.Store, learnings *learning.Store, evaluate Evaluator, log *logger.Logger, cfg SelfTuningConfig, tunables []Tunable) *SelfTuningLoop {
	cfg.setDefaults()
	return &SelfTuningLoop{st: st, learnings: learnings, evaluate: evaluate, log: log, cfg: cfg, tunables: tunables}
}

// Run ticks every Interval, trying one hill-climb step per tick,
// round-robin across tunables.
func (l *SelfTuningLoop) Run(ctx context.Context) error {
	if len(l.tunables) == 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.step(ctx); err != nil {
				l.log.Warn("self-tuning step failed", "error", err.Error())
			}
		}
	}
}

// Health reports unhealthy only if the loop was built without an
// evaluator; a failing evaluator is logged by Run and does not make the
// loop unhealthy.
func (l *SelfTuningLoop) Health(ctx context.Context) error {
	if l.evaluate == nil {
		return fmt.Errorf("self-tuning loop has no evaluator")
	}
	return nil
}

// step perturbs the next tunable in rotation by one Step, re-evaluates,
// and keeps the move only if the score did not regress; either outcome
// is recorded as a learning so the history of accepted/rejected moves
// is queryable later.
func (l *SelfTuningLoop) step(ctx context.Context) error {
	t := l.tunables[l.cursor]
	l.cursor = (l.cursor + 1) % len(l.tunables)

	before, err := l.evaluate(ctx)
	if err != nil {
		return fmt.Errorf("baseline evaluation: %w", err)
	}

	current := l.currentValue(t)
	direction := 1.0
	if l.haveBaseline && before < l.baseline {
		direction = -1.0 // last move made things worse; reverse this round
	}
	candidate := clamp(current+direction*t.Step*l.cfg.LearningRate, t.Min, t.Max)

	if err := l.st.SetParam(t.Key, candidate); err != nil {
		return fmt.Errorf("apply candidate %s=%v: %w", t.Key, candidate, err)
	}

	after, err := l.evaluate(ctx)
	if err != nil {
		// evaluator itself failed; revert and surface the error
		_ = l.st.SetParam(t.Key, current)
		return fmt.Errorf("candidate evaluation: %w", err)
	}

	accepted := after >= before
	if !accepted {
		if err := l.st.SetParam(t.Key, current); err != nil {
			l.log.Warn("self-tuning: failed to revert rejected move", "key", t.Key, "error", err.Error())
		}
	} else {
		l.baseline = after
		l.haveBaseline = true
	}

	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	l.log.Info("self-tuning step", "key", t.Key, "from", current, "to", candidate, "before", before, "after", after, "outcome", outcome)

	_, err = l.learnings.AddLearning("self_tuning", "optimization",
		fmt.Sprintf("%s %s %v -> %v (score %.6f -> %.6f)", outcome, t.Key, current, candidate, before, after),
		map[string]interface{}{"key": t.Key, "from": current, "to": candidate, "before": before, "after": after},
		confidenceFor(accepted))
	return err
}

func (l *SelfTuningLoop) currentValue(t Tunable) float64 {
	v, ok := l.st.GetParam(t.Key)
	if !ok {
		return t.Default
	}
	f, ok := v.(float64)
	if !ok {
		return t.Default
	}
	return f
}

func confidenceFor(accepted bool) float64 {
	if accepted {
		return 0.7
	}
	return 0.3
}

func clamp(v, min, max float64) float64 {
	return math.Max(min, math.Min(max, v))
}
