package loops

import (
	"context"
	"testing"

	"botcore/internal/learning"
	"botcore/internal/logger"
	"botcore/internal/store"
)

func TestClamp_BoundsValue(t *testing.T) {
	if got := clamp(5, 0, 1); got != 1 {
		t.Errorf("clamp(5, 0, 1) = %v, want 1", got)
	}
	if got := clamp(-5, 0, 1); got != 0 {
		t.Errorf("clamp(-5, 0, 1) = %v, want 0", got)
	}
	if got := clamp(0.5, 0, 1); got != 0.5 {
		t.Errorf("clamp(0.5, 0, 1) = %v, want 0.5", got)
	}
}

func TestConfidenceFor(t *testing.T) {
	if got := confidenceFor(true); got != 0.7 {
		t.Errorf("confidenceFor(true) = %v, want 0.7", got)
	}
	if got := confidenceFor(false); got != 0.3 {
		t.Errorf("confidenceFor(false) = %v, want 0.3", got)
	}
}

func TestSelfTuningLoop_StepAcceptsImprovingMove(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	lst, err := learning.Open(dir+"/learnings", 0)
	if err != nil {
		t.Fatalf("learning.Open: %v", err)
	}

	tunable := Tunable{Key: "trailing.trail_pct", Default: 0.05, Min: 0, Max: 1, Step: 0.01}

	// Every evaluation after the first reports a strictly higher score,
	// so the first step should always be accepted.
	calls := 0
	evaluate := func(ctx context.Context) (float64, error) {
		calls++
		return float64(calls), nil
	}

	loop := NewSelfTuningLoop(st, lst, evaluate, logger.NewLogger("test", nil), SelfTuningConfig{}, []Tunable{tunable})
	if err := loop.step(context.Background()); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	v, ok := st.GetParam("trailing.trail_pct")
	if !ok {
		t.Fatal("expected trailing.trail_pct to be set after an accepted step")
	}
	got := v.(float64)
	want := tunable.Default + tunable.Step
	if got != want {
		t.Errorf("got param %v, want %v", got, want)
	}
}

func TestSelfTuningLoop_StepRevertsRegressingMove(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	lst, err := learning.Open(dir+"/learnings", 0)
	if err != nil {
		t.Fatalf("learning.Open: %v", err)
	}

	tunable := Tunable{Key: "trailing.trail_pct", Default: 0.05, Min: 0, Max: 1, Step: 0.01}

	// Every evaluation after the first reports a strictly lower score,
	// so the candidate move should be rejected and reverted.
	calls := 0
	evaluate := func(ctx context.Context) (float64, error) {
		calls++
		return float64(-calls), nil
	}

	loop := NewSelfTuningLoop(st, lst, evaluate, logger.NewLogger("test", nil), SelfTuningConfig{}, []Tunable{tunable})
	if err := loop.step(context.Background()); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	if v, ok := st.GetParam("trailing.trail_pct"); ok {
		if v.(float64) != tunable.Default {
			t.Errorf("got reverted param %v, want default %v", v, tunable.Default)
		}
	}
}
