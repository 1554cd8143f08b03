package loops

import "testing"

func TestBandFor_Classification(t *testing.T) {
	cfg := RegimeConfig{BearishBelow: -0.3, BullishAbove: 0.3}

	cases := []struct {
		score float64
		want  RegimeBand
	}{
		{-0.9, RegimeBearish},
		{-0.31, RegimeBearish},
		{-0.3, RegimeNeutral}, // boundary is exclusive
		{0, RegimeNeutral},
		{0.3, RegimeNeutral},
		{0.31, RegimeBullish},
		{0.9, RegimeBullish},
	}

	for _, c := range cases {
		if got := bandFor(c.score, cfg); got != c.want {
			t.Errorf("bandFor(%v) = %q, want %q", c.score, got, c.want)
		}
	}
}

func TestRegimeLoop_SizeFractionPerBand(t *testing.T) {
	cfg := RegimeConfig{
		BearishReducedSizeFraction: 0.2,
		NeutralReducedSizeFraction: 0.5,
		BullishReducedSizeFraction: 0.8,
	}
	r := NewRegimeLoop(nil, nil, nil, cfg)

	if got := r.sizeFraction(RegimeBearish); got != 0.2 {
		t.Errorf("bearish fraction = %v, want 0.2", got)
	}
	if got := r.sizeFraction(RegimeNeutral); got != 0.5 {
		t.Errorf("neutral fraction = %v, want 0.5", got)
	}
	if got := r.sizeFraction(RegimeBullish); got != 0.8 {
		t.Errorf("bullish fraction = %v, want 0.8", got)
	}
}
