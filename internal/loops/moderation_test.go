package loops

import "testing"

func TestParseScore_ExtractsFirstNumber(t *testing.T) {
	cases := map[string]float64{
		"0.8":                0.8,
		"Score: 0.95.":       0.95,
		"  0.3 (borderline)": 0.3,
		"toxicity: 1.0":      1.0,
	}
	for input, want := range cases {
		got, err := parseScore(input)
		if err != nil {
			t.Fatalf("parseScore(%q) failed: %v", input, err)
		}
		if got != want {
			t.Errorf("parseScore(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseScore_ClampsOutOfRange(t *testing.T) {
	got, err := parseScore("1.5")
	if err != nil {
		t.Fatalf("parseScore failed: %v", err)
	}
	if got != 1.0 {
		t.Errorf("got %v, want clamped to 1.0", got)
	}
}

func TestParseScore_NoNumberIsError(t *testing.T) {
	if _, err := parseScore("no score here"); err == nil {
		t.Fatal("expected an error when no numeric score is present")
	}
}

func TestTierFor_Ladder(t *testing.T) {
	cfg := ModerationConfig{WarnThreshold: 1, MuteThreshold: 3, BanThreshold: 6}
	cases := []struct {
		count int
		want  string
	}{
		{0, ""},
		{1, "warn"},
		{2, "warn"},
		{3, "mute"},
		{5, "mute"},
		{6, "ban"},
		{10, "ban"},
	}
	for _, c := range cases {
		if got := tierFor(c.count, cfg); got != c.want {
			t.Errorf("tierFor(%d) = %q, want %q", c.count, got, c.want)
		}
	}
}

func TestRecordViolation_OnlyAnnouncesOnEscalation(t *testing.T) {
	m := NewModerationLoop(nil, nil, nil, nil, ModerationConfig{
		WarnThreshold: 1, MuteThreshold: 3, BanThreshold: 6,
	})

	action, count := m.recordViolation("actor-1")
	if action != "warn" || count != 1 {
		t.Errorf("first violation: got action=%q count=%d, want warn/1", action, count)
	}

	// still in the "warn" tier: no new announcement.
	action, count = m.recordViolation("actor-1")
	if action != "" {
		t.Errorf("second violation still in warn tier: got action=%q, want no announcement", action)
	}
	if count != 2 {
		t.Errorf("got count=%d, want 2", count)
	}

	action, count = m.recordViolation("actor-1")
	if action != "mute" || count != 3 {
		t.Errorf("third violation: got action=%q count=%d, want mute/3", action, count)
	}
}
