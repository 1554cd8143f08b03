package supervisor

import "testing"

func TestTopoSort_OrdersDependenciesFirst(t *testing.T) {
	deps := map[string][]string{
		"store":      {},
		"locks":      {"store"},
		"tradeengine": {"store", "locks"},
	}

	order, err := topoSort(deps)
	if err != nil {
		t.Fatalf("topoSort failed: %v", err)
	}

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	if pos["store"] > pos["locks"] {
		t.Errorf("store must precede locks: order = %v", order)
	}
	if pos["locks"] > pos["tradeengine"] {
		t.Errorf("locks must precede tradeengine: order = %v", order)
	}
}

func TestTopoSort_DetectsCycle(t *testing.T) {
	deps := map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}
	if _, err := topoSort(deps); err == nil {
		t.Fatal("expected a cycle error, got nil")
	}
}

func TestTopoSort_DetectsDanglingDependency(t *testing.T) {
	deps := map[string][]string{
		"a": {"nonexistent"},
	}
	if _, err := topoSort(deps); err == nil {
		t.Fatal("expected an error for an unregistered dependency, got nil")
	}
}

func TestTopoSort_EmptyInput(t *testing.T) {
	order, err := topoSort(map[string][]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("got %d entries, want 0", len(order))
	}
}
