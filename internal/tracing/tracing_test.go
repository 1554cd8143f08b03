package tracing

import (
	"context"
	"testing"
)

func TestSetup_ReturnsWorkingShutdown(t *testing.T) {
	shutdown, err := Setup("botcore-test")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	tracer := Tracer("test")
	_, span := tracer.Start(context.Background(), "test-span")
	span.End()
}
