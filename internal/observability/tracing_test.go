package observability

import (
	"context"
	"testing"
)

func TestSetupTracingNoop(t *testing.T) {
	tracer, shutdown, err := SetupTracing(context.Background(), "tth-test", false)
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	_, span := tracer.Start(context.Background(), "turn")
	if span.IsRecording() {
		t.Fatalf("noop span IsRecording() = true")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestSetupTracingStdout(t *testing.T) {
	tracer, shutdown, err := SetupTracing(context.Background(), "tth-test", true)
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	_, span := tracer.Start(context.Background(), "turn")
	if !span.IsRecording() {
		t.Fatalf("sdk span IsRecording() = false")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}
