package observability

import (
	"context"
	"testing"
)

func TestNewLoggerRejectsUnknownSettings(t *testing.T) {
	if _, err := NewLogger("loud", "json"); err == nil {
		t.Fatalf("NewLogger() with bad level should fail")
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("NewLogger() with bad format should fail")
	}
	logger, err := NewLogger("debug", "console")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	_ = logger.Sync()
}

func TestInitTracingWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "synapse", "")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}
