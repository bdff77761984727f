package audit

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"equiduty.org/internal/auth"
)

func TestRecordEnrichesWithContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rec := NewRecorder(zap.New(core))

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.NewPrincipal("user-42", "Anna", "anna@example.com", []string{"admin"}))

	rec.Record(ctx, "selection.process.start", "process", "p-1", zap.String("stable_id", "st-1"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["audit_action"] != "selection.process.start" {
		t.Fatalf("action: %v", fields["audit_action"])
	}
	if fields["resource_type"] != "process" || fields["resource_id"] != "p-1" {
		t.Fatalf("resource fields: %v", fields)
	}
	if fields["request_id"] != "req-123" {
		t.Fatalf("request id: %v", fields["request_id"])
	}
	if fields["actor_id"] != "user-42" {
		t.Fatalf("actor: %v", fields["actor_id"])
	}
	if fields["stable_id"] != "st-1" {
		t.Fatalf("extra field: %v", fields["stable_id"])
	}
}

func TestNilRecorderIsSilent(t *testing.T) {
	var rec *Recorder
	// Must not panic.
	rec.Record(context.Background(), "noop", "process", "p-1")
	NewRecorder(nil).Record(context.Background(), "noop", "process", "p-1")
}
