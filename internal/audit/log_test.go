package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"tessera.org/internal/ability"
	"tessera.org/internal/auth"
	"tessera.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	prev := obs.SetLogger(obs.NewLogger(&buf, "debug", "json"))
	defer obs.SetLogger(prev)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithActor(ctx, ability.Actor{ID: "user-42", ActiveRoleID: "agent"})

	if err := LogEvent(ctx, EventSwitchRole, map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != EventSwitchRole {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" || entry["active_role_id"] != "agent" {
		t.Fatalf("unexpected actor: %v / %v", entry["user_id"], entry["active_role_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}

func TestLogEventWithoutActor(t *testing.T) {
	var buf bytes.Buffer
	prev := obs.SetLogger(obs.NewLogger(&buf, "info", "json"))
	defer obs.SetLogger(prev)

	if err := LogEvent(context.Background(), EventLogin, nil); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if _, ok := entry["user_id"]; ok {
		t.Fatalf("unexpected user_id without actor: %v", entry)
	}
	if fields, ok := entry["fields"].(map[string]any); !ok || len(fields) != 0 {
		t.Fatalf("expected empty fields object, got %v", entry["fields"])
	}
}
