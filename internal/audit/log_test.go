package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"tweetbook.app/internal/auth"
	"tweetbook.app/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithClaims(ctx, auth.Claims{Subject: "acc-42", Email: "alice@chapsas.com", Roles: []string{"admin"}})

	if err := LogEvent(ctx, EventRoleGranted, map[string]any{"role": "admin"}); err != nil {
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
	if entry["event"] != EventRoleGranted {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["account_id"] != "acc-42" {
		t.Fatalf("unexpected account id: %v", entry["account_id"])
	}
	if _, leaked := entry["email"]; leaked {
		t.Fatalf("email must not be logged implicitly")
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["role"] != "admin" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatalf("expected error for empty event name")
	}
}
