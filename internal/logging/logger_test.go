package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestNew_DefaultsToInfo(t *testing.T) {
	logger := New("test", "not-a-level", "json")
	if logger.GetLevel().String() != "info" {
		t.Errorf("level = %s, want info", logger.GetLevel())
	}
	if logger.Service() != "test" {
		t.Errorf("Service() = %s, want test", logger.Service())
	}
}

func TestWithContext_AddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("gateway", "debug", "json", &buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithRole(ctx, "authenticated")

	logger.WithContext(ctx).Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	for key, want := range map[string]string{
		"service":  "gateway",
		"trace_id": "trace-1",
		"user_id":  "user-1",
		"role":     "authenticated",
		"msg":      "hello",
	} {
		if got := entry[key]; got != want {
			t.Errorf("%s = %v, want %s", key, got, want)
		}
	}
}

func TestLogRequest_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "info"},
		{http.StatusNotFound, "warning"},
		{http.StatusBadGateway, "error"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := NewWithOutput("gateway", "debug", "json", &buf)
		logger.LogRequest(context.Background(), "GET", "/catalog", tt.status, 5*time.Millisecond)

		if !strings.Contains(buf.String(), `"level":"`+tt.level+`"`) {
			t.Errorf("status %d logged %s, want level %s", tt.status, buf.String(), tt.level)
		}
	}
}

func TestContextGetters_Empty(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" || GetUserID(ctx) != "" || GetRole(ctx) != "" {
		t.Error("getters should return empty strings for a bare context")
	}
	if NewTraceID() == NewTraceID() {
		t.Error("NewTraceID() should not repeat")
	}
}
