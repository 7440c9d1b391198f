package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MEMORY_BACKEND", "chromem")
	t.Setenv("CHROMEM_PATH", t.TempDir())
	t.Setenv("EMBEDDING_PROVIDER", "hash")
	t.Setenv("EMBEDDING_DIM", "32")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckCommand(t *testing.T) {
	setTestEnv(t)
	out, err := run(t, "check")
	if err != nil {
		t.Fatalf("check error = %v", err)
	}
	if !strings.Contains(out, "dimensions=32") {
		t.Fatalf("check output = %q", out)
	}
}

func TestKBUpsertSearchDelete(t *testing.T) {
	setTestEnv(t)

	out, err := run(t, "kb", "upsert", "--tenant", "T", "--metadata", `{"source":"handbook"}`, "policy", "E1", "Shipping: 2-5 days")
	if err != nil {
		t.Fatalf("kb upsert error = %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode upsert output %q: %v", out, err)
	}
	if rec["entity_id"] != "E1" || rec["content"] != "Shipping: 2-5 days" {
		t.Fatalf("upsert record = %+v", rec)
	}

	out, err = run(t, "kb", "search", "--tenant", "T", "shipping")
	if err != nil {
		t.Fatalf("kb search error = %v", err)
	}
	if !strings.Contains(out, `"entity_id":"E1"`) {
		t.Fatalf("search output = %q, want E1", out)
	}

	if _, err := run(t, "kb", "delete", "--tenant", "T", "policy", "E1"); err != nil {
		t.Fatalf("kb delete error = %v", err)
	}
	out, err = run(t, "kb", "search", "--tenant", "T", "shipping")
	if err != nil {
		t.Fatalf("kb search error = %v", err)
	}
	if strings.TrimSpace(out) != "" {
		t.Fatalf("search after delete = %q, want nothing", out)
	}
}

func TestKBRequiresTenant(t *testing.T) {
	setTestEnv(t)
	if _, err := run(t, "kb", "search", "shipping"); err == nil {
		t.Fatalf("kb search without --tenant error = nil")
	}
}

func TestLogLevel(t *testing.T) {
	if got := logLevel("debug").String(); got != "DEBUG" {
		t.Fatalf("logLevel(debug) = %s", got)
	}
	if got := logLevel("anything").String(); got != "INFO" {
		t.Fatalf("logLevel(anything) = %s", got)
	}
}
