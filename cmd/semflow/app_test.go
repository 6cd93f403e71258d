package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/model"
	"github.com/c360studio/semflow/workflow"
)

const qualifyWorkflow = `
id: qualify
name: Qualify inbound lead
steps:
  - name: qualify
    agent_type: lead_qualifier
    model: mock
    input_map:
      email: $lead_email
    output_map:
      score: $score
  - name: reply
    agent_type: email_writer
    model: mock
    input_map:
      score: $score
`

// chatServer answers every chat completion with content.
func chatServer(t *testing.T, content string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "mock-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testConfig(llmURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.LLM.Registry = &model.RegistryConfig{
		Endpoints: map[string]*model.EndpointConfig{
			"mock": {Provider: "ollama", URL: llmURL + "/v1", Model: "mock-model"},
		},
	}
	cfg.Engine.MaxBackoff = time.Millisecond
	return cfg
}

func TestAppStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Metrics.Addr = "127.0.0.1:0"

	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}

	if app.engine == nil {
		t.Error("engine not initialized")
	}
	if app.nats != nil {
		t.Error("memory storage should not start NATS")
	}
	if app.metricsServer == nil {
		t.Error("metrics server not started")
	}
	if got := app.tools.List("knowledge", nil); len(got) != 2 {
		t.Errorf("knowledge tools = %d, want 2", len(got))
	}

	app.Close()
	app.Close()

	if app.metricsServer != nil {
		t.Error("metrics server still set after close")
	}
}

func TestNewApp_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "cassandra"

	if _, err := NewApp(cfg, nil); err == nil {
		t.Fatal("expected error for unknown storage backend")
	}
}

func TestAppRunDefinition(t *testing.T) {
	srv, calls := chatServer(t, `{"score": 87, "qualified": true}`)

	app, err := NewApp(testConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	defer app.Close()

	def, err := workflow.ParseDefinition([]byte(qualifyWorkflow))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}

	var progress bytes.Buffer
	run, err := app.RunDefinition(ctx, def, "acme", map[string]any{"lead_email": "ada@example.com"}, &progress)
	if err != nil {
		t.Fatalf("run definition: %v", err)
	}

	if run.Status != workflow.RunCompleted {
		t.Fatalf("status = %s (%s), want completed", run.Status, run.ErrorMessage)
	}
	if run.TenantID != "acme" {
		t.Errorf("tenant = %q, want acme", run.TenantID)
	}
	if score, _ := run.OutputData["score"].(float64); score != 87 {
		t.Errorf("score = %v, want 87", run.OutputData["score"])
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("model calls = %d, want 2", got)
	}
	if u := app.ledger.Usage("acme"); u.TotalTokens() != 60 {
		t.Errorf("tenant tokens = %d, want 60", u.TotalTokens())
	}
	if !strings.Contains(progress.String(), "run completed") {
		t.Errorf("progress missing completion:\n%s", progress.String())
	}
}

func TestAppRunDefinition_RequiresTenant(t *testing.T) {
	app, err := NewApp(config.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	defer app.Close()

	def, err := workflow.ParseDefinition([]byte(qualifyWorkflow))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	if _, err := app.RunDefinition(context.Background(), def, "", nil, nil); err == nil {
		t.Fatal("expected error without tenant")
	}
}

func TestAppNATSStorage(t *testing.T) {
	srv, _ := chatServer(t, `{"score": 40}`)

	cfg := testConfig(srv.URL)
	cfg.Storage.Backend = config.StorageNATS
	cfg.NATS.StoreDir = t.TempDir()

	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	defer app.Close()

	if app.nats == nil || !app.nats.Embedded() {
		t.Fatal("embedded NATS not started")
	}

	def, err := workflow.ParseDefinition([]byte(qualifyWorkflow))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	run, err := app.RunDefinition(ctx, def, "acme", map[string]any{"lead_email": "ada@example.com"}, nil)
	if err != nil {
		t.Fatalf("run definition: %v", err)
	}

	runs, err := app.repo.ListRuns(ctx, "acme")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("stored runs = %+v, want run %s", runs, run.ID)
	}

	var out bytes.Buffer
	if err := app.showRun(ctx, &out, "acme", run.ID); err != nil {
		t.Fatalf("show run: %v", err)
	}
	var shown struct {
		Run   workflow.Run              `json:"run"`
		Steps []*workflow.StepExecution `json:"steps"`
	}
	if err := json.Unmarshal(out.Bytes(), &shown); err != nil {
		t.Fatalf("decode shown run: %v", err)
	}
	if shown.Run.Status != workflow.RunCompleted || len(shown.Steps) != 2 {
		t.Errorf("shown run status %s with %d steps, want completed with 2", shown.Run.Status, len(shown.Steps))
	}
}

func TestValidateDefinitions(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sales"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sales", "qualify.yaml"), []byte(qualifyWorkflow), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: broken\nsteps: []\n"), 0644); err != nil {
		t.Fatal(err)
	}

	known := func(agentType string) bool { return agentType == "lead_qualifier" }

	var out bytes.Buffer
	err := validateDefinitions(&out, []string{filepath.Join(dir, "**", "*.yaml")}, known)
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("error = %v, want 1 of 2 invalid", err)
	}

	got := out.String()
	for _, want := range []string{"ok   ", "qualify v1, 2 steps, 2 blocks", "FAIL ", "no template for agent type email_writer"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	if err := validateDefinitions(&out, []string{filepath.Join(dir, "*.json")}, known); err == nil {
		t.Error("expected error when nothing matches")
	}
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"object", `{"lead_email": "ada@example.com", "source": "web"}`, 2, false},
		{"array", `[1, 2]`, 0, true},
		{"malformed", `{"lead_email":`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInput(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseInput() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(got) != tt.want {
				t.Errorf("parseInput() = %v, want %d keys", got, tt.want)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "semflow version "+Version) {
		t.Errorf("output = %q", out.String())
	}
}

func TestWrapNATSError(t *testing.T) {
	err := wrapNATSError(errors.New("dial tcp: connection refused"), "nats://localhost:4222")
	if !strings.Contains(err.Error(), "NATS is not running at nats://localhost:4222") {
		t.Errorf("missing guidance: %v", err)
	}

	err = wrapNATSError(errors.New("authorization violation"), "nats://localhost:4222")
	if strings.Contains(err.Error(), "NATS is not running") {
		t.Errorf("unexpected guidance: %v", err)
	}
}
