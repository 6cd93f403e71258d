// Package main implements a mock LLM server for workflow tests.
// It serves OpenAI-compatible /v1/chat/completions responses from JSON fixture
// files, routing by the "model" field in the request, so runs can be
// exercised end to end without a real model.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixture files are JSON named by model ("mock-qualifier.json" answers model
// "mock-qualifier"). Numbered files ("mock-qualifier.1.json", ...) answer the
// Nth call; the base file then repeats. A fixture is returned as the
// assistant content unless it is a reply envelope:
//
//	{"content": "...", "tool_calls": [{"function": {"name": "search_contacts", "arguments": "{}"}}]}
//	{"error": {"status": 429, "message": "slow down", "retry_after": 1}}
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"
)

// capturedRequest keeps what a test may want to assert about a call.
type capturedRequest struct {
	Model     string                         `json:"model"`
	Messages  []openai.ChatCompletionMessage `json:"messages"`
	Tools     []string                       `json:"tools,omitempty"`
	CallIndex int                            `json:"call_index"`
	Timestamp int64                          `json:"timestamp"`
}

type server struct {
	fixtures map[string][]reply
	logger   *slog.Logger
	calls    atomic.Int64

	mu         sync.Mutex
	modelCalls map[string]int
	requests   map[string][]capturedRequest
}

func newServer(fixtures map[string][]reply, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:   fixtures,
		logger:     logger,
		modelCalls: make(map[string]int),
		requests:   make(map[string][]capturedRequest),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)
	return mux
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	for model, seq := range fixtures {
		logger.Info("Loaded fixtures", "model", model, "count", len(seq))
	}

	addr := fmt.Sprintf(":%d", *port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(fixtures, logger).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Mock LLM server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// next picks the reply for model's next call and records the request.
// Unknown models fall back to the name without its "mock-" prefix.
func (s *server) next(req openai.ChatCompletionRequest) (reply, int, bool) {
	seq, ok := s.fixtures[req.Model]
	if !ok {
		seq, ok = s.fixtures[strings.TrimPrefix(req.Model, "mock-")]
	}
	if !ok {
		return reply{}, 0, false
	}

	s.mu.Lock()
	index := s.modelCalls[req.Model]
	s.modelCalls[req.Model] = index + 1

	var tools []string
	for _, t := range req.Tools {
		if t.Function != nil {
			tools = append(tools, t.Function.Name)
		}
	}
	s.requests[req.Model] = append(s.requests[req.Model], capturedRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		Tools:     tools,
		CallIndex: index + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	s.mu.Unlock()

	if index >= len(seq) {
		index = len(seq) - 1
	}
	return seq[index], index + 1, true
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "streaming is not supported")
		return
	}

	callNum := s.calls.Add(1)
	rep, callIndex, ok := s.next(req)
	if !ok {
		s.logger.Warn("No fixture for model", "call", callNum, "model", req.Model)
		writeError(w, http.StatusNotFound, fmt.Sprintf("no fixture for model %q", req.Model))
		return
	}
	s.logger.Info("Chat completion",
		"call", callNum,
		"model", req.Model,
		"call_index", callIndex,
		"messages", len(req.Messages),
		"tools", len(req.Tools))

	if rep.Error != nil {
		if rep.Error.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(rep.Error.RetryAfter))
		}
		writeError(w, rep.Error.Status, rep.Error.Message)
		return
	}

	finish := openai.FinishReasonStop
	if len(rep.ToolCalls) > 0 {
		finish = openai.FinishReasonToolCalls
	}
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	completion := len(rep.Content)/4 + 1

	writeJSON(w, http.StatusOK, openai.ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   rep.Content,
				ToolCalls: rep.ToolCalls,
			},
			FinishReason: finish,
		}},
		Usage: openai.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	})
}

// handleModels lists fixture models (Ollama-compatible).
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := make([]openai.Model, 0, len(s.fixtures))
	for name := range s.fixtures {
		models = append(models, openai.Model{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, http.StatusOK, openai.ModelsList{Models: models})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.modelCalls))
	for model, n := range s.modelCalls {
		byModel[model] = n
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": byModel,
	})
}

// handleRequests returns captured requests, optionally filtered by the
// model and call (1-indexed) query parameters.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.requests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter == 0 || req.CallIndex == callFilter {
				result[model] = append(result[model], req)
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"requests_by_model": result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers in the OpenAI error shape.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": message, "type": "mock_error", "code": status},
	})
}
