package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/semflow/llm"
)

// ToolCallSink persists tool call records. *llm.ToolCallStore satisfies it.
type ToolCallSink interface {
	Store(ctx context.Context, record *llm.ToolCallRecord) error
}

// StoreRecorder writes each tool call to a sink without slowing the caller.
type StoreRecorder struct {
	sink   ToolCallSink
	logger *slog.Logger
}

// NewStoreRecorder creates a recorder over sink.
func NewStoreRecorder(sink ToolCallSink, logger *slog.Logger) *StoreRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreRecorder{sink: sink, logger: logger}
}

// Record stores the call asynchronously. Trace fields come from ctx.
func (s *StoreRecorder) Record(ctx context.Context, call llm.ToolCall, result Result, started time.Time) {
	var errMsg string
	if !result.Success {
		errMsg = result.Error
	}
	record := llm.NewToolCallRecord(ctx, call, result.Content(), errMsg, started)

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := s.sink.Store(ctx, record); err != nil {
			s.logger.Warn("Failed to record tool call",
				"tool", call.Name,
				"call_id", call.ID,
				"error", err)
		}
	}()
}
