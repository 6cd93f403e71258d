package llm

import (
	"errors"
	"io"
	"strings"
	"sync"
)

// Stream yields chunks of a streamed completion. Recv returns io.EOF after
// the last chunk. A Stream is not restartable.
type Stream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// SliceStream replays a fixed list of chunks. Providers use it to adapt
// non-streaming fallbacks and tests use it to script streams.
type SliceStream struct {
	mu     sync.Mutex
	chunks []StreamChunk
	pos    int
}

// NewSliceStream returns a stream over chunks.
func NewSliceStream(chunks ...StreamChunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

func (s *SliceStream) Recv() (StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.chunks) {
		return StreamChunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *SliceStream) Close() error {
	return nil
}

// Collect drains a stream into a single response. It closes the stream.
func Collect(s Stream) (*Response, error) {
	defer s.Close()

	var (
		content strings.Builder
		resp    Response
	)
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		content.WriteString(chunk.ContentDelta)
		resp.ToolCalls = append(resp.ToolCalls, chunk.ToolCalls...)
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
	}
	resp.Content = content.String()
	return &resp, nil
}

// meteredStream accumulates content and reported usage so the client can
// record consumption once the caller has drained the stream.
type meteredStream struct {
	inner    Stream
	onFinish func(usage TokenUsage, content string, err error)

	once    sync.Once
	content strings.Builder
	usage   *TokenUsage
}

func (m *meteredStream) Recv() (StreamChunk, error) {
	chunk, err := m.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			m.finish(nil)
		} else {
			m.finish(err)
		}
		return chunk, err
	}
	m.content.WriteString(chunk.ContentDelta)
	if chunk.Usage != nil {
		u := *chunk.Usage
		m.usage = &u
	}
	return chunk, nil
}

func (m *meteredStream) Close() error {
	m.finish(nil)
	return m.inner.Close()
}

func (m *meteredStream) finish(err error) {
	m.once.Do(func() {
		var u TokenUsage
		if m.usage != nil {
			u = *m.usage
		} else {
			u.CompletionTokens = EstimateTokens(m.content.String())
			u.TotalTokens = u.CompletionTokens
		}
		m.onFinish(u, m.content.String(), err)
	})
}
