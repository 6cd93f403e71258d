package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxResponseSize bounds how much of a vendor response is read.
const maxResponseSize = 10 * 1024 * 1024

// PostJSON sends body as JSON and returns the response body of a 2xx reply.
// Network failures are transient; non-2xx statuses go through ClassifyStatus.
func PostJSON(ctx context.Context, client *http.Client, url string, headers http.Header, body any) ([]byte, error) {
	resp, err := post(ctx, client, url, headers, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	return respBody, nil
}

// OpenStream sends body as JSON and returns the open body of a 2xx reply for
// incremental reading. The caller closes it.
func OpenStream(ctx context.Context, client *http.Client, url string, headers http.Header, body any) (io.ReadCloser, error) {
	resp, err := post(ctx, client, url, headers, body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func post(ctx context.Context, client *http.Client, url string, headers http.Header, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, ClassifyStatus(resp.StatusCode, errBody, parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	return resp, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// SSEReader reads server-sent events from a streaming response.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxResponseSize)
	return &SSEReader{scanner: s}
}

// Next returns the next event name and its data. It returns io.EOF when the
// stream ends.
func (r *SSEReader) Next() (event, data string, err error) {
	var dataLines []string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if len(dataLines) > 0 {
				return event, strings.Join(dataLines, "\n"), nil
			}
			event = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return "", "", NewTransientError(fmt.Errorf("read event stream: %w", err))
	}
	if len(dataLines) > 0 {
		return event, strings.Join(dataLines, "\n"), nil
	}
	return "", "", io.EOF
}

// EstimateTokens approximates the token count of text at 4 characters per
// token, rounding up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateMessageTokens approximates the tokens one message contributes,
// including the arguments of any tool calls it carries.
func EstimateMessageTokens(m Message) int {
	n := EstimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		n += EstimateTokens(tc.Name) + EstimateTokens(ArgumentsJSON(tc.Arguments))
	}
	return n
}

// EstimateConversationTokens adds a small per-message framing overhead to
// EstimateMessageTokens. Providers without a tokenizer use it for CountTokens.
func EstimateConversationTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessageTokens(m) + 4
	}
	return total
}
