package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// reply is one scripted answer. A fixture holding an object with
// "tool_calls" or "error" is a reply envelope; any other JSON is returned
// verbatim as the assistant content.
type reply struct {
	Content   string            `json:"content,omitempty"`
	ToolCalls []openai.ToolCall `json:"tool_calls,omitempty"`
	Error     *replyError       `json:"error,omitempty"`
}

// replyError makes the server answer with an HTTP error, for exercising
// client retries and fallback.
type replyError struct {
	Status     int    `json:"status"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func parseReply(raw string) reply {
	var env struct {
		Content   *string           `json:"content"`
		ToolCalls []openai.ToolCall `json:"tool_calls"`
		Error     *replyError       `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil || (len(env.ToolCalls) == 0 && env.Error == nil) {
		return reply{Content: raw}
	}

	r := reply{ToolCalls: env.ToolCalls, Error: env.Error}
	if env.Content != nil {
		r.Content = *env.Content
	}
	for i := range r.ToolCalls {
		if r.ToolCalls[i].ID == "" {
			r.ToolCalls[i].ID = fmt.Sprintf("call_%d", i+1)
		}
		if r.ToolCalls[i].Type == "" {
			r.ToolCalls[i].Type = openai.ToolTypeFunction
		}
	}
	return r
}

// numberedFileRe matches files like "mock-qualifier.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir into a model → reply sequence map.
// Numbered files (model.1.json, model.2.json, ...) come first in numeric
// order, then the base file model.json as the repeating fallback.
func loadFixtures(dir string) (map[string][]reply, error) {
	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if m := numberedFileRe.FindStringSubmatch(d.Name()); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][index] = string(data)
			return nil
		}
		base[strings.TrimSuffix(d.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	models := make(map[string]bool, len(base)+len(numbered))
	for m := range base {
		models[m] = true
	}
	for m := range numbered {
		models[m] = true
	}

	fixtures := make(map[string][]reply, len(models))
	for m := range models {
		var seq []reply
		indices := make([]int, 0, len(numbered[m]))
		for idx := range numbered[m] {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			seq = append(seq, parseReply(numbered[m][idx]))
		}
		if raw, ok := base[m]; ok {
			seq = append(seq, parseReply(raw))
		}
		fixtures[m] = seq
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
