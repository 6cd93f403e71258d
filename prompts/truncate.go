package prompts

import "github.com/c360studio/semflow/llm"

// TruncateToContextWindow fits messages into maxTokens. The first message
// and the last preserveRecent messages are always kept. Older messages are
// then added oldest first while the estimate stays within budget, stopping
// at the first one that would overflow. An assistant turn and the tool
// results answering it are kept or dropped together.
//
// When the first and recent messages alone exceed maxTokens they are
// returned anyway; nothing else can be removed.
func TruncateToContextWindow(messages []llm.Message, maxTokens, preserveRecent int) []llm.Message {
	if maxTokens <= 0 || len(messages) <= 1 {
		return messages
	}
	if llm.EstimateConversationTokens(messages) <= maxTokens {
		return messages
	}

	preserveRecent = max(preserveRecent, 0)
	tailStart := max(len(messages)-preserveRecent, 1)
	// A tool result cannot open the tail without the call that produced it.
	for tailStart > 1 && tailStart < len(messages) && messages[tailStart].Role == llm.RoleTool {
		tailStart--
	}

	budget := maxTokens - llm.EstimateConversationTokens(messages[:1]) - llm.EstimateConversationTokens(messages[tailStart:])

	out := make([]llm.Message, 0, len(messages))
	out = append(out, messages[0])

	for i := 1; i < tailStart; {
		end := groupEnd(messages, i, tailStart)
		cost := llm.EstimateConversationTokens(messages[i:end])
		if cost > budget {
			break
		}
		budget -= cost
		out = append(out, messages[i:end]...)
		i = end
	}

	return append(out, messages[tailStart:]...)
}

// groupEnd returns the index after the message group starting at i. An
// assistant turn with tool calls owns the tool messages that follow it.
func groupEnd(messages []llm.Message, i, limit int) int {
	end := i + 1
	if messages[i].Role == llm.RoleAssistant && len(messages[i].ToolCalls) > 0 {
		for end < limit && messages[end].Role == llm.RoleTool {
			end++
		}
	}
	return end
}
