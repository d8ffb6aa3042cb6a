package orchestrator

import "github.com/effective-security/toolchat/pkg/llms"

// interruptedReply is the synthesized tool response for a tool call that
// never received one, typically after a suspended or crashed turn.
const interruptedReply = "Tool execution was interrupted or skipped."

// SanitizeHistory makes a conversation valid for the completion provider:
// every tool call in an assistant message gets a tool response. Missing
// responses are synthesized right after the assistant message. The function
// is idempotent; a sanitized history passes through unchanged.
func SanitizeHistory(history []llms.Message) []llms.Message {
	sanitized := make([]llms.Message, 0, len(history))
	for i, msg := range history {
		sanitized = append(sanitized, msg)

		if msg.Role != llms.RoleAI {
			continue
		}
		calls := msg.ToolCalls()
		if len(calls) == 0 {
			continue
		}

		answered := make(map[string]bool, len(calls))
		for j := i + 1; j < len(history); j++ {
			next := history[j]
			if next.Role != llms.RoleTool {
				break
			}
			if tr := next.ToolResponse(); tr != nil {
				answered[tr.ToolCallID] = true
			}
		}

		for _, call := range calls {
			if answered[call.ID] {
				continue
			}
			sanitized = append(sanitized, llms.MessageFromToolResponse(llms.ToolCallResponse{
				ToolCallID: call.ID,
				Name:       call.FunctionCall.Name,
				Content:    interruptedReply,
			}))
		}
	}
	return sanitized
}
