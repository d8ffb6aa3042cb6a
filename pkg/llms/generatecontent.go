package llms

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrUnexpectedRole is returned when a message role is of an unexpected type.
var ErrUnexpectedRole = errors.New("unexpected role")

// Role is the type of chat message.
type Role string

const (
	// RoleAI is a message sent by the model.
	RoleAI Role = "ai"
	// RoleHuman is a message sent by a human.
	RoleHuman Role = "human"
	// RoleSystem is a message sent by the system.
	RoleSystem Role = "system"
	// RoleTool is a message carrying a tool call response.
	RoleTool Role = "tool"

	// Orchestration-only roles below are produced by the agent loop for the
	// UI and the conversation store. They are never sent to the provider and
	// must be filtered out before a completion call.

	// RoleIntent carries the one-sentence intent classification of a turn.
	RoleIntent Role = "intent"
	// RolePlan carries the approved technical plan of a turn.
	RolePlan Role = "plan"
	// RoleError carries an orchestration error surfaced to the user.
	RoleError Role = "error"
)

// IsProviderRole reports whether messages with this role may be sent to the
// completion provider.
func (r Role) IsProviderRole() bool {
	switch r {
	case RoleSystem, RoleHuman, RoleAI, RoleTool:
		return true
	default:
		return false
	}
}

// Message is one message of a chat exchange. It has a role and a sequence of
// parts: plain text, tool call requests, or a tool call response.
type Message struct {
	Role  Role          `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// ContentPart is an interface all parts of content have to implement.
type ContentPart interface {
	isPart()
}

// TextContent is content with some text.
type TextContent struct {
	Text string `json:"text"`
}

func (tc TextContent) String() string {
	return tc.Text
}

func (TextContent) isPart() {}

// TextPart creates TextContent from a given string.
func TextPart(s string) TextContent {
	return TextContent{Text: s}
}

// FunctionCall is the name and arguments of a function call.
type FunctionCall struct {
	// The name of the function to call.
	Name string `json:"name"`
	// The arguments to pass to the function, as a JSON string.
	Arguments string `json:"arguments"`
}

// ToolCall is a call to a tool, as requested by the model.
type ToolCall struct {
	// ID is the unique identifier of the tool call.
	ID string `json:"id"`
	// Type is the type of the tool call. Typically "function".
	Type string `json:"type"`
	// FunctionCall is the function call to be executed.
	FunctionCall *FunctionCall `json:"function,omitempty"`
}

func (tc ToolCall) String() string {
	return fmt.Sprintf("ToolCall: %s (%s), input: %s", tc.ID, tc.FunctionCall.Name, tc.FunctionCall.Arguments)
}

func (ToolCall) isPart() {}

// ToolCallResponse is the response returned by a tool call.
type ToolCallResponse struct {
	// ToolCallID is the ID of the tool call this response is for.
	ToolCallID string `json:"tool_call_id"`
	// Name is the name of the tool that was called.
	Name string `json:"name"`
	// Content is the textual content of the response.
	Content string `json:"content"`
}

func (tc ToolCallResponse) String() string {
	return fmt.Sprintf("ToolCallResponse: %s (%s), response size: %d", tc.ToolCallID, tc.Name, len(tc.Content))
}

func (ToolCallResponse) isPart() {}

// ContentChoice is one of the response choices returned by GenerateContent.
type ContentChoice struct {
	// Content is the textual content of a response.
	Content string `json:"content"`

	// StopReason is the reason the model stopped generating output.
	StopReason string `json:"stop_reason"`

	// GenerationInfo is arbitrary information the model adds to the response.
	GenerationInfo map[string]any `json:"generation_info"`

	// ToolCalls is a list of tool calls the model asks to invoke.
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ContentResponse is the response returned by a GenerateContent call.
type ContentResponse struct {
	Choices []*ContentChoice
}

// MessageFromParts creates a Message with a role and a list of parts.
func MessageFromParts(role Role, parts ...ContentPart) Message {
	return Message{
		Role:  role,
		Parts: parts,
	}
}

// MessageFromTextParts creates a Message with a role and a list of text parts.
func MessageFromTextParts(role Role, parts ...string) Message {
	result := Message{
		Role:  role,
		Parts: make([]ContentPart, 0, len(parts)),
	}
	for _, part := range parts {
		result.Parts = append(result.Parts, TextPart(part))
	}
	return result
}

// MessageFromToolCalls creates a Message with a role, optional text content
// and a list of tool calls.
func MessageFromToolCalls(role Role, content string, toolCalls ...ToolCall) Message {
	result := Message{Role: role}
	if content != "" {
		result.Parts = append(result.Parts, TextPart(content))
	}
	for _, toolCall := range toolCalls {
		result.Parts = append(result.Parts, toolCall)
	}
	return result
}

// MessageFromToolResponse creates a tool-role Message carrying one response.
func MessageFromToolResponse(toolResponse ToolCallResponse) Message {
	return MessageFromParts(RoleTool, toolResponse)
}

// GetContent returns the plain-text content of the message, with tool parts
// rendered as JSON.
func (m Message) GetContent() string {
	var buf strings.Builder
	for i, p := range m.Parts {
		if i > 0 {
			buf.WriteString("\n")
		}
		switch typ := p.(type) {
		case TextContent:
			buf.WriteString(typ.Text)
		case ToolCall:
			js, _ := json.Marshal(typ)
			buf.Write(js)
		case ToolCallResponse:
			js, _ := json.Marshal(typ)
			buf.Write(js)
		}
	}
	return buf.String()
}

// ToolCalls returns the tool call requests carried by the message, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if tc, ok := p.(ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// ToolResponse returns the tool call response carried by a tool-role message,
// or nil if the message carries none.
func (m Message) ToolResponse() *ToolCallResponse {
	for _, p := range m.Parts {
		if tr, ok := p.(ToolCallResponse); ok {
			return &tr
		}
	}
	return nil
}
