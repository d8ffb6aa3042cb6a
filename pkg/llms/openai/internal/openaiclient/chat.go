package openaiclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolchat/pkg/llms"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

// ChatRequest is a request to the chat completions endpoint.
type ChatRequest struct {
	Model               string         `json:"model"`
	Messages            []*ChatMessage `json:"messages"`
	Temperature         *float64       `json:"temperature,omitempty"`
	MaxCompletionTokens int            `json:"max_completion_tokens,omitempty"`
	Stop                []string       `json:"stop,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	Seed                int            `json:"seed,omitempty"`
	Tools               []Tool         `json:"tools,omitempty"`
	ToolChoice          any            `json:"tool_choice,omitempty"`

	StreamingFunc func(ctx context.Context, chunk []byte) error `json:"-"`
}

// ChatMessage is a message in a chat request.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID is the ID of the tool call this message is responding to,
	// required when Role is "tool".
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Tool is a tool the model may call.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function,omitempty"`
}

// FunctionDefinition describes a callable function.
type FunctionDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

// ToolCall is a call to a tool requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction carries the name and raw JSON arguments of a tool call.
type ToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse is a response from the chat completions endpoint.
type ChatCompletionResponse struct {
	ID      string       `json:"id,omitempty"`
	Created int64        `json:"created,omitempty"`
	Choices []ChatChoice `json:"choices"`
	Model   string       `json:"model,omitempty"`
	Usage   ChatUsage    `json:"usage,omitempty"`
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage is token usage reported by the API.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// StreamedChatResponsePayload is a single SSE chunk of a streamed completion.
type StreamedChatResponsePayload struct {
	Choices []struct {
		Index        int         `json:"index"`
		Delta        StreamDelta `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *errorMessage `json:"error,omitempty"`
}

// StreamDelta is the incremental part of a streamed choice. Tool call
// fragments are index keyed; only the first fragment of each call carries
// the ID and function name, subsequent fragments append argument text.
type StreamDelta struct {
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	ToolCalls []struct {
		Index    *int   `json:"index"`
		ID       string `json:"id,omitempty"`
		Type     string `json:"type,omitempty"`
		Function struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		} `json:"function,omitempty"`
	} `json:"tool_calls,omitempty"`
}

// CreateChat creates a chat completion. When payload.StreamingFunc is set
// the request is streamed and the accumulated completion is returned.
func (c *Client) CreateChat(ctx context.Context, payload *ChatRequest) (*ChatCompletionResponse, error) {
	payload.Model = values.StringsCoalesce(payload.Model, c.Model)
	payload.Stream = payload.StreamingFunc != nil

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.buildURL("/chat/completions", payload.Model),
		bytes.NewReader(body))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr errorMessage
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error.Message == "" {
			return nil, errors.Errorf("API returned unexpected status code: %d", resp.StatusCode)
		}
		return nil, errors.Errorf("API returned error: %s", apiErr.Error.Message)
	}

	if payload.Stream {
		return parseStreamingChatResponse(ctx, resp, payload)
	}

	var response ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, errors.WithStack(err)
	}
	return &response, nil
}

func parseStreamingChatResponse(ctx context.Context, resp *http.Response, payload *ChatRequest) (*ChatCompletionResponse, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	var role, finishReason string
	acc := llms.NewToolCallAccumulator()

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk StreamedChatResponsePayload
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.ContextKV(ctx, xlog.DEBUG, "reason", "malformed_chunk", "err", err.Error())
			continue
		}
		if chunk.Error != nil && chunk.Error.Error.Message != "" {
			return nil, errors.Errorf("API returned error: %s", chunk.Error.Error.Message)
		}

		for _, choice := range chunk.Choices {
			role = values.StringsCoalesce(role, choice.Delta.Role)
			finishReason = values.StringsCoalesce(choice.FinishReason, finishReason)

			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if payload.StreamingFunc != nil {
					if err := payload.StreamingFunc(ctx, []byte(choice.Delta.Content)); err != nil {
						return nil, errors.WithMessage(err, "streaming func returned an error")
					}
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				if tc.Index == nil {
					continue
				}
				acc.Add(llms.ToolCallDelta{
					Index:     *tc.Index,
					ID:        tc.ID,
					Type:      tc.Type,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	message := ChatMessage{
		Role:    values.StringsCoalesce(role, "assistant"),
		Content: content.String(),
	}
	for _, call := range acc.Calls() {
		message.ToolCalls = append(message.ToolCalls, ToolCall{
			ID:   call.ID,
			Type: call.Type,
			Function: ToolFunction{
				Name:      call.FunctionCall.Name,
				Arguments: call.FunctionCall.Arguments,
			},
		})
	}

	return &ChatCompletionResponse{
		Choices: []ChatChoice{{
			Message:      message,
			FinishReason: finishReason,
		}},
	}, nil
}
