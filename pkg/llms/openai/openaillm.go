package openai

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolchat/pkg/llms"
	"github.com/effective-security/toolchat/pkg/llms/openai/internal/openaiclient"
)

type ChatMessage = openaiclient.ChatMessage

const (
	RoleSystem    = "system"
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleTool      = "tool"
)

// LLM is an OpenAI-compatible chat completions model.
type LLM struct {
	client *openaiclient.Client
}

var _ llms.Model = (*LLM)(nil)

// New returns a new OpenAI LLM.
func New(opts ...Option) (*LLM, error) {
	_, c, err := newClient(opts...)
	if err != nil {
		return nil, err
	}
	return &LLM{
		client: c,
	}, nil
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.client.Model
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	if o.client.Provider == ProviderAzure {
		return llms.ProviderAzure
	}
	return llms.ProviderOpenAI
}

// GenerateContent implements the Model interface.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	chatMsgs := make([]*ChatMessage, 0, len(messages))
	for _, mc := range messages {
		msg := &ChatMessage{}
		switch mc.Role {
		case llms.RoleSystem:
			msg.Role = RoleSystem
			msg.Content = mc.GetContent()
		case llms.RoleHuman:
			msg.Role = RoleUser
			msg.Content = mc.GetContent()
		case llms.RoleAI:
			msg.Role = RoleAssistant
			for _, part := range mc.Parts {
				switch p := part.(type) {
				case llms.TextContent:
					msg.Content += p.Text
				case llms.ToolCall:
					msg.ToolCalls = append(msg.ToolCalls, openaiclient.ToolCall{
						ID:   p.ID,
						Type: p.Type,
						Function: openaiclient.ToolFunction{
							Name:      p.FunctionCall.Name,
							Arguments: p.FunctionCall.Arguments,
						},
					})
				default:
					return nil, errors.Errorf("unsupported part %T for role %v", part, mc.Role)
				}
			}
		case llms.RoleTool:
			tr := mc.ToolResponse()
			if tr == nil {
				return nil, errors.Errorf("expected a tool response part for role %v", mc.Role)
			}
			msg.Role = RoleTool
			msg.ToolCallID = tr.ToolCallID
			msg.Name = tr.Name
			msg.Content = tr.Content
		default:
			return nil, errors.Errorf("role %v not supported", mc.Role)
		}
		chatMsgs = append(chatMsgs, msg)
	}

	req := &openaiclient.ChatRequest{
		Model:               opts.Model,
		Messages:            chatMsgs,
		Stop:                opts.StopWords,
		StreamingFunc:       opts.StreamingFunc,
		MaxCompletionTokens: opts.MaxTokens,
		Seed:                opts.Seed,
		ToolChoice:          opts.ToolChoice,
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}
	for _, tool := range opts.Tools {
		t := openaiclient.Tool{Type: tool.Type}
		if tool.Function != nil {
			t.Function = openaiclient.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			}
		}
		req.Tools = append(req.Tools, t)
	}

	result, err := o.client.CreateChat(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(result.Choices) == 0 {
		return nil, openaiclient.ErrEmptyResponse
	}

	choices := make([]*llms.ContentChoice, len(result.Choices))
	for i, c := range result.Choices {
		choices[i] = &llms.ContentChoice{
			Content:    c.Message.Content,
			StopReason: c.FinishReason,
			GenerationInfo: map[string]any{
				"CompletionTokens": result.Usage.CompletionTokens,
				"PromptTokens":     result.Usage.PromptTokens,
				"TotalTokens":      result.Usage.TotalTokens,
			},
		}
		for _, tc := range c.Message.ToolCalls {
			choices[i].ToolCalls = append(choices[i].ToolCalls, llms.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	}

	return &llms.ContentResponse{Choices: choices}, nil
}
