package orchestrator

import (
	"reflect"

	"github.com/effective-security/toolchat/pkg/llms"
	"github.com/effective-security/toolchat/pkg/schema"
)

// System tools are always offered to the model, regardless of plan-based
// filtering.
const (
	ToolReadLargeOutput = "read_large_output"
	ToolAskUser         = "ask_user"
)

// ReadLargeOutputArgs are the arguments of the read_large_output tool.
type ReadLargeOutputArgs struct {
	ResultID string `json:"result_id" jsonschema:"description=ID of the intercepted output to read"`
	Offset   int    `json:"offset,omitempty" jsonschema:"description=Character offset to start reading from"`
	Limit    int    `json:"limit,omitempty" jsonschema:"description=Characters to read; -1 reads everything from the offset"`
}

// AskUserArgs are the arguments of the ask_user tool.
type AskUserArgs struct {
	Question string `json:"question" jsonschema:"description=Question to ask the user"`
}

var (
	readLargeOutputSchema = schema.MustNew(reflect.TypeOf(ReadLargeOutputArgs{}))
	askUserSchema         = schema.MustNew(reflect.TypeOf(AskUserArgs{}))
)

func systemTools() []llms.Tool {
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        ToolReadLargeOutput,
				Description: "Read content of a large output that was intercepted.",
				Parameters:  readLargeOutputSchema.Parameters,
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        ToolAskUser,
				Description: "Ask the user a question for clarification.",
				Parameters:  askUserSchema.Parameters,
			},
		},
	}
}
