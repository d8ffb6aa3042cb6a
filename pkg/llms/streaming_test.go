package llms_test

import (
	"testing"

	"github.com/effective-security/toolchat/pkg/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCallAccumulator(t *testing.T) {
	acc := llms.NewToolCallAccumulator()
	acc.Add(llms.ToolCallDelta{Index: 0, ID: "call_1", Type: "function", Name: "list_tables"})
	acc.Add(llms.ToolCallDelta{Index: 1, ID: "call_2", Type: "function", Name: "read_file", Arguments: `{"path":`})
	acc.Add(llms.ToolCallDelta{Index: 0, Arguments: `{"database":`})
	acc.Add(llms.ToolCallDelta{Index: 1, Arguments: `"/tmp"}`})
	acc.Add(llms.ToolCallDelta{Index: 0, Arguments: `"orders"}`})

	calls := acc.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "list_tables", calls[0].FunctionCall.Name)
	assert.Equal(t, `{"database":"orders"}`, calls[0].FunctionCall.Arguments)
	assert.Equal(t, "call_2", calls[1].ID)
	assert.Equal(t, `{"path":"/tmp"}`, calls[1].FunctionCall.Arguments)
}

func TestToolCallAccumulator_DefaultsType(t *testing.T) {
	acc := llms.NewToolCallAccumulator()
	acc.Add(llms.ToolCallDelta{Index: 0, ID: "call_1", Name: "ping"})

	calls := acc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "function", calls[0].Type)
}

func TestToolCallAccumulator_Empty(t *testing.T) {
	assert.Nil(t, llms.NewToolCallAccumulator().Calls())
}
