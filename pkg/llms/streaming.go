package llms

import (
	"sort"

	"github.com/effective-security/x/values"
)

// ToolCallDelta is one streamed fragment of a tool call request. The upstream
// streaming protocol splits a single tool call across many deltas sharing the
// same Index: only the first fragment for an index carries the call ID and
// function name, subsequent fragments carry argument text to append.
type ToolCallDelta struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// ToolCallAccumulator reassembles complete tool calls from streamed fragments
// keyed by their position index.
type ToolCallAccumulator struct {
	calls map[int]*ToolCall
}

// NewToolCallAccumulator creates an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{
		calls: make(map[int]*ToolCall),
	}
}

// Add folds one streamed fragment into the accumulator.
func (a *ToolCallAccumulator) Add(delta ToolCallDelta) {
	tc := a.calls[delta.Index]
	if tc == nil {
		tc = &ToolCall{FunctionCall: &FunctionCall{}}
		a.calls[delta.Index] = tc
	}
	if delta.ID != "" {
		tc.ID = delta.ID
	}
	if delta.Name != "" {
		tc.FunctionCall.Name = delta.Name
	}
	tc.FunctionCall.Arguments += delta.Arguments
	tc.Type = values.StringsCoalesce(tc.Type, delta.Type, "function")
}

// Calls returns the reconstructed tool calls ordered by index.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, *a.calls[i])
	}
	return out
}
