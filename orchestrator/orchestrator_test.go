package orchestrator_test

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolchat/catalog"
	"github.com/effective-security/toolchat/orchestrator"
	"github.com/effective-security/toolchat/outputs"
	"github.com/effective-security/toolchat/pkg/llms"
	"github.com/effective-security/toolchat/registry"
	"github.com/effective-security/toolchat/sessions"
	"github.com/effective-security/toolchat/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	name      string
	responses []*llms.ContentResponse
	// captured per call
	requests [][]llms.Message
	options  []llms.CallOptions
}

func (f *fakeModel) GetName() string                        { return f.name }
func (f *fakeModel) GetProviderType() llms.ProviderType     { return llms.ProviderOpenAI }
func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	f.requests = append(f.requests, messages)
	f.options = append(f.options, opts)

	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]

	if opts.StreamingFunc != nil && resp.Choices[0].Content != "" {
		for _, chunk := range strings.SplitAfter(resp.Choices[0].Content, " ") {
			if err := opts.StreamingFunc(ctx, []byte(chunk)); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

func textResponse(content string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:    content,
		StopReason: "stop",
	}}}
}

func toolCallResponse(calls ...llms.ToolCall) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		StopReason: "tool_calls",
		ToolCalls:  calls,
	}}}
}

func call(id, name, args string) llms.ToolCall {
	return llms.ToolCall{
		ID:   id,
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

type fakeCatalog struct {
	tools    []catalog.ToolInfo
	warnings []string
	results  map[string]string
	errs     map[string]error
	calls    []string
}

func (f *fakeCatalog) ListTools(_ context.Context, _ string) ([]catalog.ToolInfo, []string) {
	return f.tools, f.warnings
}

func (f *fakeCatalog) FindServerForTool(_ context.Context, _, tool string) (string, error) {
	for _, t := range f.tools {
		if t.Name == tool {
			return t.Server, nil
		}
	}
	return "", catalog.ErrToolNotFound
}

func (f *fakeCatalog) CallTool(_ context.Context, _, server, tool string, _ map[string]any) (string, error) {
	f.calls = append(f.calls, server+":"+tool)
	if err := f.errs[tool]; err != nil {
		return "", err
	}
	return f.results[tool], nil
}

type turnSetup struct {
	model      *fakeModel
	classifier *fakeModel
	cat        *fakeCatalog
	out        *outputs.Cache
	orch       *orchestrator.Orchestrator
	events     []orchestrator.Event
}

func newTurn(t *testing.T, cat *fakeCatalog, reg *registry.Registry, planResponses ...*llms.ContentResponse) *turnSetup {
	t.Helper()
	s := &turnSetup{
		model:      &fakeModel{name: "gpt-4o", responses: planResponses},
		classifier: &fakeModel{name: "gpt-4o-mini", responses: []*llms.ContentResponse{textResponse("User wants to list the tables.")}},
		cat:        cat,
		out:        outputs.NewCache(),
	}
	s.orch = orchestrator.New(orchestrator.Config{
		Model:      s.model,
		Classifier: s.classifier,
		Catalog:    cat,
		Registry:   reg,
		Outputs:    s.out,
		Messages:   store.NewMemoryStore(),
		User:       "alice",
		ChatID:     "chat1",
	})
	return s
}

func (s *turnSetup) emit(ev orchestrator.Event) {
	s.events = append(s.events, ev)
}

func (s *turnSetup) eventTypes() []orchestrator.EventType {
	out := make([]orchestrator.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func mssqlCatalog() *fakeCatalog {
	return &fakeCatalog{
		tools: []catalog.ToolInfo{
			{Tool: sessions.Tool{Name: "list_tables", Description: "List tables"}, Server: "mssql"},
		},
		results: map[string]string{"list_tables": "users, orders"},
	}
}

func TestProcess_ScenarioA_SingleToolCall(t *testing.T) {
	s := newTurn(t, mssqlCatalog(), nil,
		textResponse("1. Use mssql list_tables.\nSERVERS: [mssql]"),
		toolCallResponse(call("call_1", "list_tables", `{}`)),
		textResponse("The reporting database has tables: users, orders."),
	)

	outcome, err := s.orch.Process(context.Background(), "List the tables in the reporting database", s.emit)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDone, outcome)

	assert.Equal(t, []string{"mssql:list_tables"}, s.cat.calls)

	// exactly one final assistant message with the answer
	history := s.orch.History()
	last := history[len(history)-1]
	assert.Equal(t, llms.RoleAI, last.Role)
	assert.Equal(t, "The reporting database has tables: users, orders.", last.GetContent())

	// the tool reply carries the raw result
	var toolReplies []string
	for _, msg := range history {
		if tr := msg.ToolResponse(); tr != nil {
			toolReplies = append(toolReplies, tr.Content)
		}
	}
	assert.Equal(t, []string{"users, orders"}, toolReplies)

	types := s.eventTypes()
	assert.Equal(t, orchestrator.EventIntent, types[0])
	assert.Equal(t, orchestrator.EventPlan, types[1])
	assert.Contains(t, types, orchestrator.EventThought)
	assert.Contains(t, types, orchestrator.EventToken)

	// streamed tokens reassemble the final answer
	var streamed strings.Builder
	for _, ev := range s.events {
		if ev.Type == orchestrator.EventToken {
			streamed.WriteString(ev.Content)
		}
	}
	assert.Equal(t, "The reporting database has tables: users, orders.", streamed.String())
}

func TestProcess_FilterOffersPlannedServersPlusSystemTools(t *testing.T) {
	cat := mssqlCatalog()
	cat.tools = append(cat.tools,
		catalog.ToolInfo{Tool: sessions.Tool{Name: "list_files"}, Server: "filesystem"})
	s := newTurn(t, cat, nil,
		textResponse("1. Use mssql list_tables.\nSERVERS: [mssql]"),
		toolCallResponse(call("call_1", "list_tables", `{}`)),
		textResponse("done"),
	)

	_, err := s.orch.Process(context.Background(), "list tables", s.emit)
	require.NoError(t, err)

	// requests: [0] plan, [1..] rounds
	round := s.model.options[1]
	var names []string
	for _, tool := range round.Tools {
		names = append(names, tool.Function.Name)
	}
	assert.Equal(t, []string{"list_tables", "read_large_output", "ask_user"}, names)
}

func TestProcess_EmptyFilterFallsBackToAllTools(t *testing.T) {
	cat := mssqlCatalog()
	cat.tools = append(cat.tools,
		catalog.ToolInfo{Tool: sessions.Tool{Name: "list_files"}, Server: "filesystem"})
	s := newTurn(t, cat, nil,
		textResponse("1. Answer directly, no tooling needed."),
		textResponse("done"),
	)

	_, err := s.orch.Process(context.Background(), "hello there", s.emit)
	require.NoError(t, err)

	round := s.model.options[1]
	var names []string
	for _, tool := range round.Tools {
		names = append(names, tool.Function.Name)
	}
	assert.Equal(t, []string{"list_tables", "list_files", "read_large_output", "ask_user"}, names)
}

func TestProcess_ScenarioB_OversizedOutputIntercepted(t *testing.T) {
	big := strings.Repeat("r", 5000)
	cat := mssqlCatalog()
	cat.results["list_tables"] = big

	s := newTurn(t, cat, nil,
		textResponse("1. Use mssql list_tables.\nSERVERS: [mssql]"),
		toolCallResponse(call("call_1", "list_tables", `{}`)),
		textResponse("The output is large; reading it in chunks."),
	)

	outcome, err := s.orch.Process(context.Background(), "list tables", s.emit)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDone, outcome)

	// the tool reply in history is the compact notice, never the raw text
	var notice string
	for _, msg := range s.orch.History() {
		if tr := msg.ToolResponse(); tr != nil {
			notice = tr.Content
		}
	}
	require.NotEmpty(t, notice)
	assert.Less(t, len(notice), 500)
	assert.Contains(t, notice, "Output intercepted. The tool output is 5000 characters long.")
	assert.Contains(t, notice, "read_large_output")

	// the result ID in the notice pages through the full text
	start := strings.Index(notice, "result_id='") + len("result_id='")
	resultID := notice[start : start+strings.Index(notice[start:], "'")]
	page := s.out.Read(resultID, 0, 2000)
	assert.True(t, strings.HasPrefix(page, big[:2000]))
	assert.Contains(t, page, "(3000 characters remaining. Use offset=2000 to read more)")
}

func TestProcess_ReadLargeOutputTool(t *testing.T) {
	big := strings.Repeat("x", 5000)
	s := newTurn(t, mssqlCatalog(), nil)

	notice := s.out.Intercept(big)
	require.NotNil(t, notice)

	s.model.responses = []*llms.ContentResponse{
		textResponse("1. Read the intercepted output.\nSERVERS: [mssql]"),
		toolCallResponse(call("call_1", "read_large_output",
			`{"result_id":"`+notice.ID+`","offset":0,"limit":2000}`)),
		textResponse("summarized"),
	}

	outcome, err := s.orch.Process(context.Background(), "continue reading", s.emit)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDone, outcome)

	var reply string
	for _, msg := range s.orch.History() {
		if tr := msg.ToolResponse(); tr != nil {
			reply = tr.Content
		}
	}
	require.NotEmpty(t, reply)
	assert.True(t, strings.HasPrefix(reply, big[:2000]))
	assert.Contains(t, reply, "(3000 characters remaining. Use offset=2000 to read more)")

	// pagination emits no thought events
	for _, ev := range s.events {
		assert.NotEqual(t, orchestrator.EventThought, ev.Type)
	}
}

func TestProcess_ScenarioC_AuthRequiredSuspends(t *testing.T) {
	cat := mssqlCatalog()
	cat.errs = map[string]error{
		"list_tables": errors.WithStack(&sessions.AuthRequiredError{
			Server: "mssql",
			Auth: &registry.InteractiveAuth{
				Type:         "browser",
				Instructions: "Paste a token.",
				TargetEnvVar: "MSSQL_TOKEN",
			},
		}),
	}
	s := newTurn(t, cat, nil,
		textResponse("1. Use mssql list_tables.\nSERVERS: [mssql]"),
		toolCallResponse(call("call_1", "list_tables", `{}`)),
		textResponse("never reached"),
	)

	outcome, err := s.orch.Process(context.Background(), "list tables", s.emit)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeAuthPending, outcome)

	var auth *orchestrator.Event
	for i := range s.events {
		if s.events[i].Type == orchestrator.EventAuthRequired {
			auth = &s.events[i]
		}
	}
	require.NotNil(t, auth)
	assert.Equal(t, "mssql", auth.Server)
	require.NotNil(t, auth.Auth)
	assert.Equal(t, "MSSQL_TOKEN", auth.Auth.TargetEnvVar)

	// no further model rounds after the suspension
	assert.Len(t, s.model.requests, 2) // plan + one round
	assert.Len(t, s.model.responses, 1)
}

func TestProcess_ScenarioD_AskUserSkipsRemainingCalls(t *testing.T) {
	s := newTurn(t, mssqlCatalog(), nil,
		textResponse("1. Clarify, then list.\nSERVERS: [mssql]"),
		toolCallResponse(
			call("call_1", "ask_user", `{"question":"Which database?"}`),
			call("call_2", "list_tables", `{}`),
		),
	)

	outcome, err := s.orch.Process(context.Background(), "list tables", s.emit)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeAskUser, outcome)

	var question string
	for _, ev := range s.events {
		if ev.Type == orchestrator.EventQuestion {
			question = ev.Content
		}
	}
	assert.Equal(t, "Which database?", question)

	// the second tool was never invoked
	assert.Empty(t, s.cat.calls)

	// both calls have replies, keeping the history valid
	replies := make(map[string]string)
	for _, msg := range s.orch.History() {
		if tr := msg.ToolResponse(); tr != nil {
			replies[tr.ToolCallID] = tr.Content
		}
	}
	assert.Equal(t, "User asked: Which database?", replies["call_1"])
	assert.Equal(t, "Tool execution skipped: waiting for user response to question.", replies["call_2"])
}

func TestProcess_MalformedArgumentsGetErrorReply(t *testing.T) {
	s := newTurn(t, mssqlCatalog(), nil,
		textResponse("1. Use mssql list_tables.\nSERVERS: [mssql]"),
		toolCallResponse(call("call_1", "list_tables", `["not","an","object"]`)),
		textResponse("recovered"),
	)

	outcome, err := s.orch.Process(context.Background(), "list tables", s.emit)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDone, outcome)

	// the tool is never executed
	assert.Empty(t, s.cat.calls)

	var reply string
	for _, msg := range s.orch.History() {
		if tr := msg.ToolResponse(); tr != nil {
			reply = tr.Content
		}
	}
	assert.Equal(t, "Error: Could not parse arguments for tool 'list_tables'.", reply)

	var thoughts []string
	for _, ev := range s.events {
		if ev.Type == orchestrator.EventThought {
			thoughts = append(thoughts, ev.Content)
		}
	}
	assert.Contains(t, thoughts, "Error parsing arguments for list_tables")
}

func TestProcess_UnknownToolGetsErrorReply(t *testing.T) {
	s := newTurn(t, mssqlCatalog(), nil,
		textResponse("1. Use mssql list_tables.\nSERVERS: [mssql]"),
		toolCallResponse(call("call_1", "drop_database", `{}`)),
		textResponse("ok"),
	)

	outcome, err := s.orch.Process(context.Background(), "list tables", s.emit)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDone, outcome)

	var reply string
	for _, msg := range s.orch.History() {
		if tr := msg.ToolResponse(); tr != nil {
			reply = tr.Content
		}
	}
	assert.Equal(t, "Error: Tool 'drop_database' not found.", reply)
}

func TestProcess_PreemptiveAuthNudge(t *testing.T) {
	reg, err := registry.New([]*registry.ServerDefinition{
		{
			Name:        "jira",
			Command:     "jira-mcp",
			RequiredEnv: []string{"JIRA_TOKEN"},
			InteractiveAuth: &registry.InteractiveAuth{
				Type:         "browser",
				Instructions: "Create an API token.",
				TargetEnvVar: "JIRA_TOKEN",
			},
		},
	})
	require.NoError(t, err)

	s := newTurn(t, mssqlCatalog(), reg)

	outcome, err := s.orch.Process(context.Background(), "Create a Jira ticket for the outage", s.emit)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeAuthPending, outcome)

	require.Len(t, s.events, 1)
	assert.Equal(t, orchestrator.EventAuthRequired, s.events[0].Type)
	assert.Equal(t, "jira", s.events[0].Server)

	// no model calls at all before the nudge
	assert.Empty(t, s.model.requests)
	assert.Empty(t, s.classifier.requests)
}

func TestProcess_ReplacesPriorSystemMessages(t *testing.T) {
	s := newTurn(t, mssqlCatalog(), nil,
		textResponse("SERVERS: [mssql]"),
		textResponse("done"),
	)
	s.orch = orchestrator.New(orchestrator.Config{
		Model:      s.model,
		Classifier: s.classifier,
		Catalog:    s.cat,
		Outputs:    s.out,
		User:       "alice",
		ChatID:     "chat1",
		History: []llms.Message{
			llms.MessageFromTextParts(llms.RoleSystem, "old prompt"),
			llms.MessageFromTextParts(llms.RoleHuman, "earlier message"),
			llms.MessageFromTextParts(llms.RoleAI, "earlier answer"),
		},
	})

	_, err := s.orch.Process(context.Background(), "list tables", s.emit)
	require.NoError(t, err)

	var systems []string
	for _, msg := range s.orch.History() {
		if msg.Role == llms.RoleSystem {
			systems = append(systems, msg.GetContent())
		}
	}
	require.Len(t, systems, 1)
	assert.Contains(t, systems[0], "## CURRENT GOAL")
	assert.Contains(t, systems[0], "## APPROVED TECHNICAL PLAN")
	assert.Contains(t, systems[0], "## TOOL ACCESS")
	assert.Equal(t, llms.RoleSystem, s.orch.History()[0].Role)
}

func TestProcess_OrchestrationRolesNotSentToProvider(t *testing.T) {
	s := newTurn(t, mssqlCatalog(), nil,
		textResponse("SERVERS: [mssql]"),
		textResponse("done"),
	)

	_, err := s.orch.Process(context.Background(), "list tables", s.emit)
	require.NoError(t, err)

	// the round request must not carry intent/plan roles
	round := s.model.requests[1]
	for _, msg := range round {
		assert.True(t, msg.Role.IsProviderRole(), "role %v leaked to provider", msg.Role)
	}

	// but they are in the history
	var roles []llms.Role
	for _, msg := range s.orch.History() {
		roles = append(roles, msg.Role)
	}
	assert.Contains(t, roles, llms.RoleIntent)
	assert.Contains(t, roles, llms.RolePlan)
}
