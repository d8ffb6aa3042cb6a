// Package orchestrator runs the agent loop for one conversation turn:
// intent classification, technical planning, plan-based tool filtering, and
// streamed model rounds interleaved with sequential tool execution.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bububa/ljson"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolchat/catalog"
	"github.com/effective-security/toolchat/chatmodel"
	"github.com/effective-security/toolchat/outputs"
	"github.com/effective-security/toolchat/pkg/llms"
	"github.com/effective-security/toolchat/pkg/llmutils"
	"github.com/effective-security/toolchat/pkg/metricskey"
	"github.com/effective-security/toolchat/registry"
	"github.com/effective-security/toolchat/sessions"
	"github.com/effective-security/toolchat/store"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolchat", "orchestrator")

// ToolCatalog is the part of the catalog the loop uses.
type ToolCatalog interface {
	ListTools(ctx context.Context, user string) ([]catalog.ToolInfo, []string)
	FindServerForTool(ctx context.Context, user, tool string) (string, error)
	CallTool(ctx context.Context, user, server, tool string, args map[string]any) (string, error)
}

// Config carries the collaborators of one Orchestrator.
type Config struct {
	// Model drives planning and the agent rounds.
	Model llms.Model
	// Classifier produces the intent summary. A cheaper model than Model;
	// falls back to Model when nil.
	Classifier llms.Model

	Catalog  ToolCatalog
	Registry *registry.Registry
	Outputs  *outputs.Cache
	Messages store.MessageStore

	User   string
	ChatID string
	// History seeds the turn with prior messages. The loop keeps its own
	// copy; the store is a durability sink.
	History []llms.Message
	// ToolContexts are the user's per-server notes folded into the system
	// prompt.
	ToolContexts map[string]string
}

// Orchestrator executes conversation turns. Not safe for concurrent use; one
// instance serves one conversation.
type Orchestrator struct {
	cfg     Config
	history []llms.Message
}

// New creates an Orchestrator for one conversation.
func New(cfg Config) *Orchestrator {
	if cfg.Classifier == nil {
		cfg.Classifier = cfg.Model
	}
	history := make([]llms.Message, len(cfg.History))
	copy(history, cfg.History)
	return &Orchestrator{
		cfg:     cfg,
		history: history,
	}
}

// History returns the conversation as of the last completed turn.
func (o *Orchestrator) History() []llms.Message {
	return o.history
}

// Process runs one turn. Events stream through emit in causal order; the
// returned Outcome tells the caller whether the turn finished, stopped on a
// question, or is suspended for authorization.
func (o *Orchestrator) Process(ctx context.Context, userMessage string, emit Emitter) (Outcome, error) {
	started := time.Now()
	defer metricskey.PerfTurn.MeasureSince(started, o.cfg.User)

	if chatmodel.GetChatContext(ctx) == nil {
		ctx = chatmodel.WithChatContext(ctx, chatmodel.NewChatContext(o.cfg.User, o.cfg.ChatID))
	}

	outcome, err := o.process(ctx, userMessage, emit)
	if err != nil {
		metricskey.StatsTurnsFailed.IncrCounter(1)
		return outcome, err
	}
	metricskey.StatsTurnsSucceeded.IncrCounter(1, string(outcome))
	return outcome, nil
}

func (o *Orchestrator) process(ctx context.Context, userMessage string, emit Emitter) (Outcome, error) {
	o.append(ctx, llms.MessageFromTextParts(llms.RoleHuman, userMessage))
	o.history = SanitizeHistory(o.history)

	// Discover tools. Per-server failures are warnings; discovery itself
	// never aborts a turn.
	tools, warnings := o.cfg.Catalog.ListTools(ctx, o.cfg.User)
	for _, warning := range warnings {
		logger.ContextKV(ctx, xlog.WARNING, "reason", "discovery", "warning", warning)
	}

	// A server the user names but cannot reach is a dead end the model can
	// do nothing about. Surface its auth flow now instead.
	if server, auth := o.unreachableMentioned(userMessage, tools); auth != nil {
		emit(Event{Type: EventAuthRequired, Server: server, Auth: auth})
		return OutcomeAuthPending, nil
	}

	serverOrder, toolsByServer := groupByServer(tools)

	// Phase 1: intent classification.
	intent, err := o.complete(ctx, o.cfg.Classifier, intentSystemPrompt, userMessage)
	if err != nil {
		return OutcomeDone, err
	}
	emit(Event{Type: EventIntent, Content: intent})
	o.append(ctx, llms.MessageFromTextParts(llms.RoleIntent, intent))

	// Phase 2: technical planning.
	toolNames := make([]string, 0, len(tools))
	for _, tool := range tools {
		toolNames = append(toolNames, tool.Name)
	}
	plan, err := o.complete(ctx, o.cfg.Model, planSystemPrompt, buildPlanningPrompt(userMessage, toolNames))
	if err != nil {
		return OutcomeDone, err
	}
	emit(Event{Type: EventPlan, Content: plan})
	o.append(ctx, llms.MessageFromTextParts(llms.RolePlan, plan))

	// Phase 3: plan-based tool filtering.
	required := parseRequiredServers(plan, serverOrder, toolsByServer)
	if len(required) == 0 {
		logger.ContextKV(ctx, xlog.WARNING, "reason", "plan_names_no_server", "filter", "disabled")
	}
	offered := o.offeredTools(tools, required)

	// One system message governs the turn; prior ones are dropped.
	systemPrompt := buildSystemPrompt(intent, plan, required, serverOrder, toolsByServer, o.cfg.ToolContexts)
	o.resetSystemMessage(systemPrompt)

	return o.runRounds(ctx, offered, emit)
}

// runRounds alternates streamed completions with sequential tool execution
// until the model answers without tool calls or the turn suspends.
func (o *Orchestrator) runRounds(ctx context.Context, offered []llms.Tool, emit Emitter) (Outcome, error) {
	modelName := o.cfg.Model.GetName()
	for {
		provider := providerMessages(o.history)

		metricskey.StatsLLMMessagesSent.IncrCounter(float64(len(provider)), modelName)
		metricskey.StatsLLMBytesSent.IncrCounter(float64(llmutils.CountMessagesContentSize(provider)), modelName)

		resp, err := o.cfg.Model.GenerateContent(ctx, provider,
			llms.WithTools(offered),
			llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
				emit(Event{Type: EventToken, Content: string(chunk)})
				return nil
			}),
		)
		if err != nil {
			emit(Event{Type: EventError, Content: err.Error()})
			return OutcomeDone, err
		}
		metricskey.StatsLLMBytesReceived.IncrCounter(float64(llmutils.CountResponseContentSize(resp)), modelName)

		if len(resp.Choices) == 0 {
			err = errors.New("model returned no choices")
			emit(Event{Type: EventError, Content: err.Error()})
			return OutcomeDone, err
		}
		choice := resp.Choices[0]
		if len(choice.ToolCalls) == 0 {
			o.append(ctx, llms.MessageFromTextParts(llms.RoleAI, choice.Content))
			return OutcomeDone, nil
		}

		o.append(ctx, llms.MessageFromToolCalls(llms.RoleAI, choice.Content, choice.ToolCalls...))

		outcome, done := o.executeCalls(ctx, choice.ToolCalls, emit)
		if done {
			return outcome, nil
		}
	}
}

// executeCalls runs the round's tool calls in order. It returns done=true
// when the turn must stop (question asked or authorization pending).
func (o *Orchestrator) executeCalls(ctx context.Context, calls []llms.ToolCall, emit Emitter) (Outcome, bool) {
	for i, call := range calls {
		name := call.FunctionCall.Name

		args, parseErr := parseArguments(call.FunctionCall.Arguments)
		if parseErr != nil {
			emit(Event{Type: EventThought, Content: fmt.Sprintf("Error parsing arguments for %s", name)})
			o.appendToolReply(ctx, call, fmt.Sprintf("Error: Could not parse arguments for tool '%s'.", name))
			continue
		}

		switch name {
		case ToolReadLargeOutput:
			// internal pagination, no thought event
			o.appendToolReply(ctx, call, o.readLargeOutput(args))

		case ToolAskUser:
			question, _ := args["question"].(string)
			emit(Event{Type: EventQuestion, Content: question})
			o.appendToolReply(ctx, call, "User asked: "+question)

			// Remaining calls get placeholder replies so the history stays
			// valid for the provider.
			for _, remaining := range calls[i+1:] {
				o.appendToolReply(ctx, remaining, "Tool execution skipped: waiting for user response to question.")
			}
			return OutcomeAskUser, true

		default:
			emit(Event{Type: EventThought, Content: fmt.Sprintf("Calling tool: %s...", name)})
			logger.ContextKV(ctx, xlog.DEBUG, "tool", name, "args", llmutils.ToJSON(args))

			output, suspend := o.callProviderTool(ctx, name, args, emit)
			if suspend {
				return OutcomeAuthPending, true
			}
			o.appendToolReply(ctx, call, output)
		}
	}
	return OutcomeDone, false
}

// callProviderTool routes one tool call through the catalog. Failures come
// back as tool output text for the model to react to; only a required
// authorization suspends the turn.
func (o *Orchestrator) callProviderTool(ctx context.Context, name string, args map[string]any, emit Emitter) (output string, suspend bool) {
	server, err := o.cfg.Catalog.FindServerForTool(ctx, o.cfg.User, name)
	if err != nil {
		metricskey.StatsToolCallsNotFound.IncrCounter(1, name)
		return fmt.Sprintf("Error: Tool '%s' not found.", name), false
	}

	result, err := o.cfg.Catalog.CallTool(ctx, o.cfg.User, server, name, args)
	if err != nil {
		if authErr, ok := sessions.IsAuthRequired(err); ok {
			emit(Event{Type: EventAuthRequired, Server: authErr.Server, Auth: authErr.Auth})
			return "", true
		}
		msg := "Error: " + err.Error()
		emit(Event{Type: EventError, Content: msg})
		return msg, false
	}

	if notice := o.cfg.Outputs.Intercept(result); notice != nil {
		logger.ContextKV(ctx, xlog.DEBUG, "tool", name, "intercepted", notice.ID, "length", notice.Length)
		return notice.Message(), false
	}
	return result, false
}

func (o *Orchestrator) readLargeOutput(args map[string]any) string {
	id, _ := args["result_id"].(string)
	offset := intArg(args, "offset", 0)
	limit := intArg(args, "limit", outputs.DefaultReadLimit)
	return o.cfg.Outputs.Read(id, offset, limit)
}

// unreachableMentioned reports the first registered server that the user
// names in the message but discovery did not reach, if it has an interactive
// auth flow.
func (o *Orchestrator) unreachableMentioned(userMessage string, tools []catalog.ToolInfo) (string, *registry.InteractiveAuth) {
	if o.cfg.User == "" || o.cfg.Registry == nil {
		return "", nil
	}
	active := make(map[string]bool)
	for _, tool := range tools {
		active[tool.Server] = true
	}
	msgLower := strings.ToLower(userMessage)
	for _, def := range o.cfg.Registry.Definitions() {
		if active[def.Name] || def.InteractiveAuth == nil {
			continue
		}
		if strings.Contains(msgLower, strings.ToLower(def.Name)) {
			return def.Name, def.InteractiveAuth
		}
	}
	return "", nil
}

func (o *Orchestrator) offeredTools(tools []catalog.ToolInfo, required []string) []llms.Tool {
	filtered := tools
	if len(required) > 0 {
		requiredSet := make(map[string]bool, len(required))
		for _, server := range required {
			requiredSet[server] = true
		}
		filtered = nil
		for _, tool := range tools {
			if requiredSet[tool.Server] {
				filtered = append(filtered, tool)
			}
		}
	}

	offered := make([]llms.Tool, 0, len(filtered)+2)
	for _, tool := range filtered {
		offered = append(offered, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return append(offered, systemTools()...)
}

// complete runs a non-streamed single-exchange completion.
func (o *Orchestrator) complete(ctx context.Context, model llms.Model, system, user string) (string, error) {
	resp, err := model.GenerateContent(ctx, []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, system),
		llms.MessageFromTextParts(llms.RoleHuman, user),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}

// append records a message in the in-memory history and the store. Store
// failures are logged, not fatal; the in-memory history is authoritative.
func (o *Orchestrator) append(ctx context.Context, msg llms.Message) {
	o.history = append(o.history, msg)
	if o.cfg.Messages == nil {
		return
	}
	if err := o.cfg.Messages.Add(ctx, msg); err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "persist", "role", msg.Role, "err", err.Error())
	}
}

func (o *Orchestrator) appendToolReply(ctx context.Context, call llms.ToolCall, content string) {
	o.append(ctx, llms.MessageFromToolResponse(llms.ToolCallResponse{
		ToolCallID: call.ID,
		Name:       call.FunctionCall.Name,
		Content:    content,
	}))
}

func (o *Orchestrator) resetSystemMessage(prompt string) {
	kept := make([]llms.Message, 0, len(o.history)+1)
	kept = append(kept, llms.MessageFromTextParts(llms.RoleSystem, prompt))
	for _, msg := range o.history {
		if msg.Role != llms.RoleSystem {
			kept = append(kept, msg)
		}
	}
	o.history = kept
}

func providerMessages(history []llms.Message) []llms.Message {
	out := make([]llms.Message, 0, len(history))
	for _, msg := range history {
		if msg.Role.IsProviderRole() {
			out = append(out, msg)
		}
	}
	return out
}

func groupByServer(tools []catalog.ToolInfo) ([]string, map[string][]string) {
	var order []string
	byServer := make(map[string][]string)
	for _, tool := range tools {
		if _, ok := byServer[tool.Server]; !ok {
			order = append(order, tool.Server)
		}
		byServer[tool.Server] = append(byServer[tool.Server], tool.Name)
	}
	return order, byServer
}

// parseArguments decodes the model-produced JSON arguments leniently; models
// occasionally emit trailing commas or wrap the JSON in prose.
func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	args := make(map[string]any)
	if err := ljson.Unmarshal(llmutils.CleanJSON([]byte(raw)), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
