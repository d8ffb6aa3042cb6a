package orchestrator

import "github.com/effective-security/toolchat/registry"

// EventType identifies a turn event streamed to the client.
type EventType string

const (
	// EventIntent carries the one-sentence classification of the user's goal.
	EventIntent EventType = "intent"
	// EventPlan carries the technical plan for the turn.
	EventPlan EventType = "plan"
	// EventToken carries one streamed fragment of the assistant's reply.
	EventToken EventType = "token"
	// EventThought carries a progress note, such as a tool being called.
	EventThought EventType = "thought"
	// EventQuestion carries a clarifying question addressed to the user.
	EventQuestion EventType = "question"
	// EventAuthRequired signals the turn is suspended until the user
	// authorizes a server.
	EventAuthRequired EventType = "auth_required"
	// EventError carries a tool or orchestration failure shown to the user.
	EventError EventType = "error"
)

// Event is one item of the turn event stream.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`

	// set for EventAuthRequired
	Server string                    `json:"server_name,omitempty"`
	Auth   *registry.InteractiveAuth `json:"auth_config,omitempty"`
}

// Emitter receives turn events in causal order.
type Emitter func(Event)

// Outcome is the terminal state of a turn.
type Outcome string

const (
	// OutcomeDone means the assistant produced a final reply.
	OutcomeDone Outcome = "done"
	// OutcomeAskUser means the turn stopped on a clarifying question; the
	// next user message answers it.
	OutcomeAskUser Outcome = "ask_user"
	// OutcomeAuthPending means the turn is suspended until the user
	// authorizes a server.
	OutcomeAuthPending Outcome = "auth_pending"
)
