package chatmodel

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xdb/pkg/flake"
)

// ErrInvalidChatContext is returned when the context does not carry a chat
// context with a user and chat ID.
var ErrInvalidChatContext = errors.New("invalid chat context")

// ChatContext identifies the user and the conversation for one turn.
type ChatContext interface {
	GetUser() string
	GetChatID() string
}

type chatContext struct {
	user   string
	chatID string
}

func (c *chatContext) GetUser() string {
	return c.user
}

func (c *chatContext) GetChatID() string {
	return c.chatID
}

// NewChatContext creates a ChatContext for a user. An empty chatID allocates
// a new one.
func NewChatContext(user, chatID string) ChatContext {
	return &chatContext{
		user:   user,
		chatID: values.StringsCoalesce(chatID, NewChatID()),
	}
}

type contextKey int

const (
	keyContext contextKey = iota
)

// WithChatContext returns a new context with ChatContext value.
func WithChatContext(ctx context.Context, chatCtx ChatContext) context.Context {
	return context.WithValue(ctx, keyContext, chatCtx)
}

// GetChatContext retrieves the ChatContext from the context.
func GetChatContext(ctx context.Context) ChatContext {
	if v, ok := ctx.Value(keyContext).(ChatContext); ok {
		return v
	}
	return nil
}

// GetUserAndChatID retrieves the user and chat ID from the provided context.
func GetUserAndChatID(ctx context.Context) (string, string, error) {
	v, ok := ctx.Value(keyContext).(ChatContext)
	if !ok || v.GetUser() == "" || v.GetChatID() == "" {
		return "", "", errors.WithStack(ErrInvalidChatContext)
	}
	return v.GetUser(), v.GetChatID(), nil
}

// NewChatID generates a new chat ID using the flake ID generator.
func NewChatID() string {
	return strconv.FormatUint(flake.DefaultIDGenerator.NextID(), 10)
}
