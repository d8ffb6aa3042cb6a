// Package store persists conversation history and per-user tool server
// configuration, with in-memory and Redis backed implementations.
package store

import (
	"context"
	"time"

	"github.com/effective-security/toolchat/pkg/llms"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolchat", "store")

// MessageStore persists the messages of a chat. The user and chat IDs are
// taken from the chat context on ctx.
type MessageStore interface {
	Messages(ctx context.Context) []llms.Message
	Add(ctx context.Context, msg llms.Message) error
	Reset(ctx context.Context) error

	// UpdateChat creates or updates the chat title and metadata.
	UpdateChat(ctx context.Context, title string, metadata map[string]any) error
	GetChatInfo(ctx context.Context, chatID string) (*ChatInfo, error)
	ListChats(ctx context.Context) ([]string, error)
}

// ChatInfo is the metadata of a chat.
type ChatInfo struct {
	UserID    string         `json:"user_id"`
	ChatID    string         `json:"chat_id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Messages  []llms.Message `json:"messages,omitempty"`
}

// UserConfigStore persists per-user tool server configuration: credential
// environment variables and free-form context notes surfaced to the model.
type UserConfigStore interface {
	// ServerEnv returns the user's saved environment variables for a server,
	// or an empty map when none are saved.
	ServerEnv(ctx context.Context, user, server string) (map[string]string, error)
	SetServerEnv(ctx context.Context, user, server string, env map[string]string) error
	DeleteServerEnv(ctx context.Context, user, server string) error
	// ConfiguredServers returns the names of servers the user has saved any
	// configuration for.
	ConfiguredServers(ctx context.Context, user string) ([]string, error)

	// ToolContext returns the user's saved context note for a server, or ""
	// when none is saved.
	ToolContext(ctx context.Context, user, server string) (string, error)
	SetToolContext(ctx context.Context, user, server, note string) error
}
