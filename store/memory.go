package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/effective-security/toolchat/chatmodel"
	"github.com/effective-security/toolchat/pkg/llms"
)

type memoryChat struct {
	info     ChatInfo
	messages []llms.Message
}

type inMemory struct {
	mu sync.RWMutex
	// keyed by user, then chat ID
	chats map[string]map[string]*memoryChat
}

// NewMemoryStore returns a process-local MessageStore.
func NewMemoryStore() MessageStore {
	return &inMemory{}
}

func (m *inMemory) chat(user, chatID string, create bool) *memoryChat {
	byUser := m.chats[user]
	if byUser == nil {
		if !create {
			return nil
		}
		if m.chats == nil {
			m.chats = make(map[string]map[string]*memoryChat)
		}
		byUser = make(map[string]*memoryChat)
		m.chats[user] = byUser
	}
	chat := byUser[chatID]
	if chat == nil && create {
		now := time.Now()
		chat = &memoryChat{
			info: ChatInfo{
				UserID:    user,
				ChatID:    chatID,
				Title:     "New Chat",
				CreatedAt: now,
				UpdatedAt: now,
			},
		}
		byUser[chatID] = chat
	}
	return chat
}

func (m *inMemory) Messages(ctx context.Context) []llms.Message {
	user, chatID, err := chatmodel.GetUserAndChatID(ctx)
	if err != nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	chat := m.chat(user, chatID, false)
	if chat == nil {
		return nil
	}
	out := make([]llms.Message, len(chat.messages))
	copy(out, chat.messages)
	return out
}

func (m *inMemory) Add(ctx context.Context, msg llms.Message) error {
	user, chatID, err := chatmodel.GetUserAndChatID(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	chat := m.chat(user, chatID, true)
	chat.messages = append(chat.messages, msg)
	chat.info.UpdatedAt = time.Now()
	return nil
}

func (m *inMemory) Reset(ctx context.Context) error {
	user, chatID, err := chatmodel.GetUserAndChatID(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if byUser := m.chats[user]; byUser != nil {
		delete(byUser, chatID)
	}
	return nil
}

func (m *inMemory) UpdateChat(ctx context.Context, title string, metadata map[string]any) error {
	user, chatID, err := chatmodel.GetUserAndChatID(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	chat := m.chat(user, chatID, true)
	if title != "" {
		chat.info.Title = title
	}
	if metadata != nil {
		if chat.info.Metadata == nil {
			chat.info.Metadata = make(map[string]any)
		}
		for k, v := range metadata {
			chat.info.Metadata[k] = v
		}
	}
	chat.info.UpdatedAt = time.Now()
	return nil
}

func (m *inMemory) GetChatInfo(ctx context.Context, chatID string) (*ChatInfo, error) {
	user, ctxChatID, err := chatmodel.GetUserAndChatID(ctx)
	if err != nil {
		return nil, err
	}
	if chatID == "" {
		chatID = ctxChatID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	chat := m.chat(user, chatID, true)
	info := chat.info
	info.Messages = make([]llms.Message, len(chat.messages))
	copy(info.Messages, chat.messages)
	return &info, nil
}

func (m *inMemory) ListChats(ctx context.Context) ([]string, error) {
	user, _, err := chatmodel.GetUserAndChatID(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for chatID := range m.chats[user] {
		out = append(out, chatID)
	}
	sort.Strings(out)
	return out, nil
}

type memoryUserConfig struct {
	mu  sync.RWMutex
	env map[string]map[string]map[string]string
	// context notes keyed by user, then server
	notes map[string]map[string]string
}

// NewMemoryUserConfigStore returns a process-local UserConfigStore.
func NewMemoryUserConfigStore() UserConfigStore {
	return &memoryUserConfig{
		env:   make(map[string]map[string]map[string]string),
		notes: make(map[string]map[string]string),
	}
}

func (m *memoryUserConfig) ServerEnv(_ context.Context, user, server string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range m.env[user][server] {
		out[k] = v
	}
	return out, nil
}

func (m *memoryUserConfig) SetServerEnv(_ context.Context, user, server string, env map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.env[user] == nil {
		m.env[user] = make(map[string]map[string]string)
	}
	saved := make(map[string]string, len(env))
	for k, v := range env {
		saved[k] = v
	}
	m.env[user][server] = saved
	return nil
}

func (m *memoryUserConfig) DeleteServerEnv(_ context.Context, user, server string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.env[user], server)
	return nil
}

func (m *memoryUserConfig) ConfiguredServers(_ context.Context, user string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for server := range m.env[user] {
		out = append(out, server)
	}
	for server := range m.notes[user] {
		if _, ok := m.env[user][server]; !ok {
			out = append(out, server)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryUserConfig) ToolContext(_ context.Context, user, server string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.notes[user][server], nil
}

func (m *memoryUserConfig) SetToolContext(_ context.Context, user, server, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notes[user] == nil {
		m.notes[user] = make(map[string]string)
	}
	m.notes[user][server] = note
	return nil
}
