package store

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolchat/chatmodel"
	"github.com/effective-security/toolchat/pkg/llms"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// The redis store keeps chat history and metadata in Redis, keyed by user and
// chat ID. The key namespace is organized as follows:
// - `/<prefix>/chatstore/<user>/messages/<chatID>` for chat messages
// - `/<prefix>/chatstore/<user>/info/<chatID>` for chat metadata
// - `/<prefix>/chatstore/<user>/chats` for the set of the user's chat IDs
// - `/<prefix>/userconfig/<user>/env/<server>` for saved server credentials
// - `/<prefix>/userconfig/<user>/notes/<server>` for saved tool context notes

const maxStoredMessages = 200

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore returns a MessageStore backed by Redis.
func NewRedisStore(client *redis.Client, prefix string) MessageStore {
	return &redisStore{
		client: client,
		prefix: prefix,
	}
}

func (m *redisStore) messagesKey(user, chatID string) string {
	return path.Join(m.prefix, "chatstore", user, "messages", chatID)
}

func (m *redisStore) chatInfoKey(user, chatID string) string {
	return path.Join(m.prefix, "chatstore", user, "info", chatID)
}

func (m *redisStore) chatListKey(user string) string {
	return path.Join(m.prefix, "chatstore", user, "chats")
}

func (m *redisStore) Messages(ctx context.Context) []llms.Message {
	user, chatID, err := chatmodel.GetUserAndChatID(ctx)
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "GetUserAndChatID", "err", err.Error())
		return nil
	}

	data, err := m.client.LRange(ctx, m.messagesKey(user, chatID), 0, -1).Result()
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "LRange", "err", err.Error())
		return nil
	}

	var messages []llms.Message
	for _, item := range data {
		var msg llms.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			logger.ContextKV(ctx, xlog.ERROR, "reason", "unmarshal message", "err", err.Error())
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

func (m *redisStore) Add(ctx context.Context, msg llms.Message) error {
	user, chatID, err := chatmodel.GetUserAndChatID(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	key := m.messagesKey(user, chatID)
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxStoredMessages, -1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to store message in Redis")
	}

	// Update the time
	return m.UpdateChat(ctx, "", nil)
}

func (m *redisStore) Reset(ctx context.Context) error {
	user, chatID, err := chatmodel.GetUserAndChatID(ctx)
	if err != nil {
		return err
	}

	pipe := m.client.Pipeline()
	pipe.Del(ctx, m.messagesKey(user, chatID))
	pipe.Del(ctx, m.chatInfoKey(user, chatID))
	pipe.SRem(ctx, m.chatListKey(user), chatID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to reset chat in Redis")
	}
	return nil
}

func (m *redisStore) UpdateChat(ctx context.Context, title string, metadata map[string]any) error {
	chat, err := m.getChatInfo(ctx, "")
	if err != nil {
		return err
	}

	if title != "" {
		chat.Title = title
	}
	if metadata != nil {
		if chat.Metadata == nil {
			chat.Metadata = make(map[string]any)
		}
		for k, v := range metadata {
			chat.Metadata[k] = v
		}
	}
	chat.UpdatedAt = time.Now()

	return m.putChatInfo(ctx, chat, false)
}

func (m *redisStore) putChatInfo(ctx context.Context, chat *ChatInfo, isNew bool) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return errors.Wrap(err, "failed to marshal chat info")
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, m.chatInfoKey(chat.UserID, chat.ChatID), data, 0)
	if isNew {
		pipe.SAdd(ctx, m.chatListKey(chat.UserID), chat.ChatID)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to store chat info in Redis")
	}
	return nil
}

func (m *redisStore) GetChatInfo(ctx context.Context, chatID string) (*ChatInfo, error) {
	info, err := m.getChatInfo(ctx, chatID)
	if err != nil {
		return nil, err
	}
	info.Messages = m.Messages(ctx)
	return info, nil
}

func (m *redisStore) getChatInfo(ctx context.Context, id string) (*ChatInfo, error) {
	user, chatID, err := chatmodel.GetUserAndChatID(ctx)
	if err != nil {
		return nil, err
	}
	if id != "" {
		chatID = id
	}

	data, err := m.client.Get(ctx, m.chatInfoKey(user, chatID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return nil, errors.Wrap(err, "failed to get chat info from Redis")
		}
		now := time.Now()
		chat := &ChatInfo{
			UserID:    user,
			ChatID:    chatID,
			Title:     "New Chat",
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  make(map[string]any),
		}
		if err := m.putChatInfo(ctx, chat, true); err != nil {
			return nil, errors.Wrap(err, "failed to initialize new chat info")
		}
		return chat, nil
	}

	chat := &ChatInfo{}
	if err := json.Unmarshal([]byte(data), chat); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal chat info")
	}
	return chat, nil
}

func (m *redisStore) ListChats(ctx context.Context) ([]string, error) {
	user, _, err := chatmodel.GetUserAndChatID(ctx)
	if err != nil {
		return nil, err
	}

	chatIDs, err := m.client.SMembers(ctx, m.chatListKey(user)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to list chats from Redis")
	}
	return chatIDs, nil
}

type redisUserConfig struct {
	client *redis.Client
	prefix string
}

// NewRedisUserConfigStore returns a UserConfigStore backed by Redis.
func NewRedisUserConfigStore(client *redis.Client, prefix string) UserConfigStore {
	return &redisUserConfig{
		client: client,
		prefix: prefix,
	}
}

func (m *redisUserConfig) envKey(user, server string) string {
	return path.Join(m.prefix, "userconfig", user, "env", server)
}

func (m *redisUserConfig) noteKey(user, server string) string {
	return path.Join(m.prefix, "userconfig", user, "notes", server)
}

func (m *redisUserConfig) ServerEnv(ctx context.Context, user, server string) (map[string]string, error) {
	env, err := m.client.HGetAll(ctx, m.envKey(user, server)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get server env from Redis")
	}
	return env, nil
}

func (m *redisUserConfig) SetServerEnv(ctx context.Context, user, server string, env map[string]string) error {
	key := m.envKey(user, server)
	pipe := m.client.Pipeline()
	pipe.Del(ctx, key)
	if len(env) > 0 {
		fields := make(map[string]any, len(env))
		for k, v := range env {
			fields[k] = v
		}
		pipe.HSet(ctx, key, fields)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to store server env in Redis")
	}
	return nil
}

func (m *redisUserConfig) DeleteServerEnv(ctx context.Context, user, server string) error {
	err := m.client.Del(ctx, m.envKey(user, server)).Err()
	if err != nil {
		return errors.Wrap(err, "failed to delete server env from Redis")
	}
	return nil
}

func (m *redisUserConfig) ConfiguredServers(ctx context.Context, user string) ([]string, error) {
	servers := make(map[string]struct{})
	for _, sub := range []string{"env", "notes"} {
		pattern := path.Join(m.prefix, "userconfig", user, sub) + "/*"
		iter := m.client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			servers[path.Base(iter.Val())] = struct{}{}
		}
		if err := iter.Err(); err != nil {
			return nil, errors.Wrap(err, "failed to scan user config from Redis")
		}
	}

	out := make([]string, 0, len(servers))
	for server := range servers {
		out = append(out, server)
	}
	return out, nil
}

func (m *redisUserConfig) ToolContext(ctx context.Context, user, server string) (string, error) {
	note, err := m.client.Get(ctx, m.noteKey(user, server)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", errors.Wrap(err, "failed to get tool context from Redis")
	}
	return note, nil
}

func (m *redisUserConfig) SetToolContext(ctx context.Context, user, server, note string) error {
	err := m.client.Set(ctx, m.noteKey(user, server), note, 0).Err()
	if err != nil {
		return errors.Wrap(err, "failed to store tool context in Redis")
	}
	return nil
}
