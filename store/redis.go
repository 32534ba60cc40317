package store

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// The redis store implements the MessageStore interface using Redis as the
// backend, so history survives process restarts and can be shared between
// instances. The keys namespace is organized as follows:
// - `/<prefix>/chatstore/messages/<chatID>` for the chat's message list
// - `/<prefix>/chatstore/chats` for the set of known chat IDs

// maxStoredMessages bounds per-chat history; older entries are trimmed.
const maxStoredMessages = 200

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore returns a MessageStore backed by the given Redis client.
// All keys are placed under prefix.
func NewRedisStore(client *redis.Client, prefix string) MessageStore {
	return &redisStore{
		client: client,
		prefix: prefix,
	}
}

func (m *redisStore) getRedisMessagesKey(chatID string) string {
	return path.Join(m.prefix, "chatstore", "messages", chatID)
}

func (m *redisStore) getRedisChatListKey() string {
	return path.Join(m.prefix, "chatstore", "chats")
}

func (m *redisStore) Messages(chatID string) []Message {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := m.getRedisMessagesKey(chatID)
	data, err := m.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "LRange", "chat", chatID, "err", err.Error())
		return nil
	}

	var messages []Message
	for _, item := range data {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			logger.KV(xlog.ERROR, "reason", "unmarshal message", "chat", chatID, "err", err.Error())
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

func (m *redisStore) Add(chatID string, msg Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	key := m.getRedisMessagesKey(chatID)
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxStoredMessages, -1)
	pipe.SAdd(ctx, m.getRedisChatListKey(), chatID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to store message in Redis")
	}
	return nil
}

func (m *redisStore) Reset(chatID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := m.client.Pipeline()
	pipe.Del(ctx, m.getRedisMessagesKey(chatID))
	pipe.SRem(ctx, m.getRedisChatListKey(), chatID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to reset chat in Redis")
	}
	return nil
}

// ListChats returns the chat IDs that have stored history.
func (m *redisStore) ListChats(ctx context.Context) ([]string, error) {
	chatIDs, err := m.client.SMembers(ctx, m.getRedisChatListKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to list chats from Redis")
	}
	return chatIDs, nil
}
