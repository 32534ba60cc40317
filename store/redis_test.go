package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/effective-security/mcpagent/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	rediscon "github.com/testcontainers/testcontainers-go/modules/redis"
)

func Test_RedisStore(t *testing.T) {
	ctx := context.Background()
	redisContainer, err := rediscon.Run(ctx, "redis:7",
		testcontainers.WithConfigModifier(func(config *container.Config) {
			config.Env = []string{
				"ALLOW_EMPTY_PASSWORD=yes",
			}
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, redisContainer.Terminate(ctx))
	})

	state, err := redisContainer.State(ctx)
	require.NoError(t, err)
	require.True(t, state.Running)

	root := fmt.Sprintf("test-%d", time.Now().Unix())

	host, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err)

	options, err := redis.ParseURL(host)
	require.NoError(t, err)

	client := redis.NewClient(options)

	rs := client.Ping(ctx) // Ensure the connection is established
	require.NoError(t, rs.Err(), "failed to connect to Redis")

	st := store.NewRedisStore(client, root)

	chatID := "chat1"
	msg1 := store.NewUserMessage("Hello")
	msg2 := store.NewAssistantMessage("Hi there!")

	assert.Empty(t, st.Messages(chatID))

	require.NoError(t, st.Add(chatID, msg1))
	require.NoError(t, st.Add(chatID, msg2))

	call := store.NewToolCallMessage("call_1", "get_time", json.RawMessage(`{}`))
	require.NoError(t, st.Add(chatID, call))
	require.NoError(t, st.Add(chatID, store.NewToolResultMessage("call_1", "12:00", false)))

	messages := st.Messages(chatID)
	require.Equal(t, 4, len(messages))
	assert.Equal(t, msg1.Content, messages[0].Content)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, msg2.Content, messages[1].Content)
	assert.True(t, messages[2].IsToolCall())
	assert.Equal(t, "get_time", messages[2].ToolName)
	assert.Equal(t, store.RoleTool, messages[3].Role)
	assert.Equal(t, "call_1", messages[3].CallID)

	// A second chat gets its own list.
	require.NoError(t, st.Add("chat2", msg1))
	assert.Equal(t, 1, len(st.Messages("chat2")))

	rds, ok := st.(interface {
		ListChats(ctx context.Context) ([]string, error)
	})
	require.True(t, ok)
	chats, err := rds.ListChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, len(chats))

	require.NoError(t, st.Reset(chatID))
	assert.Equal(t, 0, len(st.Messages(chatID)))

	chats, err = rds.ListChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, len(chats))
}
