package tools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetInput struct {
	Name string `json:"name" jsonschema:"description=Who to greet"`
}

func Test_NewFunc(t *testing.T) {
	tool, err := tools.NewFunc("greet", "greets a person",
		func(ctx context.Context, in *greetInput) (string, error) {
			return "hello, " + in.Name, nil
		})
	require.NoError(t, err)

	assert.Equal(t, "greet", tool.Name())
	assert.Equal(t, "greets a person", tool.Description())

	var schema struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(tool.InputSchema(), &schema))
	assert.Equal(t, "object", schema.Type)
	assert.Contains(t, schema.Properties, "name")

	out, err := tool.Call(context.Background(), json.RawMessage(`{"name":"bob"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello, bob", out)
}

func Test_Call_BadInput(t *testing.T) {
	tool, err := tools.NewFunc("greet", "greets",
		func(ctx context.Context, in *greetInput) (string, error) {
			return in.Name, nil
		})
	require.NoError(t, err)

	_, err = tool.Call(context.Background(), json.RawMessage(`not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal input")
}

func Test_Call_ToolError(t *testing.T) {
	tool, err := tools.NewFunc("fail", "always fails",
		func(ctx context.Context, in *greetInput) (string, error) {
			return "", errors.New("nope")
		})
	require.NoError(t, err)

	_, err = tool.Call(context.Background(), json.RawMessage(`{}`))
	assert.EqualError(t, err, "nope")
}
