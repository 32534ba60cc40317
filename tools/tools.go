// Package tools defines the interface for in-process tools that can be
// exposed to the model through the same contract as external tool servers.
package tools

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/invopop/jsonschema"
)

// ITool is a tool the agent can invoke without leaving the process.
type ITool interface {
	// Name returns the name of the Tool.
	Name() string
	// Description returns the description of the tool, to be used in the prompt.
	Description() string
	// InputSchema returns the JSON schema of the tool input.
	InputSchema() json.RawMessage
	// Call executes the tool with the given JSON arguments.
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

type funcTool[I any] struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(context.Context, *I) (string, error)
}

// NewFunc wraps a typed function as a tool. The input schema is derived from
// the input type via reflection.
func NewFunc[I any](name, description string, fn func(context.Context, *I) (string, error)) (ITool, error) {
	var input I
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	schema := reflector.ReflectFromType(reflect.TypeOf(input))
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal schema for tool %q", name)
	}
	return &funcTool[I]{
		name:        name,
		description: description,
		schema:      data,
		fn:          fn,
	}, nil
}

func (t *funcTool[I]) Name() string {
	return t.name
}

func (t *funcTool[I]) Description() string {
	return t.description
}

func (t *funcTool[I]) InputSchema() json.RawMessage {
	return t.schema
}

func (t *funcTool[I]) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var input I
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return "", errors.Wrapf(err, "tool %q: failed to unmarshal input", t.name)
		}
	}
	return t.fn(ctx, &input)
}
