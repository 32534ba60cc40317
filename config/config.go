// Package config loads the application configuration and bootstraps the
// server registry from it.
package config

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/registry"
	"github.com/effective-security/mcpagent/secrets"
	"github.com/effective-security/x/configloader"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "config")

// ServerConfig describes one tool server to connect at startup.
type ServerConfig struct {
	Name     string `json:"name" yaml:"name"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// Kind selects the transport: "stdio" (default), "streamed", or the
	// legacy alias "sse".
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
	// Secrets are resolved through the secrets provider before connecting;
	// values may be literals or ENC: tokens.
	Secrets map[string]string `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	// ToolOverrides restricts the server's catalog to the named subset.
	ToolOverrides []string `json:"tool_overrides,omitempty" yaml:"tool_overrides,omitempty"`
}

// Config is the application configuration.
type Config struct {
	DefaultModel string          `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxTokens    int64           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxToolCalls int             `json:"max_tool_calls,omitempty" yaml:"max_tool_calls,omitempty"`
	Servers      []*ServerConfig `json:"servers,omitempty" yaml:"servers,omitempty"`
}

// LoadConfig from file, with environment variable expansion.
func LoadConfig(file string) (*Config, error) {
	cfg := new(Config)
	if file == "" {
		return cfg, nil
	}

	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Bootstrap connects every configured server and registers it. The batch is
// all-or-nothing for startup: the first failure is returned and the caller
// is expected to treat it as fatal. Secret values are resolved through the
// provider just before connecting and are not logged.
func Bootstrap(ctx context.Context, cfg *Config, reg *registry.Registry, provider secrets.Provider) error {
	for _, srv := range cfg.Servers {
		kind, err := registry.ParseKind(srv.Kind)
		if err != nil {
			return errors.WithMessagef(err, "server %q", srv.Name)
		}

		resolved, err := resolveSecrets(srv.Secrets, provider)
		if err != nil {
			return errors.WithMessagef(err, "failed to resolve secrets for server %q", srv.Name)
		}

		name, err := reg.Add(ctx, registry.AddRequest{
			Name:          srv.Name,
			Endpoint:      srv.Endpoint,
			Kind:          kind,
			Secrets:       resolved,
			ToolOverrides: srv.ToolOverrides,
		})
		if err != nil {
			return errors.WithMessagef(err, "failed to add server %q", srv.Name)
		}
		logger.ContextKV(ctx, xlog.INFO, "status", "server_bootstrapped", "name", name, "kind", kind)
	}
	return nil
}

func resolveSecrets(values map[string]string, provider secrets.Provider) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if provider == nil {
		provider = secrets.NewProvider("")
	}
	resolved := make(map[string]string, len(values))
	for k, v := range values {
		plain, err := provider.Resolve(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "secret %q", k)
		}
		resolved[k] = plain
	}
	return resolved, nil
}
