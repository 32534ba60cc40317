package anthropic

import (
	"net/http"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	TokenEnvVarName = "ANTHROPIC_API_KEY" //nolint:gosec
)

type Options struct {
	Token          string
	Model          string
	BaseURL        string
	HttpClient     option.HTTPClient
	RequestTimeout time.Duration
}

type Option func(*Options)

// NewOptions applies the given options over the defaults.
func NewOptions(opts ...Option) *Options {
	options := &Options{
		Token:          os.Getenv(TokenEnvVarName),
		BaseURL:        "https://api.anthropic.com",
		HttpClient:     http.DefaultClient,
		RequestTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithToken passes the Anthropic API token to the client. If not set, the token
// is read from the ANTHROPIC_API_KEY environment variable.
func WithToken(token string) Option {
	return func(opts *Options) {
		opts.Token = token
	}
}

// WithModel passes the Anthropic model to the client.
func WithModel(model string) Option {
	return func(opts *Options) {
		opts.Model = model
	}
}

// WithBaseURL passes the Anthropic base URL to the client.
// If not set, the default base URL is used.
func WithBaseURL(baseURL string) Option {
	return func(opts *Options) {
		opts.BaseURL = baseURL
	}
}

// WithHTTPClient allows setting a custom HTTP client. If not set, the default value
// is http.DefaultClient.
func WithHTTPClient(client option.HTTPClient) Option {
	return func(opts *Options) {
		opts.HttpClient = client
	}
}

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.RequestTimeout = d
	}
}
