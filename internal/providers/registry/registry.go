// Package registry enumerates the closed set of supported provider
// protocols and owns the shared client pool.
package registry

import (
	"fmt"
	"net/http"
	"time"

	"chatgate/internal/providers"
	"chatgate/internal/providers/gemini"
	"chatgate/internal/providers/mock"
	"chatgate/internal/providers/openai_compat"
)

const (
	ProtocolGemini = "gemini"
	ProtocolOpenAI = "openai"
	ProtocolMock   = "mock"
)

// Protocols lists every supported protocol name. A Tech whose protocol is
// not in this set is misconfigured.
func Protocols() []string {
	return []string{ProtocolGemini, ProtocolOpenAI, ProtocolMock}
}

func Supported(protocol string) bool {
	switch protocol {
	case ProtocolGemini, ProtocolOpenAI, ProtocolMock:
		return true
	default:
		return false
	}
}

type BuildOptions struct {
	Protocol    string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	Disabled    bool
}

func Build(opts BuildOptions) (providers.Adapter, error) {
	switch opts.Protocol {
	case ProtocolGemini:
		return gemini.New(gemini.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
			Disabled:    opts.Disabled,
		}), nil

	case ProtocolOpenAI, "openai_compat", "openai-compatible":
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
			Disabled:    opts.Disabled,
		}), nil

	case ProtocolMock:
		c := mock.New()
		c.Disabled = opts.Disabled
		return c, nil

	default:
		return nil, fmt.Errorf("unsupported provider protocol %q", opts.Protocol)
	}
}
