// Package openai_compat speaks the chat-completions dialect shared by
// OpenAI-compatible vendors. Generic roles map user -> "user" and
// model -> "assistant"; the persona travels as a synthetic preamble pair so
// behavior stays uniform across adapters that lack a system role.
package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatgate/internal/conversation"
	"chatgate/internal/providers"
)

const protocol = "openai"

const ackText = "Understood."

type Config struct {
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	Disabled    bool
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Protocol() string { return protocol }

func (c *Client) Prepare(history []conversation.Message, persona string) []conversation.Message {
	out := make([]conversation.Message, 0, len(history)+2)
	if strings.TrimSpace(persona) != "" {
		out = append(out,
			conversation.Message{Role: conversation.RoleUser, Text: persona},
			conversation.Message{Role: conversation.RoleModel, Text: ackText},
		)
	}
	return append(out, history...)
}

func (c *Client) Send(ctx context.Context, req providers.Request) (providers.Result, error) {
	if c.cfg.Disabled {
		return providers.Result{Unavailable: true}, nil
	}

	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.Result{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		res, retry, err := c.callOnce(ctx, endpointURL, body)
		if err == nil {
			if res.InputTokens == 0 {
				res.InputTokens = providers.EstimateMessageTokens(req.Messages)
			}
			return res, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return providers.Result{}, &providers.ProviderError{Protocol: protocol, Op: "send", Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}

	return providers.Result{}, &providers.ProviderError{Protocol: protocol, Op: "send", Err: lastErr}
}

func (c *Client) buildPayload(req providers.Request) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == conversation.RoleModel {
			role = "assistant"
		}
		messages = append(messages, map[string]string{"role": role, "content": m.Text})
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (res providers.Result, retry bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return providers.Result{}, false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return providers.Result{}, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.Result{}, false, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return providers.Result{}, true, fmt.Errorf("vendor temporary status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.Result{}, false, fmt.Errorf("vendor status %d", resp.StatusCode)
	}

	out, err := parseChatCompletions(respBody)
	if err != nil {
		return providers.Result{}, false, err
	}
	return out, false, nil
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/completions"
	return u.String(), nil
}

func parseChatCompletions(body []byte) (providers.Result, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Result{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.Result{}, fmt.Errorf("empty choices in chat completion response")
	}

	text := resp.Choices[0].Text
	if text == "" {
		text = anyToText(resp.Choices[0].Message.Content)
	}
	if strings.TrimSpace(text) == "" {
		return providers.Result{}, fmt.Errorf("missing message content in chat completion response")
	}

	out := providers.Result{
		Messages:     []conversation.Message{{Role: conversation.RoleModel, Text: text}},
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = providers.EstimateTokens(text)
	}
	return out, nil
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
