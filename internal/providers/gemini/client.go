// Package gemini speaks the Gemini-style generateContent dialect. The
// protocol has no system role and requires strict user/model alternation, so
// Prepare inserts a synthetic persona preamble and filler model turns.
package gemini

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

const protocol = "gemini"

// ackText is the canned model acknowledgement that closes the persona
// preamble pair.
const ackText = "Understood."

type Config struct {
	BaseURL     string
	APIKey      string
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

// Prepare prefixes the persona as a user/model pair and guarantees that no
// two user entries are adjacent by inserting filler model turns.
func (c *Client) Prepare(history []conversation.Message, persona string) []conversation.Message {
	out := make([]conversation.Message, 0, len(history)+3)
	if strings.TrimSpace(persona) != "" {
		out = append(out,
			conversation.Message{Role: conversation.RoleUser, Text: persona},
			conversation.Message{Role: conversation.RoleModel, Text: ackText},
		)
	}
	for _, m := range history {
		if len(out) > 0 && m.Role == conversation.RoleUser && out[len(out)-1].Role == conversation.RoleUser {
			out = append(out, conversation.Message{Role: conversation.RoleModel, Text: ackText})
		}
		out = append(out, m)
	}
	return out
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
	endpointURL, err := c.buildEndpointURL(req.Model)
	if err != nil {
		return nil, "", err
	}

	contents := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		contents = append(contents, map[string]any{
			"role":  string(m.Role),
			"parts": []map[string]string{{"text": m.Text}},
		})
	}

	payload := map[string]any{"contents": contents}
	cfg := map[string]any{}
	if req.MaxTokens > 0 {
		cfg["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		cfg["temperature"] = req.Temperature
	}
	if len(cfg) > 0 {
		payload["generationConfig"] = cfg
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal generate content payload: %w", err)
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
		httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)
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

	out, err := parseGenerateContent(respBody)
	if err != nil {
		return providers.Result{}, false, err
	}
	return out, false, nil
}

func (c *Client) buildEndpointURL(model string) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.TrimSpace(model) == "" {
		return "", fmt.Errorf("model is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if !strings.Contains(path, "/v1beta") {
		path += "/v1beta"
	}
	u.Path = path + "/models/" + model + ":generateContent"
	return u.String(), nil
}

func parseGenerateContent(body []byte) (providers.Result, error) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Result{}, fmt.Errorf("decode generate content response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return providers.Result{}, fmt.Errorf("empty candidates in generate content response")
	}

	parts := make([]string, 0, len(resp.Candidates[0].Content.Parts))
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if strings.TrimSpace(text) == "" {
		return providers.Result{}, fmt.Errorf("missing candidate text in generate content response")
	}

	messages := []conversation.Message{{Role: conversation.RoleModel, Text: text}}
	out := providers.Result{
		Messages:     messages,
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = providers.EstimateTokens(text)
	}
	return out, nil
}
