// Package mock is a deterministic in-process adapter for tests and local
// runs without vendor credentials.
package mock

import (
	"context"
	"fmt"

	"chatgate/internal/conversation"
	"chatgate/internal/providers"
)

const protocol = "mock"

type Client struct {
	// Reply overrides the default echo response when set.
	Reply    string
	Disabled bool
	// Err forces Send to fail, for exercising provider error paths.
	Err error
}

func New() *Client { return &Client{} }

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Protocol() string { return protocol }

func (c *Client) Prepare(history []conversation.Message, persona string) []conversation.Message {
	out := make([]conversation.Message, 0, len(history)+2)
	if persona != "" {
		out = append(out,
			conversation.Message{Role: conversation.RoleUser, Text: persona},
			conversation.Message{Role: conversation.RoleModel, Text: "Understood."},
		)
	}
	return append(out, history...)
}

func (c *Client) Send(ctx context.Context, req providers.Request) (providers.Result, error) {
	if c.Disabled {
		return providers.Result{Unavailable: true}, nil
	}
	if c.Err != nil {
		return providers.Result{}, &providers.ProviderError{Protocol: protocol, Op: "send", Err: c.Err}
	}
	if err := ctx.Err(); err != nil {
		return providers.Result{}, &providers.ProviderError{Protocol: protocol, Op: "send", Err: err}
	}

	text := c.Reply
	if text == "" {
		last := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == conversation.RoleUser {
				last = req.Messages[i].Text
				break
			}
		}
		text = fmt.Sprintf("mock reply to: %s", last)
	}

	return providers.Result{
		Messages:     []conversation.Message{{Role: conversation.RoleModel, Text: text}},
		InputTokens:  providers.EstimateMessageTokens(req.Messages),
		OutputTokens: providers.EstimateTokens(text),
	}, nil
}
