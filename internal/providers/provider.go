package providers

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"chatgate/internal/conversation"
)

// Request is the final prepared call to one vendor.
type Request struct {
	Model       string
	Messages    []conversation.Message
	MaxTokens   int
	Temperature float64
}

// Result carries the vendor reply plus token usage. Token counts are always
// populated: adapters estimate from text length when the vendor reports no
// usage. Unavailable is set (with a nil error) when outbound calls are
// disabled process-wide.
type Result struct {
	Messages     []conversation.Message
	InputTokens  int64
	OutputTokens int64
	Unavailable  bool
}

// Adapter translates the generic message list into one vendor's wire format
// and back.
type Adapter interface {
	Protocol() string
	// Prepare rewrites the history into the shape the vendor accepts,
	// weaving the persona text in as the vendor's dialect requires.
	Prepare(history []conversation.Message, persona string) []conversation.Message
	Send(ctx context.Context, req Request) (Result, error)
}

// ErrNoAPIKey is returned when no vendor key exists for the requested
// provider and pricing tier. It is a configuration failure, not a transport
// one.
var ErrNoAPIKey = errors.New("no api key configured for provider tier")

// ProviderError wraps an upstream transport, auth, or quota failure. The
// caller may retry the turn; validation failures never take this form.
type ProviderError struct {
	Protocol string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Protocol, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func Errorf(protocol, op, format string, args ...any) *ProviderError {
	return &ProviderError{Protocol: protocol, Op: op, Err: fmt.Errorf(format, args...)}
}

// EstimateTokens approximates a token count from text length for vendors
// that omit usage. Roughly four runes per token, never below one for
// non-empty text.
func EstimateTokens(text string) int64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	t := int64((n + 3) / 4)
	if t < 1 {
		t = 1
	}
	return t
}

// EstimateMessageTokens sums estimates over a message list.
func EstimateMessageTokens(msgs []conversation.Message) int64 {
	var total int64
	for _, m := range msgs {
		total += EstimateTokens(m.Text)
	}
	return total
}
