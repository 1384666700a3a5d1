// Package conversation builds the generic role-tagged message history that
// provider adapters translate into vendor wire formats.
package conversation

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ValidationError marks malformed or inconsistent turn input. It is fatal to
// the request and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// StoredMessage is the slice of a persisted chat message the normalizer
// needs: who sent it, whether the store flagged it as model output, and the
// decrypted text.
type StoredMessage struct {
	FromParticipantID string
	SentByAI          bool
	Text              string
}

// BuildHistory orders stored turns into role-tagged messages and appends the
// new user content last. Role is derived from the sender: the bot participant
// speaks as RoleModel, everyone else as RoleUser. A stored SentByAI flag that
// contradicts the derived role fails the whole request.
func BuildHistory(botParticipantID string, stored []StoredMessage, newContent string) ([]Message, error) {
	if strings.TrimSpace(newContent) == "" {
		return nil, Invalid("message content is empty")
	}
	if botParticipantID == "" {
		return nil, Invalid("bot participant is missing")
	}

	out := make([]Message, 0, len(stored)+1)
	for i, m := range stored {
		role := RoleUser
		if m.FromParticipantID == botParticipantID {
			role = RoleModel
		}
		if m.SentByAI != (role == RoleModel) {
			return nil, Invalid("stored message %d has sent_by_ai=%t but sender derives role %q", i, m.SentByAI, role)
		}
		out = append(out, Message{Role: role, Text: m.Text})
	}

	out = append(out, Message{Role: RoleUser, Text: newContent})
	return out, nil
}
