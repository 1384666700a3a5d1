package session

import (
	"errors"
	"testing"

	"chatgate/internal/conversation"
	"chatgate/internal/storage"
)

func testParticipants() []storage.ChatParticipant {
	return []storage.ChatParticipant{
		{ID: "p-human", ChatSessionID: "s1", UserProfileID: "u1", OwnerType: storage.OwnerTypeHuman},
		{ID: "p-bot", ChatSessionID: "s1", UserProfileID: "assistant", OwnerType: storage.OwnerTypeBot},
	}
}

func TestPlanTurn(t *testing.T) {
	plan, err := PlanTurn(TurnInput{
		Session:      storage.ChatSession{ID: "s1", Status: storage.SessionStatusNew},
		Participants: testParticipants(),
		History: []conversation.StoredMessage{
			{FromParticipantID: "p-human", SentByAI: false, Text: "hi"},
			{FromParticipantID: "p-bot", SentByAI: true, Text: "hello"},
		},
		FromParticipantID: "p-human",
		Content:           "how are you?",
	})
	if err != nil {
		t.Fatalf("PlanTurn: %v", err)
	}
	if plan.BotParticipantID != "p-bot" {
		t.Errorf("bot participant = %q, want p-bot", plan.BotParticipantID)
	}
	if !plan.Activate {
		t.Error("new session should activate on first successful turn")
	}
	if got := len(plan.History); got != 3 {
		t.Fatalf("history length = %d, want 3", got)
	}
	last := plan.History[len(plan.History)-1]
	if last.Role != conversation.RoleUser || last.Text != "how are you?" {
		t.Errorf("last turn = %+v, want user content appended", last)
	}
}

func TestPlanTurnActiveSessionDoesNotActivate(t *testing.T) {
	plan, err := PlanTurn(TurnInput{
		Session:           storage.ChatSession{ID: "s1", Status: storage.SessionStatusActive},
		Participants:      testParticipants(),
		FromParticipantID: "p-human",
		Content:           "hi",
	})
	if err != nil {
		t.Fatalf("PlanTurn: %v", err)
	}
	if plan.Activate {
		t.Error("active session must not be re-activated")
	}
}

func TestPlanTurnValidation(t *testing.T) {
	cases := []struct {
		name string
		in   TurnInput
	}{
		{
			name: "no participants",
			in: TurnInput{
				Session:           storage.ChatSession{ID: "s1", Status: storage.SessionStatusNew},
				FromParticipantID: "p-human",
				Content:           "hi",
			},
		},
		{
			name: "no bot participant",
			in: TurnInput{
				Session: storage.ChatSession{ID: "s1", Status: storage.SessionStatusNew},
				Participants: []storage.ChatParticipant{
					{ID: "p-human", OwnerType: storage.OwnerTypeHuman},
				},
				FromParticipantID: "p-human",
				Content:           "hi",
			},
		},
		{
			name: "no human participant",
			in: TurnInput{
				Session: storage.ChatSession{ID: "s1", Status: storage.SessionStatusNew},
				Participants: []storage.ChatParticipant{
					{ID: "p-bot", OwnerType: storage.OwnerTypeBot},
				},
				FromParticipantID: "p-bot",
				Content:           "hi",
			},
		},
		{
			name: "sender not in session",
			in: TurnInput{
				Session:           storage.ChatSession{ID: "s1", Status: storage.SessionStatusNew},
				Participants:      testParticipants(),
				FromParticipantID: "p-stranger",
				Content:           "hi",
			},
		},
		{
			name: "sender is the bot",
			in: TurnInput{
				Session:           storage.ChatSession{ID: "s1", Status: storage.SessionStatusNew},
				Participants:      testParticipants(),
				FromParticipantID: "p-bot",
				Content:           "hi",
			},
		},
		{
			name: "empty content",
			in: TurnInput{
				Session:           storage.ChatSession{ID: "s1", Status: storage.SessionStatusNew},
				Participants:      testParticipants(),
				FromParticipantID: "p-human",
				Content:           "",
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PlanTurn(tc.in)
			var verr *conversation.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}
