package session

import (
	"chatgate/internal/conversation"
	"chatgate/internal/storage"
)

// TurnInput is everything the planner needs, already loaded. The planner
// performs no I/O so the turn rules stay testable without a live store.
type TurnInput struct {
	Session           storage.ChatSession
	Participants      []storage.ChatParticipant
	History           []conversation.StoredMessage
	FromParticipantID string
	Content           string
}

// TurnPlan is the decided turn: the normalized request plus the persistence
// intents the executor applies after a successful dispatch.
type TurnPlan struct {
	History           []conversation.Message
	BotParticipantID  string
	FromParticipantID string
	// Activate is set when this turn is the session's first persisted one.
	Activate bool
}

// PlanTurn validates the participant set and decides the turn. A session
// may run a turn only with exactly one bot and at least one human
// participant, and only a human participant may open a turn.
func PlanTurn(in TurnInput) (TurnPlan, error) {
	if len(in.Participants) == 0 {
		return TurnPlan{}, conversation.Invalid("session %s has no participants", in.Session.ID)
	}

	var bot *storage.ChatParticipant
	humans := 0
	var from *storage.ChatParticipant
	for i := range in.Participants {
		p := &in.Participants[i]
		switch p.OwnerType {
		case storage.OwnerTypeBot:
			if bot != nil {
				return TurnPlan{}, conversation.Invalid("session %s has more than one bot participant", in.Session.ID)
			}
			bot = p
		case storage.OwnerTypeHuman:
			humans++
		}
		if p.ID == in.FromParticipantID {
			from = p
		}
	}
	if bot == nil {
		return TurnPlan{}, conversation.Invalid("session %s has no bot participant", in.Session.ID)
	}
	if humans == 0 {
		return TurnPlan{}, conversation.Invalid("session %s has no human participant", in.Session.ID)
	}
	if from == nil {
		return TurnPlan{}, conversation.Invalid("participant %s does not belong to session %s", in.FromParticipantID, in.Session.ID)
	}
	if from.OwnerType != storage.OwnerTypeHuman {
		return TurnPlan{}, conversation.Invalid("participant %s is not human and cannot open a turn", in.FromParticipantID)
	}

	history, err := conversation.BuildHistory(bot.ID, in.History, in.Content)
	if err != nil {
		return TurnPlan{}, err
	}

	return TurnPlan{
		History:           history,
		BotParticipantID:  bot.ID,
		FromParticipantID: from.ID,
		Activate:          in.Session.Status == storage.SessionStatusNew,
	}, nil
}
