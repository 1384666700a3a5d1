// Package session owns the chat session state machine and runs turns
// against the completion gateway. The turn rules live in the pure planner;
// the engine loads state, applies the plan, and persists the outcome.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatgate/internal/conversation"
	"chatgate/internal/crypto"
	"chatgate/internal/gateway"
	"chatgate/internal/metrics"
	"chatgate/internal/pricing"
	"chatgate/internal/ratelimit"
	"chatgate/internal/storage"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	// unavailableNotice is what the bot says when outbound provider calls
	// are disabled process-wide.
	unavailableNotice = "The assistant is temporarily unavailable. Please try again later."
)

// Store is the slice of the data store the engine drives.
type Store interface {
	GetOrCreateSession(ctx context.Context, session storage.ChatSession, participants []storage.ChatParticipant) (storage.ChatSession, bool, error)
	GetSession(ctx context.Context, sessionID string) (storage.ChatSession, error)
	ActivateSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListParticipants(ctx context.Context, sessionID string) ([]storage.ChatParticipant, error)
	ListMessages(ctx context.Context, sessionID, afterID string) ([]storage.ChatMessage, error)
	InsertMessage(ctx context.Context, m storage.ChatMessage) error
	InsertLedgerEntry(ctx context.Context, e storage.LedgerEntry) error
	GetTechByVariant(ctx context.Context, variantName string) (storage.TechWithProvider, error)
}

// Completer is the gateway surface the engine dispatches through.
type Completer interface {
	Complete(ctx context.Context, tech storage.TechWithProvider, history []conversation.Message, persona string) (gateway.Result, error)
}

// RateLimiter gates dispatches per tech.
type RateLimiter interface {
	Check(ctx context.Context, techID int64) (ratelimit.Decision, error)
	Record(ctx context.Context, techID int64) error
}

type Engine struct {
	store        Store
	gateway      Completer
	limiter      RateLimiter
	sealer       *crypto.Sealer
	pricing      *pricing.Table
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	defaultTech  string
	persona      string
	botProfileID string
	encryptNew   bool
}

type Config struct {
	Store       Store
	Gateway     Completer
	Limiter     RateLimiter
	Sealer      *crypto.Sealer
	Pricing     *pricing.Table
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	DefaultTech string
	Persona     string
	// BotProfileID is the user profile the bot participant is attached to.
	BotProfileID string
	// EncryptNewSessions seals message content at rest for sessions
	// created by this engine.
	EncryptNewSessions bool
}

func New(cfg Config) *Engine {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.BotProfileID == "" {
		cfg.BotProfileID = "assistant"
	}
	return &Engine{
		store:        cfg.Store,
		gateway:      cfg.Gateway,
		limiter:      cfg.Limiter,
		sealer:       cfg.Sealer,
		pricing:      cfg.Pricing,
		metrics:      m,
		logger:       cfg.Logger,
		defaultTech:  cfg.DefaultTech,
		persona:      cfg.Persona,
		botProfileID: cfg.BotProfileID,
		encryptNew:   cfg.EncryptNewSessions,
	}
}

type SessionResult struct {
	Status  string
	Message string
	Session storage.ChatSession
}

type MessageView struct {
	ID                string
	FromParticipantID string
	ToParticipantID   string
	SentByAI          bool
	Content           string
	CreatedAt         time.Time
}

type MessagesResult struct {
	Status   string
	Message  string
	Messages []MessageView
}

type TurnResult struct {
	IsRateLimited bool
	WaitSeconds   int
	// FromParticipantID is the bot participant that produced the reply.
	FromParticipantID string
	ToParticipantID   string
	ToContents        []string
}

// GetOrCreateChatSession returns the existing session or creates it with
// its human and bot participants in one store transaction. A non-empty
// prompt seeds the first turn of a freshly created session.
func (e *Engine) GetOrCreateChatSession(ctx context.Context, sessionID, prompt, userID string) (SessionResult, error) {
	if userID == "" {
		return SessionResult{Status: StatusError, Message: "user id is required"}, conversation.Invalid("user id is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	session := storage.ChatSession{
		ID:            sessionID,
		Status:        storage.SessionStatusNew,
		JoinToken:     uuid.NewString(),
		CreatedBy:     userID,
		EncryptAtRest: e.encryptNew,
	}
	participants := []storage.ChatParticipant{
		{ID: uuid.NewString(), ChatSessionID: sessionID, UserProfileID: userID, OwnerType: storage.OwnerTypeHuman},
		{ID: uuid.NewString(), ChatSessionID: sessionID, UserProfileID: e.botProfileID, OwnerType: storage.OwnerTypeBot},
	}

	got, created, err := e.store.GetOrCreateSession(ctx, session, participants)
	if err != nil {
		return SessionResult{Status: StatusError, Message: "failed to load session"}, fmt.Errorf("get or create session: %w", err)
	}
	if created {
		e.metrics.SessionsCreated.Inc()
		e.logger.Info().Str("session_id", got.ID).Str("created_by", userID).Msg("chat session created")
	}

	result := SessionResult{Status: StatusSuccess, Session: got}

	if created && prompt != "" {
		from, err := e.HumanParticipant(ctx, got.ID, userID)
		if err != nil {
			return result, err
		}
		if _, err := e.RunSessionTurn(ctx, got.ID, from.ID, userID, prompt); err != nil {
			// The session exists either way; the caller can resend the prompt.
			e.logger.Error().Err(err).Str("session_id", got.ID).Msg("initial prompt turn failed")
			result.Message = "session created, initial prompt failed"
		}
	}

	return result, nil
}

// GetChatMessages returns the session's messages visible to the user, in
// order, optionally only those after lastMessageID. Sealed content is
// opened before it leaves the engine.
func (e *Engine) GetChatMessages(ctx context.Context, sessionID, userID, lastMessageID string) (MessagesResult, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return MessagesResult{Status: StatusError, Message: "session not found"}, err
	}

	participants, err := e.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return MessagesResult{Status: StatusError, Message: "failed to load participants"}, err
	}
	if !isMember(participants, userID) && session.CreatedBy != userID {
		return MessagesResult{Status: StatusError, Message: "not a session participant"}, conversation.Invalid("user %s is not a participant of session %s", userID, sessionID)
	}

	rows, err := e.store.ListMessages(ctx, sessionID, lastMessageID)
	if err != nil {
		return MessagesResult{Status: StatusError, Message: "failed to load messages"}, err
	}

	views := make([]MessageView, 0, len(rows))
	for _, m := range rows {
		text, err := e.openContent(m)
		if err != nil {
			return MessagesResult{Status: StatusError, Message: "failed to decrypt message"}, err
		}
		views = append(views, MessageView{
			ID:                m.ID,
			FromParticipantID: m.FromParticipantID,
			ToParticipantID:   m.ToParticipantID,
			SentByAI:          m.SentByAI,
			Content:           text,
			CreatedAt:         m.CreatedAt,
		})
	}

	return MessagesResult{Status: StatusSuccess, Messages: views}, nil
}

// RunSessionTurn executes one turn: rate-limit check, event record, history
// normalization, gateway dispatch, and persistence of both sides of the
// exchange. A rate-limited turn is a soft result with zero side effects.
func (e *Engine) RunSessionTurn(ctx context.Context, sessionID, fromParticipantID, fromUserID, content string) (TurnResult, error) {
	e.metrics.TurnsTotal.Inc()

	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load session: %w", err)
	}
	participants, err := e.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load participants: %w", err)
	}
	rows, err := e.store.ListMessages(ctx, sessionID, "")
	if err != nil {
		return TurnResult{}, fmt.Errorf("load history: %w", err)
	}
	stored := make([]conversation.StoredMessage, 0, len(rows))
	for _, m := range rows {
		text, err := e.openContent(m)
		if err != nil {
			return TurnResult{}, err
		}
		stored = append(stored, conversation.StoredMessage{
			FromParticipantID: m.FromParticipantID,
			SentByAI:          m.SentByAI,
			Text:              text,
		})
	}

	plan, err := PlanTurn(TurnInput{
		Session:           session,
		Participants:      participants,
		History:           stored,
		FromParticipantID: fromParticipantID,
		Content:           content,
	})
	if err != nil {
		return TurnResult{}, err
	}

	tech, err := e.store.GetTechByVariant(ctx, e.defaultTech)
	if err != nil {
		return TurnResult{}, fmt.Errorf("resolve tech %q: %w", e.defaultTech, err)
	}

	decision, err := e.limiter.Check(ctx, tech.ID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("rate limit check: %w", err)
	}
	if decision.Limited {
		e.metrics.RateLimitedTotal.Inc()
		return TurnResult{IsRateLimited: true, WaitSeconds: decision.WaitSeconds}, nil
	}
	if err := e.limiter.Record(ctx, tech.ID); err != nil {
		return TurnResult{}, fmt.Errorf("record rate event: %w", err)
	}

	res, err := e.gateway.Complete(ctx, tech, plan.History, e.persona)
	if err != nil {
		// The reply is not persisted; the caller may retry the turn.
		return TurnResult{}, err
	}
	if res.Unavailable {
		return TurnResult{
			FromParticipantID: plan.BotParticipantID,
			ToParticipantID:   plan.FromParticipantID,
			ToContents:        []string{unavailableNotice},
		}, nil
	}

	costCents, err := e.turnCost(tech, res)
	if err != nil {
		return TurnResult{}, err
	}

	if err := e.persistExchange(ctx, session, plan, content, res); err != nil {
		return TurnResult{}, err
	}
	if plan.Activate {
		if err := e.store.ActivateSession(ctx, sessionID); err != nil {
			return TurnResult{}, fmt.Errorf("activate session: %w", err)
		}
	}

	if tech.PricingTier == storage.TierPaid && res.InputTokens+res.OutputTokens > 0 {
		entry := storage.LedgerEntry{
			UserID:       fromUserID,
			TechID:       tech.ID,
			SentByAI:     true,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			CostCents:    costCents,
		}
		if err := e.store.InsertLedgerEntry(ctx, entry); err != nil {
			return TurnResult{}, fmt.Errorf("insert ledger entry: %w", err)
		}
		e.metrics.CostCentsTotal.Add(float64(costCents))
	}

	contents := make([]string, 0, len(res.Messages))
	for _, m := range res.Messages {
		contents = append(contents, m.Text)
	}

	return TurnResult{
		FromParticipantID: plan.BotParticipantID,
		ToParticipantID:   plan.FromParticipantID,
		ToContents:        contents,
	}, nil
}

// AuthorizeJoin verifies the join token for a session and returns the
// session on success. Token comparison is exact; a wrong token and a
// missing session are both reported, the caller decides which to reveal.
func (e *Engine) AuthorizeJoin(ctx context.Context, sessionID, joinToken string) (storage.ChatSession, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return storage.ChatSession{}, err
	}
	if joinToken == "" || session.JoinToken != joinToken {
		return storage.ChatSession{}, conversation.Invalid("join token mismatch for session %s", sessionID)
	}
	return session, nil
}

// DeleteChatSession removes the session and, by cascade, its messages and
// participants. Terminal: a deleted session cannot be revived.
func (e *Engine) DeleteChatSession(ctx context.Context, sessionID, userID string) error {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.CreatedBy != userID {
		return conversation.Invalid("user %s does not own session %s", userID, sessionID)
	}
	return e.store.DeleteSession(ctx, sessionID)
}

// turnCost prices the turn when the tier is paid and tokens were spent.
// Free tier and cached results never cost anything.
func (e *Engine) turnCost(tech storage.TechWithProvider, res gateway.Result) (int64, error) {
	if tech.PricingTier != storage.TierPaid || res.InputTokens+res.OutputTokens == 0 {
		return 0, nil
	}
	cents, err := e.pricing.CalcCost(tech.VariantName, tech.PricingTier, pricing.ResourceChat, res.InputTokens, res.OutputTokens)
	if err != nil {
		e.logger.Error().Err(err).Str("variant", tech.VariantName).Msg("pricing lookup failed")
		return 0, err
	}
	return cents, nil
}

func (e *Engine) persistExchange(ctx context.Context, session storage.ChatSession, plan TurnPlan, content string, res gateway.Result) error {
	userMsg := storage.ChatMessage{
		ID:                uuid.NewString(),
		SessionID:         session.ID,
		FromParticipantID: plan.FromParticipantID,
		ToParticipantID:   plan.BotParticipantID,
		SentByAI:          false,
	}
	if err := e.sealInto(&userMsg, session, content); err != nil {
		return err
	}
	if err := e.store.InsertMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	for _, m := range res.Messages {
		reply := storage.ChatMessage{
			ID:                uuid.NewString(),
			SessionID:         session.ID,
			FromParticipantID: plan.BotParticipantID,
			ToParticipantID:   plan.FromParticipantID,
			SentByAI:          true,
		}
		if err := e.sealInto(&reply, session, m.Text); err != nil {
			return err
		}
		if err := e.store.InsertMessage(ctx, reply); err != nil {
			return fmt.Errorf("persist model reply: %w", err)
		}
	}
	return nil
}

func (e *Engine) sealInto(msg *storage.ChatMessage, session storage.ChatSession, text string) error {
	if !session.EncryptAtRest || e.sealer == nil {
		msg.Content = text
		return nil
	}
	sealed, err := e.sealer.Seal(text)
	if err != nil {
		return fmt.Errorf("seal message content: %w", err)
	}
	msg.Content = sealed
	msg.IsEncrypted = true
	return nil
}

func (e *Engine) openContent(m storage.ChatMessage) (string, error) {
	if !m.IsEncrypted || !crypto.IsSealed(m.Content) {
		return m.Content, nil
	}
	if e.sealer == nil {
		return "", fmt.Errorf("message %s is sealed but no sealer is configured", m.ID)
	}
	text, err := e.sealer.Open(m.Content)
	if err != nil {
		return "", fmt.Errorf("open message %s: %w", m.ID, err)
	}
	return text, nil
}

// HumanParticipant resolves the human participant owned by userID.
func (e *Engine) HumanParticipant(ctx context.Context, sessionID, userID string) (storage.ChatParticipant, error) {
	participants, err := e.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return storage.ChatParticipant{}, fmt.Errorf("load participants: %w", err)
	}
	for _, p := range participants {
		if p.OwnerType == storage.OwnerTypeHuman && p.UserProfileID == userID {
			return p, nil
		}
	}
	return storage.ChatParticipant{}, conversation.Invalid("no human participant for user %s in session %s", userID, sessionID)
}

func isMember(participants []storage.ChatParticipant, userID string) bool {
	for _, p := range participants {
		if p.UserProfileID == userID {
			return true
		}
	}
	return false
}
