package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"chatgate/internal/conversation"
	"chatgate/internal/crypto"
	"chatgate/internal/gateway"
	"chatgate/internal/pricing"
	"chatgate/internal/providers"
	"chatgate/internal/ratelimit"
	"chatgate/internal/storage"
)

type memStore struct {
	sessions     map[string]storage.ChatSession
	participants map[string][]storage.ChatParticipant
	messages     map[string][]storage.ChatMessage
	ledger       []storage.LedgerEntry
	techs        map[string]storage.TechWithProvider
	seq          int
}

func newMemStore() *memStore {
	return &memStore{
		sessions:     map[string]storage.ChatSession{},
		participants: map[string][]storage.ChatParticipant{},
		messages:     map[string][]storage.ChatMessage{},
		techs:        map[string]storage.TechWithProvider{},
	}
}

func (s *memStore) GetOrCreateSession(_ context.Context, session storage.ChatSession, participants []storage.ChatParticipant) (storage.ChatSession, bool, error) {
	if got, ok := s.sessions[session.ID]; ok {
		return got, false, nil
	}
	s.sessions[session.ID] = session
	s.participants[session.ID] = participants
	return session, true, nil
}

func (s *memStore) GetSession(_ context.Context, sessionID string) (storage.ChatSession, error) {
	got, ok := s.sessions[sessionID]
	if !ok {
		return storage.ChatSession{}, storage.ErrNotFound
	}
	return got, nil
}

func (s *memStore) ActivateSession(_ context.Context, sessionID string) error {
	got, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	if got.Status == storage.SessionStatusNew {
		got.Status = storage.SessionStatusActive
		s.sessions[sessionID] = got
	}
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, sessionID string) error {
	delete(s.sessions, sessionID)
	delete(s.participants, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *memStore) ListParticipants(_ context.Context, sessionID string) ([]storage.ChatParticipant, error) {
	return s.participants[sessionID], nil
}

func (s *memStore) ListMessages(_ context.Context, sessionID, afterID string) ([]storage.ChatMessage, error) {
	rows := s.messages[sessionID]
	if afterID == "" {
		return rows, nil
	}
	for i, m := range rows {
		if m.ID == afterID {
			return rows[i+1:], nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) InsertMessage(_ context.Context, m storage.ChatMessage) error {
	s.seq++
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return nil
}

func (s *memStore) InsertLedgerEntry(_ context.Context, e storage.LedgerEntry) error {
	s.ledger = append(s.ledger, e)
	return nil
}

func (s *memStore) GetTechByVariant(_ context.Context, variantName string) (storage.TechWithProvider, error) {
	got, ok := s.techs[variantName]
	if !ok {
		return storage.TechWithProvider{}, storage.ErrNotFound
	}
	return got, nil
}

type stubLimiter struct {
	decision ratelimit.Decision
	recorded int
}

func (l *stubLimiter) Check(context.Context, int64) (ratelimit.Decision, error) {
	return l.decision, nil
}

func (l *stubLimiter) Record(context.Context, int64) error {
	l.recorded++
	return nil
}

type stubGateway struct {
	result gateway.Result
	err    error
	calls  int
}

func (g *stubGateway) Complete(context.Context, storage.TechWithProvider, []conversation.Message, string) (gateway.Result, error) {
	g.calls++
	return g.result, g.err
}

func paidTech() storage.TechWithProvider {
	return storage.TechWithProvider{
		Tech: storage.Tech{
			ID:          1,
			VariantName: "gpt-mini",
			Protocol:    "openai",
			Model:       "gpt-mini",
			PricingTier: storage.TierPaid,
			Status:      storage.StatusEnabled,
		},
		Provider: storage.TechProvider{ID: 1, Name: "openai", Status: storage.StatusEnabled},
	}
}

func newTestEngine(t *testing.T, store *memStore, gw *stubGateway, lim *stubLimiter) *Engine {
	t.Helper()
	return New(Config{
		Store:       store,
		Gateway:     gw,
		Limiter:     lim,
		Pricing:     pricing.Default(),
		Logger:      zerolog.Nop(),
		DefaultTech: "gpt-mini",
		Persona:     "You are a helpful assistant.",
	})
}

func seedSession(store *memStore, status string) (sessionID, humanID, botID string) {
	sessionID, humanID, botID = "s1", "p-human", "p-bot"
	store.sessions[sessionID] = storage.ChatSession{
		ID:        sessionID,
		Status:    status,
		JoinToken: "tok",
		CreatedBy: "u1",
	}
	store.participants[sessionID] = []storage.ChatParticipant{
		{ID: humanID, ChatSessionID: sessionID, UserProfileID: "u1", OwnerType: storage.OwnerTypeHuman},
		{ID: botID, ChatSessionID: sessionID, UserProfileID: "assistant", OwnerType: storage.OwnerTypeBot},
	}
	return sessionID, humanID, botID
}

func TestRunSessionTurnPersistsAndActivates(t *testing.T) {
	store := newMemStore()
	store.techs["gpt-mini"] = paidTech()
	sessionID, humanID, botID := seedSession(store, storage.SessionStatusNew)

	gw := &stubGateway{result: gateway.Result{
		Messages:     []conversation.Message{{Role: conversation.RoleModel, Text: "hello back"}},
		InputTokens:  500_000,
		OutputTokens: 250_000,
	}}
	lim := &stubLimiter{}
	eng := newTestEngine(t, store, gw, lim)

	res, err := eng.RunSessionTurn(context.Background(), sessionID, humanID, "u1", "hello")
	if err != nil {
		t.Fatalf("RunSessionTurn: %v", err)
	}
	if res.IsRateLimited {
		t.Fatal("turn should not be rate limited")
	}
	if res.ToParticipantID != humanID {
		t.Errorf("ToParticipantID = %q, want %q", res.ToParticipantID, humanID)
	}
	if len(res.ToContents) != 1 || res.ToContents[0] != "hello back" {
		t.Errorf("ToContents = %v", res.ToContents)
	}

	if got := store.sessions[sessionID].Status; got != storage.SessionStatusActive {
		t.Errorf("session status = %q, want active", got)
	}
	msgs := store.messages[sessionID]
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].SentByAI || msgs[0].FromParticipantID != humanID || msgs[0].ToParticipantID != botID {
		t.Errorf("user message = %+v", msgs[0])
	}
	if !msgs[1].SentByAI || msgs[1].FromParticipantID != botID {
		t.Errorf("model message = %+v", msgs[1])
	}
	if lim.recorded != 1 {
		t.Errorf("recorded %d rate events, want 1", lim.recorded)
	}

	// 500k in at $0.60/M plus 250k out at $2.40/M is $0.90.
	if len(store.ledger) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(store.ledger))
	}
	if got := store.ledger[0].CostCents; got != 90 {
		t.Errorf("cost = %d cents, want 90", got)
	}
	if store.ledger[0].UserID != "u1" || store.ledger[0].TechID != 1 {
		t.Errorf("ledger entry = %+v", store.ledger[0])
	}
}

func TestRunSessionTurnActiveSessionStaysActive(t *testing.T) {
	store := newMemStore()
	store.techs["gpt-mini"] = paidTech()
	sessionID, humanID, botID := seedSession(store, storage.SessionStatusActive)
	store.messages[sessionID] = []storage.ChatMessage{
		{ID: "m1", SessionID: sessionID, FromParticipantID: humanID, ToParticipantID: botID, Content: "hi"},
		{ID: "m2", SessionID: sessionID, FromParticipantID: botID, ToParticipantID: humanID, SentByAI: true, Content: "hello"},
	}

	gw := &stubGateway{result: gateway.Result{
		Messages: []conversation.Message{{Role: conversation.RoleModel, Text: "again"}},
	}}
	eng := newTestEngine(t, store, gw, &stubLimiter{})

	if _, err := eng.RunSessionTurn(context.Background(), sessionID, humanID, "u1", "more"); err != nil {
		t.Fatalf("RunSessionTurn: %v", err)
	}
	if got := store.sessions[sessionID].Status; got != storage.SessionStatusActive {
		t.Errorf("session status = %q, want active", got)
	}
}

func TestRunSessionTurnRateLimited(t *testing.T) {
	store := newMemStore()
	store.techs["gpt-mini"] = paidTech()
	sessionID, humanID, _ := seedSession(store, storage.SessionStatusNew)

	gw := &stubGateway{}
	lim := &stubLimiter{decision: ratelimit.Decision{Limited: true, WaitSeconds: 20}}
	eng := newTestEngine(t, store, gw, lim)

	res, err := eng.RunSessionTurn(context.Background(), sessionID, humanID, "u1", "hello")
	if err != nil {
		t.Fatalf("RunSessionTurn: %v", err)
	}
	if !res.IsRateLimited || res.WaitSeconds != 20 {
		t.Fatalf("result = %+v, want rate limited with 20s wait", res)
	}
	if gw.calls != 0 {
		t.Error("gateway must not be called on a limited turn")
	}
	if lim.recorded != 0 {
		t.Error("limited turn must not record a rate event")
	}
	if len(store.messages[sessionID]) != 0 {
		t.Error("limited turn must not persist messages")
	}
	if got := store.sessions[sessionID].Status; got != storage.SessionStatusNew {
		t.Errorf("session status = %q, want new", got)
	}
}

func TestRunSessionTurnProviderErrorPersistsNothing(t *testing.T) {
	store := newMemStore()
	store.techs["gpt-mini"] = paidTech()
	sessionID, humanID, _ := seedSession(store, storage.SessionStatusNew)

	provErr := &providers.ProviderError{Protocol: "openai", Op: "send", Err: errors.New("boom")}
	gw := &stubGateway{err: provErr}
	eng := newTestEngine(t, store, gw, &stubLimiter{})

	_, err := eng.RunSessionTurn(context.Background(), sessionID, humanID, "u1", "hello")
	var pe *providers.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if len(store.messages[sessionID]) != 0 {
		t.Error("failed turn must not persist messages")
	}
	if len(store.ledger) != 0 {
		t.Error("failed turn must not write a ledger entry")
	}
	if got := store.sessions[sessionID].Status; got != storage.SessionStatusNew {
		t.Errorf("session status = %q, want new", got)
	}
}

func TestRunSessionTurnUnavailableNotice(t *testing.T) {
	store := newMemStore()
	store.techs["gpt-mini"] = paidTech()
	sessionID, humanID, _ := seedSession(store, storage.SessionStatusNew)

	gw := &stubGateway{result: gateway.Result{Unavailable: true}}
	eng := newTestEngine(t, store, gw, &stubLimiter{})

	res, err := eng.RunSessionTurn(context.Background(), sessionID, humanID, "u1", "hello")
	if err != nil {
		t.Fatalf("RunSessionTurn: %v", err)
	}
	if len(res.ToContents) != 1 || !strings.Contains(res.ToContents[0], "unavailable") {
		t.Errorf("ToContents = %v, want an unavailability notice", res.ToContents)
	}
	if len(store.messages[sessionID]) != 0 {
		t.Error("unavailable turn must not persist messages")
	}
}

func TestRunSessionTurnFreeTierNoLedger(t *testing.T) {
	store := newMemStore()
	free := paidTech()
	free.PricingTier = storage.TierFree
	store.techs["gpt-mini"] = free
	sessionID, humanID, _ := seedSession(store, storage.SessionStatusNew)

	gw := &stubGateway{result: gateway.Result{
		Messages:     []conversation.Message{{Role: conversation.RoleModel, Text: "free"}},
		InputTokens:  100,
		OutputTokens: 100,
	}}
	eng := newTestEngine(t, store, gw, &stubLimiter{})

	if _, err := eng.RunSessionTurn(context.Background(), sessionID, humanID, "u1", "hello"); err != nil {
		t.Fatalf("RunSessionTurn: %v", err)
	}
	if len(store.ledger) != 0 {
		t.Error("free tier turn must not write a ledger entry")
	}
}

func TestRunSessionTurnCachedZeroTokensNoLedger(t *testing.T) {
	store := newMemStore()
	store.techs["gpt-mini"] = paidTech()
	sessionID, humanID, _ := seedSession(store, storage.SessionStatusNew)

	gw := &stubGateway{result: gateway.Result{
		Messages: []conversation.Message{{Role: conversation.RoleModel, Text: "cached"}},
		Cached:   true,
	}}
	eng := newTestEngine(t, store, gw, &stubLimiter{})

	if _, err := eng.RunSessionTurn(context.Background(), sessionID, humanID, "u1", "hello"); err != nil {
		t.Fatalf("RunSessionTurn: %v", err)
	}
	if len(store.ledger) != 0 {
		t.Error("zero-token cached turn must not write a ledger entry")
	}
	if len(store.messages[sessionID]) != 2 {
		t.Error("cached reply is still persisted to the session")
	}
}

func TestGetOrCreateChatSession(t *testing.T) {
	store := newMemStore()
	store.techs["gpt-mini"] = paidTech()
	eng := newTestEngine(t, store, &stubGateway{}, &stubLimiter{})

	res, err := eng.GetOrCreateChatSession(context.Background(), "", "", "u1")
	if err != nil {
		t.Fatalf("GetOrCreateChatSession: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q", res.Status)
	}
	if res.Session.ID == "" || res.Session.JoinToken == "" {
		t.Errorf("session = %+v, want generated id and join token", res.Session)
	}
	if res.Session.Status != storage.SessionStatusNew {
		t.Errorf("status = %q, want new", res.Session.Status)
	}

	parts := store.participants[res.Session.ID]
	if len(parts) != 2 {
		t.Fatalf("participants = %d, want human and bot", len(parts))
	}

	// Same id returns the existing session untouched.
	again, err := eng.GetOrCreateChatSession(context.Background(), res.Session.ID, "", "u2")
	if err != nil {
		t.Fatalf("GetOrCreateChatSession again: %v", err)
	}
	if again.Session.JoinToken != res.Session.JoinToken {
		t.Error("existing session must keep its join token")
	}
	if again.Session.CreatedBy != "u1" {
		t.Errorf("CreatedBy = %q, want u1", again.Session.CreatedBy)
	}
}

func TestGetOrCreateChatSessionWithInitialPrompt(t *testing.T) {
	store := newMemStore()
	store.techs["gpt-mini"] = paidTech()
	gw := &stubGateway{result: gateway.Result{
		Messages: []conversation.Message{{Role: conversation.RoleModel, Text: "hi there"}},
	}}
	eng := newTestEngine(t, store, gw, &stubLimiter{})

	res, err := eng.GetOrCreateChatSession(context.Background(), "", "hello", "u1")
	if err != nil {
		t.Fatalf("GetOrCreateChatSession: %v", err)
	}
	if gw.calls != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.calls)
	}
	if len(store.messages[res.Session.ID]) != 2 {
		t.Errorf("persisted %d messages, want user prompt and reply", len(store.messages[res.Session.ID]))
	}
	if got := store.sessions[res.Session.ID].Status; got != storage.SessionStatusActive {
		t.Errorf("session status = %q, want active after first turn", got)
	}
}

func TestGetChatMessages(t *testing.T) {
	store := newMemStore()
	store.techs["gpt-mini"] = paidTech()
	sessionID, humanID, botID := seedSession(store, storage.SessionStatusActive)
	store.messages[sessionID] = []storage.ChatMessage{
		{ID: "m1", SessionID: sessionID, FromParticipantID: humanID, ToParticipantID: botID, Content: "hi"},
		{ID: "m2", SessionID: sessionID, FromParticipantID: botID, ToParticipantID: humanID, SentByAI: true, Content: "hello"},
		{ID: "m3", SessionID: sessionID, FromParticipantID: humanID, ToParticipantID: botID, Content: "more"},
	}
	eng := newTestEngine(t, store, &stubGateway{}, &stubLimiter{})

	res, err := eng.GetChatMessages(context.Background(), sessionID, "u1", "")
	if err != nil {
		t.Fatalf("GetChatMessages: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(res.Messages))
	}

	after, err := eng.GetChatMessages(context.Background(), sessionID, "u1", "m1")
	if err != nil {
		t.Fatalf("GetChatMessages after m1: %v", err)
	}
	if len(after.Messages) != 2 || after.Messages[0].ID != "m2" {
		t.Errorf("after = %+v, want m2 and m3", after.Messages)
	}

	// Non-participants are rejected.
	_, err = eng.GetChatMessages(context.Background(), sessionID, "intruder", "")
	var verr *conversation.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestEncryptAtRestRoundTrip(t *testing.T) {
	store := newMemStore()
	store.techs["gpt-mini"] = paidTech()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	sealer, err := crypto.NewSealer("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	gw := &stubGateway{result: gateway.Result{
		Messages: []conversation.Message{{Role: conversation.RoleModel, Text: "secret reply"}},
	}}
	eng := New(Config{
		Store:              store,
		Gateway:            gw,
		Limiter:            &stubLimiter{},
		Sealer:             sealer,
		Pricing:            pricing.Default(),
		Logger:             zerolog.Nop(),
		DefaultTech:        "gpt-mini",
		EncryptNewSessions: true,
	})

	res, err := eng.GetOrCreateChatSession(context.Background(), "", "", "u1")
	if err != nil {
		t.Fatalf("GetOrCreateChatSession: %v", err)
	}
	sessionID := res.Session.ID
	if !res.Session.EncryptAtRest {
		t.Fatal("new session should encrypt at rest")
	}

	humanID := store.participants[sessionID][0].ID
	if _, err := eng.RunSessionTurn(context.Background(), sessionID, humanID, "u1", "secret prompt"); err != nil {
		t.Fatalf("RunSessionTurn: %v", err)
	}

	for _, m := range store.messages[sessionID] {
		if !m.IsEncrypted || !crypto.IsSealed(m.Content) {
			t.Errorf("message %s stored unsealed: %q", m.ID, m.Content)
		}
	}

	got, err := eng.GetChatMessages(context.Background(), sessionID, "u1", "")
	if err != nil {
		t.Fatalf("GetChatMessages: %v", err)
	}
	if got.Messages[0].Content != "secret prompt" || got.Messages[1].Content != "secret reply" {
		t.Errorf("decrypted contents = %+v", got.Messages)
	}

	// A second turn replays sealed history through the normalizer.
	if _, err := eng.RunSessionTurn(context.Background(), sessionID, humanID, "u1", "again"); err != nil {
		t.Fatalf("second RunSessionTurn: %v", err)
	}
}

func TestDeleteChatSession(t *testing.T) {
	store := newMemStore()
	sessionID, _, _ := seedSession(store, storage.SessionStatusActive)
	eng := newTestEngine(t, store, &stubGateway{}, &stubLimiter{})

	if err := eng.DeleteChatSession(context.Background(), sessionID, "someone-else"); err == nil {
		t.Fatal("non-owner delete should fail")
	}
	if err := eng.DeleteChatSession(context.Background(), sessionID, "u1"); err != nil {
		t.Fatalf("DeleteChatSession: %v", err)
	}
	if _, err := eng.AuthorizeJoin(context.Background(), sessionID, "tok"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestAuthorizeJoin(t *testing.T) {
	store := newMemStore()
	sessionID, _, _ := seedSession(store, storage.SessionStatusActive)
	eng := newTestEngine(t, store, &stubGateway{}, &stubLimiter{})

	if _, err := eng.AuthorizeJoin(context.Background(), sessionID, "tok"); err != nil {
		t.Fatalf("AuthorizeJoin: %v", err)
	}

	var verr *conversation.ValidationError
	if _, err := eng.AuthorizeJoin(context.Background(), sessionID, "wrong"); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError on token mismatch", err)
	}
	if _, err := eng.AuthorizeJoin(context.Background(), sessionID, ""); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError on empty token", err)
	}
}
