// Package realtime fans session events between connected clients and the
// turn engine. Transports attach as a Conn; each client gets a dedicated
// writer goroutine so a slow connection never blocks a turn.
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"chatgate/internal/session"
	"chatgate/internal/storage"
)

const (
	EventJoinChatSession     = "joinChatSession"
	EventMessage             = "message"
	EventChatSessionJoined   = "chatSessionJoined"
	EventAuthorizationFailed = "authorizationFailed"
	EventRateLimited         = "rateLimited"
	EventHeartbeat           = "heartbeat"
)

type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
}

type MessagePayload struct {
	SentByAI      bool     `json:"sentByAi"`
	SessionID     string   `json:"sessionId"`
	ParticipantID string   `json:"participantId"`
	UserID        string   `json:"userId,omitempty"`
	Name          string   `json:"name,omitempty"`
	Contents      []string `json:"contents"`
}

type JoinedPayload struct {
	SessionID string `json:"sessionId"`
}

type RateLimitedPayload struct {
	WaitSeconds int `json:"waitSeconds"`
}

// Engine is the slice of the session engine the hub drives.
type Engine interface {
	AuthorizeJoin(ctx context.Context, sessionID, joinToken string) (storage.ChatSession, error)
	HumanParticipant(ctx context.Context, sessionID, userID string) (storage.ChatParticipant, error)
	RunSessionTurn(ctx context.Context, sessionID, fromParticipantID, fromUserID, content string) (session.TurnResult, error)
}

// Conn is one attached transport connection. WriteEvent is called from a
// single goroutine per client; implementations need no locking of their own.
type Conn interface {
	WriteEvent(Event) error
}

type Hub struct {
	engine Engine
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]map[*Client]struct{}
}

func NewHub(engine Engine, logger zerolog.Logger) *Hub {
	return &Hub{
		engine:   engine,
		logger:   logger,
		sessions: make(map[string]map[*Client]struct{}),
	}
}

type Client struct {
	hub  *Hub
	conn Conn
	out  chan Event
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	sessionID     string
	userID        string
	participantID string
	name          string
}

const outboundBuffer = 32

// Attach registers a connection and starts its writer. The caller feeds
// inbound events through HandleEvent and must call Detach when the
// transport closes.
func (h *Hub) Attach(conn Conn) *Client {
	c := &Client{
		hub:  h,
		conn: conn,
		out:  make(chan Event, outboundBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Detach drops the client from its session and stops the writer. Safe to
// call more than once.
func (h *Hub) Detach(c *Client) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	h.mu.Lock()
	if members, ok := h.sessions[sessionID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()

	c.once.Do(func() { close(c.done) })
}

// HandleEvent processes one inbound event from the client's transport.
// Errors surface back through outbound events, not return values, so the
// transport read loop stays a dumb pump.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, ev Event) {
	switch ev.Type {
	case EventJoinChatSession:
		h.handleJoin(ctx, c, ev.Payload)
	case EventMessage:
		h.handleMessage(ctx, c, ev.Payload)
	default:
		h.logger.Warn().Str("type", ev.Type).Msg("dropping unknown event")
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, raw json.RawMessage) {
	var p JoinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Warn().Err(err).Msg("malformed join payload")
		c.send(mustEvent(EventAuthorizationFailed, struct{}{}))
		return
	}

	if _, err := h.engine.AuthorizeJoin(ctx, p.SessionID, p.Token); err != nil {
		h.logger.Info().Err(err).Str("session_id", p.SessionID).Msg("join rejected")
		c.send(mustEvent(EventAuthorizationFailed, struct{}{}))
		return
	}
	participant, err := h.engine.HumanParticipant(ctx, p.SessionID, p.UserID)
	if err != nil {
		h.logger.Info().Err(err).Str("session_id", p.SessionID).Msg("join rejected")
		c.send(mustEvent(EventAuthorizationFailed, struct{}{}))
		return
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = p.UserID
	}

	c.mu.Lock()
	c.sessionID = p.SessionID
	c.userID = p.UserID
	c.participantID = participant.ID
	c.name = name
	c.mu.Unlock()

	h.mu.Lock()
	members, ok := h.sessions[p.SessionID]
	if !ok {
		members = make(map[*Client]struct{})
		h.sessions[p.SessionID] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()

	c.send(mustEvent(EventChatSessionJoined, JoinedPayload{SessionID: p.SessionID}))
}

func (h *Hub) handleMessage(ctx context.Context, c *Client, raw json.RawMessage) {
	c.mu.Lock()
	sessionID, userID, participantID := c.sessionID, c.userID, c.participantID
	name := c.name
	c.mu.Unlock()
	if sessionID == "" {
		c.send(mustEvent(EventAuthorizationFailed, struct{}{}))
		return
	}

	var p MessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("malformed message payload")
		return
	}
	content := strings.TrimSpace(strings.Join(p.Contents, "\n"))
	if content == "" {
		return
	}

	// Fan the user's message to the other participants before the turn
	// runs so conversation order reads naturally on every screen.
	h.broadcast(sessionID, c, mustEvent(EventMessage, MessagePayload{
		SessionID:     sessionID,
		ParticipantID: participantID,
		UserID:        userID,
		Name:          name,
		Contents:      []string{content},
	}))

	res, err := h.engine.RunSessionTurn(ctx, sessionID, participantID, userID, content)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("turn failed")
		return
	}
	if res.IsRateLimited {
		c.send(mustEvent(EventRateLimited, RateLimitedPayload{WaitSeconds: res.WaitSeconds}))
		return
	}
	if len(res.ToContents) == 0 {
		return
	}

	h.broadcast(sessionID, nil, mustEvent(EventMessage, MessagePayload{
		SentByAI:      true,
		SessionID:     sessionID,
		ParticipantID: res.FromParticipantID,
		Contents:      res.ToContents,
	}))
}

// BroadcastMessage fans a message event to every client joined to the
// session. Used by transports that run turns outside the hub (the HTTP
// turn endpoint) so channel listeners still see the traffic.
func (h *Hub) BroadcastMessage(sessionID string, payload MessagePayload) {
	payload.SessionID = sessionID
	h.broadcast(sessionID, nil, mustEvent(EventMessage, payload))
}

// broadcast queues ev on every client in the session except skip.
func (h *Hub) broadcast(sessionID string, skip *Client, ev Event) {
	h.mu.Lock()
	members := make([]*Client, 0, len(h.sessions[sessionID]))
	for c := range h.sessions[sessionID] {
		if c != skip {
			members = append(members, c)
		}
	}
	h.mu.Unlock()

	for _, c := range members {
		if !c.send(ev) {
			h.logger.Warn().Str("session_id", sessionID).Msg("dropping event for slow client")
		}
	}
}

// Heartbeat queues a keepalive event. Returns false once the client is
// detached so transport loops know to stop.
func (c *Client) Heartbeat() bool {
	return c.send(mustEvent(EventHeartbeat, struct{}{}))
}

// send queues ev for the writer. A full buffer drops the event rather
// than blocking the turn.
func (c *Client) send(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.out:
			if err := c.conn.WriteEvent(ev); err != nil {
				c.hub.logger.Debug().Err(err).Msg("write failed, detaching client")
				c.hub.Detach(c)
				return
			}
		}
	}
}

func mustEvent(typ string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		// All payload types here are plain structs; Marshal cannot fail.
		panic(err)
	}
	return Event{Type: typ, Payload: raw}
}
