package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatgate/internal/conversation"
	"chatgate/internal/providers"
	"chatgate/internal/realtime"
	"chatgate/internal/storage"
)

// ErrorResponse is the error envelope every endpoint returns on failure.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeBadRequest = "bad_request"
	codeNotFound   = "not_found"
	codeUpstream   = "upstream_error"
	codeInternal   = "internal_error"
)

// userID reads the caller identity from the X-User-ID header. Upstream
// authentication is out of scope here; the gateway trusts its fronting
// proxy to set the header.
func userID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("X-User-ID"))
}

func (a *API) fail(c *gin.Context, err error) {
	var verr *conversation.ValidationError
	var perr *providers.ProviderError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Message: verr.Reason})
	case errors.Is(err, storage.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Code: codeNotFound, Message: "not found"})
	case errors.As(err, &perr):
		a.logger.Error().Err(err).Str("path", c.FullPath()).Msg("provider failure")
		c.AbortWithStatusJSON(http.StatusBadGateway, ErrorResponse{Code: codeUpstream, Message: "provider call failed"})
	default:
		a.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Code: codeInternal, Message: "internal error"})
	}
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

type sessionResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Session sessionView `json:"session"`
}

type sessionView struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	JoinToken     string `json:"joinToken"`
	CreatedBy     string `json:"createdBy"`
	EncryptAtRest bool   `json:"encryptAtRest"`
}

func (a *API) createSession(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Message: "X-User-ID header is required"})
		return
	}
	var req createSessionRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Message: "malformed JSON body"})
			return
		}
	}

	res, err := a.engine.GetOrCreateChatSession(c.Request.Context(), req.SessionID, req.Prompt, uid)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		Status:  res.Status,
		Message: res.Message,
		Session: sessionView{
			ID:            res.Session.ID,
			Status:        res.Session.Status,
			JoinToken:     res.Session.JoinToken,
			CreatedBy:     res.Session.CreatedBy,
			EncryptAtRest: res.Session.EncryptAtRest,
		},
	})
}

type messagesResponse struct {
	Status   string        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Messages []messageView `json:"messages"`
}

type messageView struct {
	ID                string    `json:"id"`
	FromParticipantID string    `json:"fromParticipantId"`
	ToParticipantID   string    `json:"toParticipantId"`
	SentByAI          bool      `json:"sentByAi"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"createdAt"`
}

func (a *API) listMessages(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Message: "X-User-ID header is required"})
		return
	}

	res, err := a.engine.GetChatMessages(c.Request.Context(), c.Param("id"), uid, c.Query("lastMessageId"))
	if err != nil {
		a.fail(c, err)
		return
	}
	views := make([]messageView, 0, len(res.Messages))
	for _, m := range res.Messages {
		views = append(views, messageView{
			ID:                m.ID,
			FromParticipantID: m.FromParticipantID,
			ToParticipantID:   m.ToParticipantID,
			SentByAI:          m.SentByAI,
			Content:           m.Content,
			CreatedAt:         m.CreatedAt.UTC(),
		})
	}
	c.JSON(http.StatusOK, messagesResponse{Status: res.Status, Message: res.Message, Messages: views})
}

type turnRequest struct {
	FromParticipantID string `json:"fromParticipantId"`
	Content           string `json:"content"`
}

type turnResponse struct {
	IsRateLimited   bool     `json:"isRateLimited"`
	WaitSeconds     int      `json:"waitSeconds,omitempty"`
	ToParticipantID string   `json:"toParticipantId,omitempty"`
	ToContents      []string `json:"toContents,omitempty"`
}

func (a *API) runTurn(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Message: "X-User-ID header is required"})
		return
	}
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Message: "malformed JSON body"})
		return
	}
	sessionID := c.Param("id")

	from := req.FromParticipantID
	if from == "" {
		p, err := a.engine.HumanParticipant(c.Request.Context(), sessionID, uid)
		if err != nil {
			a.fail(c, err)
			return
		}
		from = p.ID
	}

	res, err := a.engine.RunSessionTurn(c.Request.Context(), sessionID, from, uid, req.Content)
	if err != nil {
		a.fail(c, err)
		return
	}
	if res.IsRateLimited {
		c.JSON(http.StatusTooManyRequests, turnResponse{IsRateLimited: true, WaitSeconds: res.WaitSeconds})
		return
	}

	// Channel listeners see the reply too.
	if a.hub != nil && len(res.ToContents) > 0 {
		a.hub.BroadcastMessage(sessionID, realtime.MessagePayload{
			SentByAI:      true,
			ParticipantID: res.FromParticipantID,
			Contents:      res.ToContents,
		})
	}

	c.JSON(http.StatusOK, turnResponse{
		ToParticipantID: res.ToParticipantID,
		ToContents:      res.ToContents,
	})
}

func (a *API) deleteSession(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Message: "X-User-ID header is required"})
		return
	}
	if err := a.engine.DeleteChatSession(c.Request.Context(), c.Param("id"), uid); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
