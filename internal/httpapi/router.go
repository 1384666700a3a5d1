// Package httpapi exposes the session operations over a Gin transport:
// JSON endpoints for session lifecycle and turns, and an SSE stream that
// bridges connections into the realtime hub.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatgate/internal/realtime"
	"chatgate/internal/session"
	"chatgate/internal/storage"
)

const eventsPathPattern = `^/api/v1/sessions/[^/]+/events$`

// Engine is the slice of the session engine the transport calls.
type Engine interface {
	GetOrCreateChatSession(ctx context.Context, sessionID, prompt, userID string) (session.SessionResult, error)
	GetChatMessages(ctx context.Context, sessionID, userID, lastMessageID string) (session.MessagesResult, error)
	RunSessionTurn(ctx context.Context, sessionID, fromParticipantID, fromUserID, content string) (session.TurnResult, error)
	DeleteChatSession(ctx context.Context, sessionID, userID string) error
	HumanParticipant(ctx context.Context, sessionID, userID string) (storage.ChatParticipant, error)
}

type Config struct {
	Engine      Engine
	Hub         *realtime.Hub
	Logger      zerolog.Logger
	HealthPath  string
	MetricsPath string
}

type API struct {
	engine Engine
	hub    *realtime.Hub
	logger zerolog.Logger
}

// Router builds the Gin engine with middleware and all routes mounted.
func Router(cfg Config) *gin.Engine {
	a := &API{engine: cfg.Engine, hub: cfg.Hub, logger: cfg.Logger}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "X-User-ID"},
		MaxAge:          12 * time.Hour,
	}))
	// SSE must stream unbuffered; everything else may compress.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{eventsPathPattern})))

	r.GET(cfg.HealthPath, func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET(cfg.MetricsPath, gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/sessions", a.createSession)
		v1.GET("/sessions/:id/messages", a.listMessages)
		v1.POST("/sessions/:id/turns", a.runTurn)
		v1.DELETE("/sessions/:id", a.deleteSession)
		v1.GET("/sessions/:id/events", a.streamEvents)
	}

	return r
}
