package httpserver

import (
	"context"
	"net/http"

	"github.com/chadiek/carechat/internal/domain"
)

// Sessions is the session engine as seen by the request surface.
type Sessions interface {
	CreateSession(ctx context.Context, patientID, agentID string) (domain.Session, error)
	SendMessage(ctx context.Context, sessionID, text string) (domain.AgentReply, error)
	EndSession(ctx context.Context, sessionID string) (domain.Summary, error)
	ActiveSessions() int
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
}

// New constructs the HTTP server with routes.
func New(sessions Sessions) *Server {
	e := NewRouter()
	h := handlers{sessions: sessions}
	e.GET("/healthz", h.healthz)
	e.POST("/sessions", h.createSession)
	e.POST("/sessions/:id/messages", h.sendMessage)
	e.POST("/sessions/:id/end", h.endSession)
	return &Server{Router: e}
}
