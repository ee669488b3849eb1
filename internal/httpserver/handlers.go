package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/carechat/internal/domain"
)

type handlers struct {
	sessions Sessions
}

type createSessionRequest struct {
	PatientID string `json:"patient_id"`
	AgentID   string `json:"agent_id"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type sendMessageResponse struct {
	ResponseText string    `json:"response_text"`
	Audio        []byte    `json:"audio,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

func (h handlers) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", ActiveSessions: h.sessions.ActiveSessions()})
}

func (h handlers) createSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidInput)
	}
	s, err := h.sessions.CreateSession(c.Request().Context(), req.PatientID, req.AgentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, createSessionResponse{SessionID: s.ID, CreatedAt: s.CreatedAt})
}

func (h handlers) sendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidInput)
	}
	reply, err := h.sessions.SendMessage(c.Request().Context(), c.Param("id"), req.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sendMessageResponse{
		ResponseText: reply.Text,
		Audio:        reply.Audio,
		Timestamp:    reply.Timestamp,
	})
}

func (h handlers) endSession(c echo.Context) error {
	sum, err := h.sessions.EndSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}
