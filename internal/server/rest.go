package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
	"github.com/hefeijay/japan-aquaculture-project/internal/pipeline"
	"github.com/hefeijay/japan-aquaculture-project/internal/protocol"
)

// chatRequest is the non-streamed REST chat body.
type chatRequest struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id" binding:"required"`
	Message   string         `json:"message" binding:"required"`
	Context   map[string]any `json:"context"`
}

// handleChat runs one full turn and returns the assembled answer. Stream
// chunks are consumed internally; REST clients get the final text only.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and message are required"})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	sess, _, err := s.sessions.Ensure(c.Request.Context(), sessionID, req.UserID)
	if err != nil {
		s.logger.Error("session ensure failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to initialize session"})
		return
	}

	turn := pipeline.TurnRequest{
		SessionID:     sess.SessionID,
		UserID:        req.UserID,
		Content:       req.Message,
		Context:       req.Context,
		UserMessageID: uuid.New().String(),
		UserTimestamp: time.Now().Unix(),
		SessionConfig: sess.Config,
	}

	turnCtx := logger.WithSessionID(c.Request.Context(), sess.SessionID)
	turnCtx = logger.WithUserID(turnCtx, req.UserID)
	turnCtx = logger.WithMessageID(turnCtx, turn.UserMessageID)

	// Frames are discarded; the turn result carries the full answer.
	result, err := s.orch.Run(turnCtx, turn, func(protocol.Frame) error { return nil })
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to generate a reply"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"response":   result.Answer,
		"intent":     result.Intent,
		"session_id": sess.SessionID,
		"metadata": gin.H{
			"message_id":       result.AssistantMessageID,
			"expert_consulted": result.ExpertConsulted,
			"routing":          result.Route.Decision,
		},
	})
}

// handleGetHistory returns the most recent messages of a session in
// ascending order.
func (s *Server) handleGetHistory(c *gin.Context) {
	sessionID := c.Param("session_id")

	limit := s.cfg.HistoryWindow
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	rows, err := s.history.Recent(c.Request.Context(), sessionID, limit)
	if err != nil {
		s.logger.Error("history fetch failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	messages := make([]any, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.Wire())
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages})
}

// handleClearHistory deletes all messages of a session.
func (s *Server) handleClearHistory(c *gin.Context) {
	sessionID := c.Param("session_id")

	deleted, err := s.history.Clear(c.Request.Context(), sessionID)
	if err != nil {
		s.logger.Error("history clear failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "deleted": deleted})
}
