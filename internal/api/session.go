package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"npc-dialogue-ai/backend/internal/models"
	"npc-dialogue-ai/backend/internal/session"
	apperrors "npc-dialogue-ai/backend/pkg/errors"
	"npc-dialogue-ai/backend/pkg/logger"
)

// SessionHandler exposes conversation sessions over REST
type SessionHandler struct {
	manager *session.Manager
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(manager *session.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// CreateSessionRequest configures the character for a new session
type CreateSessionRequest struct {
	Character models.CharacterDescriptor `json:"character" binding:"required"`
}

// SendMessageRequest carries the player's line
type SendMessageRequest struct {
	Text string `json:"text"`
}

// SelectOptionRequest carries the chosen branching option
type SelectOptionRequest struct {
	Option string `json:"option"`
}

// SwitchModeRequest names the target interaction mode
type SwitchModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// TranslateRequest optionally overrides the target language
type TranslateRequest struct {
	TargetLanguage string `json:"targetLanguage"`
}

// RegisterRoutes registers session routes under the given group
func (h *SessionHandler) RegisterRoutes(router *gin.RouterGroup) {
	sessions := router.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id", h.GetSession)
		sessions.DELETE("/:id", h.CloseSession)
		sessions.POST("/:id/messages", h.SendMessage)
		sessions.DELETE("/:id/messages", h.ClearConversation)
		sessions.POST("/:id/options", h.SelectOption)
		sessions.POST("/:id/retry", h.Retry)
		sessions.PUT("/:id/mode", h.SwitchMode)
		sessions.POST("/:id/messages/:messageId/translate", h.TranslateMessage)
		sessions.POST("/:id/messages/:messageId/regenerate", h.RegenerateMessage)
		sessions.GET("/:id/export", h.ExportSession)
	}
}

// CreateSession configures a character and starts a conversation with it
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewBadRequestError(apperrors.CodeValidation, "Invalid request format").WithDetails(err.Error()))
		return
	}

	sess, err := h.manager.Start(c.Request.Context(), req.Character)
	if err != nil {
		respondError(c, err)
		return
	}

	logger.FromGin(c).Info("session created", "session_id", sess.ID(), "character_id", sess.Profile().ID())
	c.JSON(http.StatusCreated, sess.Snapshot())
}

// ListSessions returns snapshots of every active session
func (h *SessionHandler) ListSessions(c *gin.Context) {
	list := h.manager.List()
	out := make([]models.Snapshot, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Snapshot())
	}
	c.JSON(http.StatusOK, out)
}

// GetSession returns one session snapshot
func (h *SessionHandler) GetSession(c *gin.Context) {
	sess, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// CloseSession ends a session and releases its transport
func (h *SessionHandler) CloseSession(c *gin.Context) {
	if err := h.manager.Close(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SendMessage appends the player's line and dispatches it
func (h *SessionHandler) SendMessage(c *gin.Context) {
	sess, ok := h.lookup(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewBadRequestError(apperrors.CodeValidation, "Invalid request format").WithDetails(err.Error()))
		return
	}

	if err := sess.SendMessage(c.Request.Context(), req.Text); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess.Snapshot())
}

// SelectOption sends the chosen branching option as the player's line
func (h *SessionHandler) SelectOption(c *gin.Context) {
	sess, ok := h.lookup(c)
	if !ok {
		return
	}

	var req SelectOptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewBadRequestError(apperrors.CodeValidation, "Invalid request format").WithDetails(err.Error()))
		return
	}

	if err := sess.SelectBranchingOption(c.Request.Context(), req.Option); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess.Snapshot())
}

// Retry re-dispatches the last failed player message
func (h *SessionHandler) Retry(c *gin.Context) {
	sess, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := sess.RetryLast(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess.Snapshot())
}

// SwitchMode changes between freeform and branching interaction
func (h *SessionHandler) SwitchMode(c *gin.Context) {
	sess, ok := h.lookup(c)
	if !ok {
		return
	}

	var req SwitchModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewBadRequestError(apperrors.CodeValidation, "Invalid request format").WithDetails(err.Error()))
		return
	}
	mode, valid := models.ParseMode(req.Mode)
	if !valid {
		respondError(c, session.ErrInvalidMode)
		return
	}

	if err := sess.SwitchMode(mode); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// ClearConversation empties the message log
func (h *SessionHandler) ClearConversation(c *gin.Context) {
	sess, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := sess.ClearConversation(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// TranslateMessage attaches a translation to one message
func (h *SessionHandler) TranslateMessage(c *gin.Context) {
	sess, ok := h.lookup(c)
	if !ok {
		return
	}
	messageID, ok := parseMessageID(c)
	if !ok {
		return
	}

	// the body is optional; an empty one falls back to the default language
	var req TranslateRequest
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.Error(apperrors.NewBadRequestError(apperrors.CodeValidation, "Invalid request format").WithDetails(err.Error()))
			return
		}
	}

	msg, err := sess.Translate(c.Request.Context(), messageID, req.TargetLanguage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// RegenerateMessage replaces an npc message with a reworded version
func (h *SessionHandler) RegenerateMessage(c *gin.Context) {
	sess, ok := h.lookup(c)
	if !ok {
		return
	}
	messageID, ok := parseMessageID(c)
	if !ok {
		return
	}

	msg, err := sess.Regenerate(c.Request.Context(), messageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// ExportSession serves the conversation as a downloadable JSON document
func (h *SessionHandler) ExportSession(c *gin.Context) {
	sess, ok := h.lookup(c)
	if !ok {
		return
	}
	export := sess.Export()
	filename := fmt.Sprintf("conversation-%s.json", export.SessionID)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.JSON(http.StatusOK, export)
}

func (h *SessionHandler) lookup(c *gin.Context) (*session.Session, bool) {
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return sess, true
}

func parseMessageID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("messageId"), 10, 64)
	if err != nil || id == 0 {
		c.Error(apperrors.NewBadRequestError(apperrors.CodeValidation, "Invalid message ID"))
		return 0, false
	}
	return id, true
}

// respondError maps session errors onto API errors for the error middleware
func respondError(c *gin.Context, err error) {
	c.Error(toAppError(err))
}

func toAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		return apperrors.NewNotFoundError(apperrors.CodeSessionNotFound, "Session not found").WithCause(err)
	case errors.Is(err, session.ErrMessageNotFound):
		return apperrors.NewNotFoundError(apperrors.CodeMessageNotFound, "Message not found").WithCause(err)
	case errors.Is(err, session.ErrBusy):
		return apperrors.NewConflictError(apperrors.CodeSessionBusy, err.Error()).WithCause(err)
	case errors.Is(err, session.ErrConversationFull):
		return apperrors.NewConflictError(apperrors.CodeCapacity, err.Error()).WithCause(err)
	case errors.Is(err, session.ErrCapacity):
		return apperrors.NewServiceUnavailableError(apperrors.CodeCapacity, err.Error()).WithCause(err)
	case errors.Is(err, session.ErrTransport), errors.Is(err, session.ErrResponseTimeout):
		return apperrors.NewBadGatewayError(apperrors.CodeTransport, "Dialogue service request failed").
			WithDetails(err.Error()).WithCause(err)
	case errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, session.ErrCharacterNotBound),
		errors.Is(err, session.ErrInvalidMode),
		errors.Is(err, session.ErrNotRegenerable),
		errors.Is(err, session.ErrNothingToRetry),
		errors.Is(err, session.ErrInvalidCharacter),
		errors.Is(err, session.ErrAlreadyBound):
		return apperrors.NewBadRequestError(apperrors.CodeValidation, err.Error()).WithCause(err)
	}
	return apperrors.NewInternalServerError(apperrors.CodeInternal, "Internal server error").WithCause(err)
}
