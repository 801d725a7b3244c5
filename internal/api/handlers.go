package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"docassist/internal/chat"
	"docassist/internal/models"
)

const defaultSessionTitle = "New Chat"

// Handler wires HTTP routes to the chat engine and the session stores.
type Handler struct {
	sessions SessionDirectory
	messages MessageDirectory
	engine   Engine

	doctorOID   string
	businessOID string
}

// SessionDirectory is the slice of the session store the gateway needs.
type SessionDirectory interface {
	Create(ctx context.Context, title string, patientID *string, doctorID, businessID string) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context) ([]models.Session, error)
	UpdateTitle(ctx context.Context, id, title string) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
}

// MessageDirectory lists a session's messages.
type MessageDirectory interface {
	ListBySession(ctx context.Context, sessionID string) ([]*models.Message, error)
}

// Engine runs exchanges. Satisfied by chat.Orchestrator.
type Engine interface {
	SendTo(ctx context.Context, sessionID, text string, vaultFiles []string, hooks chat.SendHooks) (*models.Message, *models.Message, error)
	CancelActive(sessionID string)
	Active(sessionID string) bool
}

// NewHandler constructs a Handler instance.
func NewHandler(sessions SessionDirectory, messages MessageDirectory, engine Engine, doctorOID, businessOID string) *Handler {
	return &Handler{
		sessions:    sessions,
		messages:    messages,
		engine:      engine,
		doctorOID:   doctorOID,
		businessOID: businessOID,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:session_id/messages", h.getSessionMessages)
	api.PATCH("/sessions/:session_id/title", h.renameSession)
	api.DELETE("/sessions/:session_id", h.deleteSession)
	api.DELETE("/sessions", h.deleteAllSessions)
	api.POST("/sessions/:session_id/messages", h.sendMessage)
	api.POST("/sessions/:session_id/cancel", h.cancelExchange)
}

type createSessionRequest struct {
	Title      string  `json:"title"`
	PatientOID *string `json:"patient_oid"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	// An empty body is fine: every field has a default.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultSessionTitle
	}
	if req.PatientOID != nil && strings.TrimSpace(*req.PatientOID) == "" {
		req.PatientOID = nil
	}
	session, err := h.sessions.Create(c.Request.Context(), title, req.PatientOID, h.doctorOID, h.businessOID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (h *Handler) listSessions(c *gin.Context) {
	seList, err := h.sessions.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(seList) == 0 {
		seList = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"session_list": seList})
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	sessionID := c.Param("session_id")
	session, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	messages, err := h.messages.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(messages) == 0 {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"messages": messages,
	})
}

func (h *Handler) renameSession(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.sessions.UpdateTitle(c.Request.Context(), c.Param("session_id"), req.Title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	h.engine.CancelActive(sessionID)
	if err := h.sessions.Delete(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteAllSessions(c *gin.Context) {
	seList, err := h.sessions.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, se := range seList {
		h.engine.CancelActive(se.ID)
	}
	if err := h.sessions.DeleteAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) cancelExchange(c *gin.Context) {
	h.engine.CancelActive(c.Param("session_id"))
	c.Status(http.StatusNoContent)
}

type inputRequest struct {
	Content    string   `json:"content"`
	VaultFiles []string `json:"vault_files"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" && len(req.VaultFiles) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content or vault_files is required"})
		return
	}
	if h.engine.Active(sessionID) {
		c.JSON(http.StatusConflict, gin.H{"error": "a response is already streaming for this session"})
		return
	}

	// SSE relay: the exchange streams back over this response.
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	hooks := chat.SendHooks{
		OnUserMessage: func(msg *models.Message) {
			_ = sendEvent("ack", gin.H{"message": msg})
		},
		OnAssistantUpdate: func(msg *models.Message) error {
			return sendEvent("stream", gin.H{"message": msg})
		},
	}
	userMsg, assistantMsg, err := h.engine.SendTo(c.Request.Context(), sessionID, req.Content, req.VaultFiles, hooks)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrExchangeActive):
			_ = sendEvent("error", gin.H{"message": "a response is already streaming for this session"})
		case errors.Is(err, sql.ErrNoRows):
			_ = sendEvent("error", gin.H{"message": "session not found"})
		default:
			_ = sendEvent("error", gin.H{"message": err.Error()})
		}
		return
	}
	_ = sendEvent("done", gin.H{
		"user_message": userMsg,
		"ai_message":   assistantMsg,
	})
}
