// Package rest exposes the session index over plain HTTP for tooling and
// dashboards that do not hold a websocket.
package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/session"
)

// Handlers serves the REST session API on top of the orchestrator.
type Handlers struct {
	service *orchestrator.Service
	logger  *logger.Logger
}

// NewHandlers creates the REST handlers.
func NewHandlers(service *orchestrator.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: service,
		logger:  log.WithFields(zap.String("component", "rest-handlers")),
	}
}

// RegisterRoutes mounts the API under /api/v1 plus the health probe.
func RegisterRoutes(router *gin.Engine, service *orchestrator.Service, log *logger.Logger) {
	h := NewHandlers(service, log)

	router.GET("/healthz", h.health)

	api := router.Group("/api/v1")
	api.GET("/sessions", h.listSessions)
	api.POST("/sessions", h.createSession)
	api.GET("/sessions/:id", h.getSession)
	api.PATCH("/sessions/:id", h.updateSession)
	api.DELETE("/sessions/:id", h.deleteSession)
	api.GET("/sessions/:id/events", h.sessionEvents)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "parley"})
}

func (h *Handlers) listSessions(c *gin.Context) {
	opts := session.ListOptions{
		IncludeDeleted: c.Query("include_deleted") == "true",
	}
	summaries, err := h.service.Summaries(c.Request.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	if summaries == nil {
		summaries = []*session.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries})
}

type createSessionRequest struct {
	AgentID string `json:"agentId,omitempty"`
	Name    string `json:"name,omitempty"`
}

func (h *Handlers) createSession(c *gin.Context) {
	var body createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}

	state, err := h.service.CreateSession(c.Request.Context(), body.AgentID)
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	summary := state.Summary()
	if body.Name != "" {
		if summary, err = h.service.Rename(c.Request.Context(), state.ID, body.Name); err != nil {
			h.logger.Error("failed to name session", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to name session"})
			return
		}
	}
	c.JSON(http.StatusCreated, summary)
}

func (h *Handlers) getSession(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type updateSessionRequest struct {
	Name       *string        `json:"name,omitempty"`
	Pinned     *bool          `json:"pinned,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (h *Handlers) updateSession(c *gin.Context) {
	var body updateSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	id := c.Param("id")
	ctx := c.Request.Context()
	var summary *session.Summary
	var err error

	switch {
	case body.Name != nil:
		summary, err = h.service.Rename(ctx, id, *body.Name)
	case body.Pinned != nil:
		summary, err = h.service.Pin(ctx, id, *body.Pinned)
	case body.Attributes != nil:
		summary, err = h.service.UpdateAttributes(ctx, id, body.Attributes)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handlers) deleteSession(c *gin.Context) {
	summary, err := h.service.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handlers) sessionEvents(c *gin.Context) {
	id := c.Param("id")
	events, err := h.service.Events(c.Request.Context(), id)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "events": events})
}

func (h *Handlers) respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrInvalidAttributes):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("session request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
