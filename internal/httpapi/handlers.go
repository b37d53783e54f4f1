// Package httpapi is the thin operator-facing surface: registration plus
// per-bot lifecycle and status endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chathive/session-orchestrator/internal/placement"
	"github.com/chathive/session-orchestrator/internal/session"
	"github.com/chathive/session-orchestrator/internal/store"
)

// Registrar is the placement coordinator surface.
type Registrar interface {
	Register(ctx context.Context, req placement.RegisterRequest) (*placement.Placement, error)
}

// SessionManager is the session manager surface the lifecycle endpoints use.
type SessionManager interface {
	Start(ctx context.Context, id uuid.UUID) error
	Stop(ctx context.Context, id uuid.UUID) error
	Restart(ctx context.Context, id uuid.UUID) error
	Status(id uuid.UUID) (session.Status, bool)
	StatusAll() []session.Status
}

type Handler struct {
	registrar Registrar
	manager   SessionManager
}

func New(registrar Registrar, manager SessionManager) *Handler {
	return &Handler{registrar: registrar, manager: manager}
}

func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api")
	api.POST("/bots", h.registerBot)
	api.POST("/bots/:id/start", h.lifecycle(h.manager.Start))
	api.POST("/bots/:id/stop", h.lifecycle(h.manager.Stop))
	api.POST("/bots/:id/restart", h.lifecycle(h.manager.Restart))
	api.GET("/bots/:id/status", h.status)
	api.GET("/bots/status", h.statusAll)
}

func (h *Handler) registerBot(c *gin.Context) {
	var req placement.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	result, err := h.registrar.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": result})
}

func (h *Handler) lifecycle(op func(ctx context.Context, id uuid.UUID) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid bot id"})
			return
		}
		if err := op(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (h *Handler) status(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid bot id"})
		return
	}
	st, running := h.manager.Status(id)
	if !running {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"bot_id": id, "running": false}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": st})
}

func (h *Handler) statusAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h.manager.StatusAll()})
}

// writeError maps the orchestration error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, placement.ErrCapacity):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, placement.ErrRollbackFailed):
		// Distinct inconsistent-state condition; 500 but with the full story.
		log.Error().Err(err).Msg("Placement left inconsistent state")
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}
