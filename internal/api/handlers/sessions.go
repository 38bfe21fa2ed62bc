package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/pkg/dto"
)

type SessionHandler struct {
	store storage.Gateway
}

func NewSessionHandler(store storage.Gateway) *SessionHandler {
	return &SessionHandler{store: store}
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.EndsAt.After(req.StartsAt) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ends_at must be after starts_at"})
		return
	}
	if req.Location != nil && req.Location.RadiusMeters <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "location radius must be positive"})
		return
	}

	group, err := h.store.GetGroup(c.Request.Context(), req.GroupID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if group == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return
	}

	session := &models.Session{
		GroupID:       req.GroupID,
		Title:         req.Title,
		StartsAt:      req.StartsAt,
		EndsAt:        req.EndsAt,
		Location:      req.Location,
		EventsEnabled: req.EventsEnabled,
	}
	if err := h.store.CreateSession(c.Request.Context(), session); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, session)
}

func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context(), c.Query("group_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// SetEvents flips the session's recording gate. While disabled, no presence
// event is recorded for the session regardless of the time window.
func (h *SessionHandler) SetEvents(c *gin.Context) {
	var req dto.SetEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled field required"})
		return
	}

	err := h.store.SetSessionEvents(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated", "enabled": *req.Enabled})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.store.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Cohort returns the enrolled members of the session's group with their
// embeddings, for capture devices matching on-device.
func (h *SessionHandler) Cohort(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	cohort, err := h.store.ListCohort(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.CohortMemberResponse, 0, len(cohort))
	for _, m := range cohort {
		resp = append(resp, dto.CohortMemberResponse{
			SubjectID:   m.SubjectID,
			DisplayName: m.DisplayName,
			Embedding:   m.Embedding,
		})
	}

	c.JSON(http.StatusOK, gin.H{"cohort": resp, "total": len(resp)})
}
