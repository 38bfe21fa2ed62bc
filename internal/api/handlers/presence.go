package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/queue"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/pkg/dto"
)

type PresenceHandler struct {
	store    storage.Gateway
	producer *queue.Producer
	// now is swapped in tests.
	now func() time.Time
}

func NewPresenceHandler(store storage.Gateway, producer *queue.Producer) *PresenceHandler {
	return &PresenceHandler{store: store, producer: producer, now: time.Now}
}

// Record is the idempotent recording endpoint. The (session, subject) unique
// key in storage is what makes concurrent submissions safe: whichever write
// lands first creates the event, every other one gets the stored event back
// with created=false and an unchanged marked_at.
func (h *PresenceHandler) Record(c *gin.Context) {
	sessionID := c.Param("id")

	var req dto.RecordPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Method {
	case models.MethodFace, models.MethodManual, models.MethodGeofence:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown method"})
		return
	}

	session, err := h.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if !session.EventsEnabled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session events disabled"})
		return
	}
	if !session.Active(h.now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session not active"})
		return
	}

	subject, err := h.store.GetSubject(c.Request.Context(), req.SubjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if subject == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "subject not found"})
		return
	}

	event, created, err := h.store.UpsertPresence(c.Request.Context(), &models.PresenceEvent{
		SessionID:  sessionID,
		SubjectID:  req.SubjectID,
		MarkedAt:   h.now(),
		Confidence: req.Confidence,
		Method:     req.Method,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	total, err := h.store.CountPresence(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if created {
		observability.EventsRecorded.WithLabelValues(string(req.Method)).Inc()
		if h.producer != nil {
			wsEvent := dto.WSEvent{
				Type:      "presence.recorded",
				SessionID: sessionID,
				Event:     *event,
				Total:     total,
			}
			if err := h.producer.PublishPresence(c.Request.Context(), sessionID, wsEvent); err != nil {
				slog.Warn("publish presence event", "session_id", sessionID, "error", err)
			}
		}
	}

	c.JSON(http.StatusOK, dto.RecordPresenceResponse{
		Event:   *event,
		Total:   total,
		Created: created,
	})
}

func (h *PresenceHandler) List(c *gin.Context) {
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

	events, err := h.store.ListPresence(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}
