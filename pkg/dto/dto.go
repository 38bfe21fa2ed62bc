package dto

import (
	"time"

	"github.com/your-org/presence/internal/models"
)

// --- Requests ---

type CreateSubjectRequest struct {
	ExternalKey string `json:"external_key" binding:"required"`
	DisplayName string `json:"display_name" binding:"required"`
}

type CreateGroupRequest struct {
	Name string `json:"name" binding:"required"`
}

type AddMemberRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
}

type CreateSessionRequest struct {
	GroupID       string           `json:"group_id" binding:"required"`
	Title         string           `json:"title" binding:"required"`
	StartsAt      time.Time        `json:"starts_at" binding:"required"`
	EndsAt        time.Time        `json:"ends_at" binding:"required"`
	Location      *models.Location `json:"location,omitempty"`
	EventsEnabled bool             `json:"events_enabled"`
}

type SetEventsRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type RecordPresenceRequest struct {
	SubjectID  string        `json:"subject_id" binding:"required"`
	Confidence *float64      `json:"confidence,omitempty"`
	Method     models.Method `json:"method" binding:"required"`
}

// --- Responses ---

// SubjectResponse augments the stored subject with its enrollment status;
// the raw embedding never leaves the subject resource.
type SubjectResponse struct {
	models.Subject
	Enrolled bool `json:"enrolled"`
}

// CohortMemberResponse carries the stored embedding; it is only served to
// authenticated capture devices.
type CohortMemberResponse struct {
	SubjectID   string    `json:"subject_id"`
	DisplayName string    `json:"display_name"`
	Embedding   []float32 `json:"embedding"`
}

type RecordPresenceResponse struct {
	Event   models.PresenceEvent `json:"event"`
	Total   int                  `json:"total"`
	Created bool                 `json:"created"`
}

type EnrollmentResponse struct {
	SubjectID string  `json:"subject_id"`
	ImageKey  string  `json:"image_key"`
	Score     float32 `json:"score"`
}

// WSEvent is broadcast to WebSocket subscribers when a presence event is
// recorded.
type WSEvent struct {
	Type      string               `json:"type"`
	SessionID string               `json:"session_id"`
	Event     models.PresenceEvent `json:"event"`
	Total     int                  `json:"total"`
}
