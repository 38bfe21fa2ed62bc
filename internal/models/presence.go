package models

import (
	"time"
)

// Method describes how a presence event was produced.
type Method string

const (
	MethodFace     Method = "face"
	MethodManual   Method = "manual"
	MethodGeofence Method = "geofence"
)

// PresenceEvent records one verified presence. At most one event exists per
// (SessionID, SubjectID) pair; writes are idempotent upserts on that key and
// a repeat upsert leaves the stored row, including MarkedAt, unchanged.
type PresenceEvent struct {
	ID         string    `json:"id" db:"id"`
	SessionID  string    `json:"session_id" db:"session_id"`
	SubjectID  string    `json:"subject_id" db:"subject_id"`
	MarkedAt   time.Time `json:"marked_at" db:"marked_at"`
	Confidence *float64  `json:"confidence,omitempty" db:"confidence"`
	Method     Method    `json:"method" db:"method"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Outcome is the result of a recording attempt. Only Recorded produced a new
// event; the rest are defined policy outcomes, not errors.
type Outcome string

const (
	OutcomeRecorded              Outcome = "recorded"
	OutcomeAlreadyLockedOut      Outcome = "already_locked_out"
	OutcomeAlreadyRecorded       Outcome = "already_recorded"
	OutcomeSessionNotActive      Outcome = "session_not_active"
	OutcomeSessionEventsDisabled Outcome = "session_events_disabled"
)
