package models

import (
	"time"
)

// Subject is an enrolled person eligible for presence verification.
// Embedding is nil until the subject has been enrolled with a face image,
// and is replaced wholesale on re-enrollment.
type Subject struct {
	ID          string    `json:"id" db:"id"`
	ExternalKey string    `json:"external_key" db:"external_key"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Embedding   []float32 `json:"-" db:"embedding"`
	ImageKey    string    `json:"image_key,omitempty" db:"image_key"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Enrolled reports whether the subject has a stored face embedding.
func (s *Subject) Enrolled() bool {
	return len(s.Embedding) > 0
}

// Group is a set of subjects that share sessions (a course, a team, a shift).
type Group struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Membership links a subject to a group. The cohort of a session is derived
// from the memberships of the session's group.
type Membership struct {
	SubjectID string    `json:"subject_id" db:"subject_id"`
	GroupID   string    `json:"group_id" db:"group_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CohortMember is one matching candidate: an enrolled subject of the
// session's group together with its stored embedding.
type CohortMember struct {
	SubjectID   string    `json:"subject_id"`
	DisplayName string    `json:"display_name"`
	Embedding   []float32 `json:"-"`
}
