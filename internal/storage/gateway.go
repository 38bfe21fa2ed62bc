package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/models"
)

// ErrDuplicateKey is returned when a unique constraint other than the
// presence pair is violated (e.g. a subject external key already in use).
var ErrDuplicateKey = errors.New("duplicate key")

// ErrNotFound is returned by update/delete operations targeting a missing row.
// Lookups return (nil, nil) instead.
var ErrNotFound = errors.New("not found")

// Gateway is the uniform storage contract shared by every backend. The kiosk
// selects one implementation at startup (local or remote); the API server is
// itself backed by the Postgres implementation. All backends enforce the same
// uniqueness invariant on (session_id, subject_id) for presence events.
//
// Identifier format is backend-specific: local IDs are generated client-side,
// remote IDs server-side. Callers must treat IDs as opaque strings.
type Gateway interface {
	// Subjects
	CreateSubject(ctx context.Context, s *models.Subject) error
	GetSubject(ctx context.Context, id string) (*models.Subject, error)
	GetSubjectByKey(ctx context.Context, externalKey string) (*models.Subject, error)
	ListSubjects(ctx context.Context) ([]models.Subject, error)
	// SetSubjectEmbedding replaces the stored embedding (re-enrollment).
	SetSubjectEmbedding(ctx context.Context, id string, embedding []float32, imageKey string) error
	// DeleteSubject removes the subject and cascades its memberships.
	DeleteSubject(ctx context.Context, id string) error

	// Groups
	CreateGroup(ctx context.Context, g *models.Group) error
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	ListGroups(ctx context.Context) ([]models.Group, error)

	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, groupID string) ([]models.Session, error)
	SetSessionEvents(ctx context.Context, id string, enabled bool) error
	DeleteSession(ctx context.Context, id string) error

	// Memberships
	AddMember(ctx context.Context, groupID, subjectID string) error
	RemoveMember(ctx context.Context, groupID, subjectID string) error
	// ListCohort returns the enrolled subjects of the session's group.
	ListCohort(ctx context.Context, sessionID string) ([]models.CohortMember, error)

	// Presence events. UpsertPresence inserts at most once per
	// (session, subject) pair; on repeat it returns the existing event
	// unchanged with created=false.
	UpsertPresence(ctx context.Context, ev *models.PresenceEvent) (*models.PresenceEvent, bool, error)
	ListPresence(ctx context.Context, sessionID string) ([]models.PresenceEvent, error)
	CountPresence(ctx context.Context, sessionID string) (int, error)

	Ping(ctx context.Context) error
	Close()
}

// Open selects the kiosk backend once at startup. local opens the embedded
// file-backed store; remote opens the HTTP client against the API service.
func Open(cfg *config.Config) (Gateway, error) {
	switch cfg.Match.StorageMode {
	case "local":
		return OpenLocal(cfg.Kiosk.LocalPath)
	case "remote":
		return NewRemoteStore(cfg.Kiosk.APIBaseURL, cfg.Kiosk.APIToken), nil
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Match.StorageMode)
	}
}
