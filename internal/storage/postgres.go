package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/models"
)

// PostgresStore backs the remote API service. The (session_id, subject_id)
// uniqueness invariant is enforced by a unique index and a conflict-resolving
// upsert, which makes it the adjudicator for concurrent capture devices.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Subjects ---

func (s *PostgresStore) CreateSubject(ctx context.Context, sub *models.Subject) error {
	sub.ID = uuid.New().String()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subjects (id, external_key, display_name) VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		sub.ID, sub.ExternalKey, sub.DisplayName,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("subject key %q: %w", sub.ExternalKey, ErrDuplicateKey)
		}
		return fmt.Errorf("create subject: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	return s.scanSubject(s.pool.QueryRow(ctx,
		`SELECT id, external_key, display_name, embedding, image_key, created_at, updated_at
		 FROM subjects WHERE id = $1`, id))
}

func (s *PostgresStore) GetSubjectByKey(ctx context.Context, externalKey string) (*models.Subject, error) {
	return s.scanSubject(s.pool.QueryRow(ctx,
		`SELECT id, external_key, display_name, embedding, image_key, created_at, updated_at
		 FROM subjects WHERE external_key = $1`, externalKey))
}

func (s *PostgresStore) scanSubject(row pgx.Row) (*models.Subject, error) {
	sub := &models.Subject{}
	var emb *pgvector.Vector
	var imageKey *string
	err := row.Scan(&sub.ID, &sub.ExternalKey, &sub.DisplayName, &emb, &imageKey, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get subject: %w", err)
	}
	if emb != nil {
		sub.Embedding = emb.Slice()
	}
	if imageKey != nil {
		sub.ImageKey = *imageKey
	}
	return sub, nil
}

func (s *PostgresStore) ListSubjects(ctx context.Context) ([]models.Subject, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, external_key, display_name, embedding, image_key, created_at, updated_at
		 FROM subjects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []models.Subject
	for rows.Next() {
		var sub models.Subject
		var emb *pgvector.Vector
		var imageKey *string
		if err := rows.Scan(&sub.ID, &sub.ExternalKey, &sub.DisplayName, &emb, &imageKey,
			&sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		if emb != nil {
			sub.Embedding = emb.Slice()
		}
		if imageKey != nil {
			sub.ImageKey = *imageKey
		}
		subjects = append(subjects, sub)
	}
	return subjects, nil
}

func (s *PostgresStore) SetSubjectEmbedding(ctx context.Context, id string, embedding []float32, imageKey string) error {
	vec := pgvector.NewVector(embedding)
	tag, err := s.pool.Exec(ctx,
		`UPDATE subjects SET embedding = $1, image_key = $2, updated_at = now() WHERE id = $3`,
		vec, imageKey, id)
	if err != nil {
		return fmt.Errorf("set subject embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteSubject(ctx context.Context, id string) error {
	// memberships cascade via FK
	tag, err := s.pool.Exec(ctx, `DELETE FROM subjects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Groups ---

func (s *PostgresStore) CreateGroup(ctx context.Context, g *models.Group) error {
	g.ID = uuid.New().String()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO groups (id, name) VALUES ($1, $2) RETURNING created_at`,
		g.ID, g.Name,
	).Scan(&g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	g := &models.Group{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &g.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, created_at FROM groups ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, ses *models.Session) error {
	ses.ID = uuid.New().String()
	var lat, lng, radius *float64
	if ses.Location != nil {
		lat, lng, radius = &ses.Location.Lat, &ses.Location.Lng, &ses.Location.RadiusMeters
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, group_id, title, starts_at, ends_at, lat, lng, radius_m, events_enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at, updated_at`,
		ses.ID, ses.GroupID, ses.Title, ses.StartsAt, ses.EndsAt, lat, lng, radius, ses.EventsEnabled,
	).Scan(&ses.CreatedAt, &ses.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT id, group_id, title, starts_at, ends_at, lat, lng, radius_m, events_enabled, created_at, updated_at
		 FROM sessions WHERE id = $1`, id))
}

func scanSession(row pgx.Row) (*models.Session, error) {
	ses := &models.Session{}
	var lat, lng, radius *float64
	err := row.Scan(&ses.ID, &ses.GroupID, &ses.Title, &ses.StartsAt, &ses.EndsAt,
		&lat, &lng, &radius, &ses.EventsEnabled, &ses.CreatedAt, &ses.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if lat != nil && lng != nil && radius != nil {
		ses.Location = &models.Location{Lat: *lat, Lng: *lng, RadiusMeters: *radius}
	}
	return ses, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, groupID string) ([]models.Session, error) {
	query := `SELECT id, group_id, title, starts_at, ends_at, lat, lng, radius_m, events_enabled, created_at, updated_at
		 FROM sessions`
	args := []interface{}{}
	if groupID != "" {
		query += ` WHERE group_id = $1`
		args = append(args, groupID)
	}
	query += ` ORDER BY starts_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var ses models.Session
		var lat, lng, radius *float64
		if err := rows.Scan(&ses.ID, &ses.GroupID, &ses.Title, &ses.StartsAt, &ses.EndsAt,
			&lat, &lng, &radius, &ses.EventsEnabled, &ses.CreatedAt, &ses.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if lat != nil && lng != nil && radius != nil {
			ses.Location = &models.Location{Lat: *lat, Lng: *lng, RadiusMeters: *radius}
		}
		sessions = append(sessions, ses)
	}
	return sessions, nil
}

func (s *PostgresStore) SetSessionEvents(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET events_enabled = $1, updated_at = now() WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("set session events: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Memberships ---

func (s *PostgresStore) AddMember(ctx context.Context, groupID, subjectID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memberships (group_id, subject_id) VALUES ($1, $2)
		 ON CONFLICT (group_id, subject_id) DO NOTHING`,
		groupID, subjectID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, groupID, subjectID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM memberships WHERE group_id = $1 AND subject_id = $2`, groupID, subjectID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCohort(ctx context.Context, sessionID string) ([]models.CohortMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sub.id, sub.display_name, sub.embedding
		 FROM sessions ses
		 JOIN memberships m ON m.group_id = ses.group_id
		 JOIN subjects sub ON sub.id = m.subject_id
		 WHERE ses.id = $1 AND sub.embedding IS NOT NULL
		 ORDER BY sub.id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list cohort: %w", err)
	}
	defer rows.Close()

	var cohort []models.CohortMember
	for rows.Next() {
		var m models.CohortMember
		var emb pgvector.Vector
		if err := rows.Scan(&m.SubjectID, &m.DisplayName, &emb); err != nil {
			return nil, fmt.Errorf("scan cohort member: %w", err)
		}
		m.Embedding = emb.Slice()
		cohort = append(cohort, m)
	}
	return cohort, nil
}

// --- Presence events ---

// UpsertPresence inserts the event unless one already exists for the
// (session, subject) pair; the existing row is returned untouched. The unique
// index makes this safe under concurrent writers.
func (s *PostgresStore) UpsertPresence(ctx context.Context, ev *models.PresenceEvent) (*models.PresenceEvent, bool, error) {
	id := uuid.New().String()
	markedAt := ev.MarkedAt
	if markedAt.IsZero() {
		markedAt = time.Now()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO presence_events (id, session_id, subject_id, marked_at, confidence, method)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, subject_id) DO NOTHING`,
		id, ev.SessionID, ev.SubjectID, markedAt, ev.Confidence, ev.Method)
	if err != nil {
		return nil, false, fmt.Errorf("upsert presence: %w", err)
	}

	stored := &models.PresenceEvent{}
	err = s.pool.QueryRow(ctx,
		`SELECT id, session_id, subject_id, marked_at, confidence, method, created_at
		 FROM presence_events WHERE session_id = $1 AND subject_id = $2`,
		ev.SessionID, ev.SubjectID,
	).Scan(&stored.ID, &stored.SessionID, &stored.SubjectID, &stored.MarkedAt,
		&stored.Confidence, &stored.Method, &stored.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("read presence after upsert: %w", err)
	}

	return stored, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListPresence(ctx context.Context, sessionID string) ([]models.PresenceEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, subject_id, marked_at, confidence, method, created_at
		 FROM presence_events WHERE session_id = $1 ORDER BY marked_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	var events []models.PresenceEvent
	for rows.Next() {
		var ev models.PresenceEvent
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.SubjectID, &ev.MarkedAt,
			&ev.Confidence, &ev.Method, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan presence event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *PostgresStore) CountPresence(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM presence_events WHERE session_id = $1`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count presence: %w", err)
	}
	return count, nil
}
