package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/your-org/presence/internal/models"
)

// LocalStore is the embedded backend: five keyed collections held in memory
// behind one mutex, with a JSON snapshot on disk so the kiosk survives a
// restart. The presencePairs map is the unique-index equivalent for the
// (session_id, subject_id) invariant. Single-process only.
type LocalStore struct {
	mu   sync.RWMutex
	path string

	subjects    map[string]*models.Subject
	groups      map[string]*models.Group
	sessions    map[string]*models.Session
	memberships map[string]map[string]bool // groupID -> subjectID set
	events      map[string]*models.PresenceEvent

	subjectKeys   map[string]string // externalKey -> subjectID
	presencePairs map[string]string // sessionID|subjectID -> eventID
	bySession     map[string][]string
}

type localSnapshot struct {
	Subjects    []*models.Subject       `json:"subjects"`
	Groups      []*models.Group         `json:"groups"`
	Sessions    []*models.Session       `json:"sessions"`
	Memberships []models.Membership     `json:"memberships"`
	Events      []*models.PresenceEvent `json:"events"`
}

// OpenLocal opens the embedded store, loading the snapshot at path if one
// exists. An empty path keeps the store memory-only (used by tests).
func OpenLocal(path string) (*LocalStore, error) {
	s := &LocalStore{
		path:          path,
		subjects:      make(map[string]*models.Subject),
		groups:        make(map[string]*models.Group),
		sessions:      make(map[string]*models.Session),
		memberships:   make(map[string]map[string]bool),
		events:        make(map[string]*models.PresenceEvent),
		subjectKeys:   make(map[string]string),
		presencePairs: make(map[string]string),
		bySession:     make(map[string][]string),
	}

	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read local store: %w", err)
	}

	var snap localSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse local store: %w", err)
	}

	for _, sub := range snap.Subjects {
		s.subjects[sub.ID] = sub
		s.subjectKeys[sub.ExternalKey] = sub.ID
	}
	for _, g := range snap.Groups {
		s.groups[g.ID] = g
	}
	for _, ses := range snap.Sessions {
		s.sessions[ses.ID] = ses
	}
	for _, m := range snap.Memberships {
		if s.memberships[m.GroupID] == nil {
			s.memberships[m.GroupID] = make(map[string]bool)
		}
		s.memberships[m.GroupID][m.SubjectID] = true
	}
	for _, ev := range snap.Events {
		s.events[ev.ID] = ev
		s.presencePairs[pairKey(ev.SessionID, ev.SubjectID)] = ev.ID
		s.bySession[ev.SessionID] = append(s.bySession[ev.SessionID], ev.ID)
	}

	return s, nil
}

// newLocalID generates a client-side identifier: millisecond timestamp plus a
// random suffix. Remote IDs look different; callers never parse either.
func newLocalID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}

func pairKey(sessionID, subjectID string) string {
	return sessionID + "|" + subjectID
}

// persist writes the full snapshot. Caller holds the write lock.
func (s *LocalStore) persist() error {
	if s.path == "" {
		return nil
	}

	snap := localSnapshot{}
	for _, sub := range s.subjects {
		snap.Subjects = append(snap.Subjects, sub)
	}
	for _, g := range s.groups {
		snap.Groups = append(snap.Groups, g)
	}
	for _, ses := range s.sessions {
		snap.Sessions = append(snap.Sessions, ses)
	}
	for gid, subs := range s.memberships {
		for sid := range subs {
			snap.Memberships = append(snap.Memberships, models.Membership{GroupID: gid, SubjectID: sid})
		}
	}
	for _, ev := range s.events {
		snap.Events = append(snap.Events, ev)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal local store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write local store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// --- Subjects ---

func (s *LocalStore) CreateSubject(ctx context.Context, sub *models.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subjectKeys[sub.ExternalKey]; exists {
		return fmt.Errorf("subject key %q: %w", sub.ExternalKey, ErrDuplicateKey)
	}

	now := time.Now()
	sub.ID = newLocalID()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	cp := *sub
	s.subjects[sub.ID] = &cp
	s.subjectKeys[sub.ExternalKey] = sub.ID
	return s.persist()
}

func (s *LocalStore) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (s *LocalStore) GetSubjectByKey(ctx context.Context, externalKey string) (*models.Subject, error) {
	s.mu.RLock()
	id, ok := s.subjectKeys[externalKey]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetSubject(ctx, id)
}

func (s *LocalStore) ListSubjects(ctx context.Context) ([]models.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Subject, 0, len(s.subjects))
	for _, sub := range s.subjects {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *LocalStore) SetSubjectEmbedding(ctx context.Context, id string, embedding []float32, imageKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subjects[id]
	if !ok {
		return fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	sub.Embedding = append([]float32(nil), embedding...)
	sub.ImageKey = imageKey
	sub.UpdatedAt = time.Now()
	return s.persist()
}

func (s *LocalStore) DeleteSubject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subjects[id]
	if !ok {
		return fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	delete(s.subjects, id)
	delete(s.subjectKeys, sub.ExternalKey)
	for _, members := range s.memberships {
		delete(members, id)
	}
	return s.persist()
}

// --- Groups ---

func (s *LocalStore) CreateGroup(ctx context.Context, g *models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.ID = newLocalID()
	g.CreatedAt = time.Now()
	cp := *g
	s.groups[g.ID] = &cp
	return s.persist()
}

func (s *LocalStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s *LocalStore) ListGroups(ctx context.Context) ([]models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Sessions ---

func (s *LocalStore) CreateSession(ctx context.Context, ses *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[ses.GroupID]; !ok {
		return fmt.Errorf("group %s: %w", ses.GroupID, ErrNotFound)
	}
	now := time.Now()
	ses.ID = newLocalID()
	ses.CreatedAt = now
	ses.UpdatedAt = now
	cp := *ses
	s.sessions[ses.ID] = &cp
	return s.persist()
}

func (s *LocalStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ses, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *ses
	return &cp, nil
}

func (s *LocalStore) ListSessions(ctx context.Context, groupID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, ses := range s.sessions {
		if groupID != "" && ses.GroupID != groupID {
			continue
		}
		out = append(out, *ses)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (s *LocalStore) SetSessionEvents(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ses, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	ses.EventsEnabled = enabled
	ses.UpdatedAt = time.Now()
	return s.persist()
}

func (s *LocalStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(s.sessions, id)
	return s.persist()
}

// --- Memberships ---

func (s *LocalStore) AddMember(ctx context.Context, groupID, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	if _, ok := s.subjects[subjectID]; !ok {
		return fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
	}
	if s.memberships[groupID] == nil {
		s.memberships[groupID] = make(map[string]bool)
	}
	s.memberships[groupID][subjectID] = true
	return s.persist()
}

func (s *LocalStore) RemoveMember(ctx context.Context, groupID, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.memberships[groupID]; ok {
		delete(members, subjectID)
	}
	return s.persist()
}

func (s *LocalStore) ListCohort(ctx context.Context, sessionID string) ([]models.CohortMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ses, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	var cohort []models.CohortMember
	for subjectID := range s.memberships[ses.GroupID] {
		sub, ok := s.subjects[subjectID]
		if !ok || !sub.Enrolled() {
			continue
		}
		cohort = append(cohort, models.CohortMember{
			SubjectID:   sub.ID,
			DisplayName: sub.DisplayName,
			Embedding:   append([]float32(nil), sub.Embedding...),
		})
	}
	sort.Slice(cohort, func(i, j int) bool { return cohort[i].SubjectID < cohort[j].SubjectID })
	return cohort, nil
}

// --- Presence events ---

func (s *LocalStore) UpsertPresence(ctx context.Context, ev *models.PresenceEvent) (*models.PresenceEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(ev.SessionID, ev.SubjectID)
	if existingID, ok := s.presencePairs[key]; ok {
		cp := *s.events[existingID]
		return &cp, false, nil
	}

	now := time.Now()
	stored := *ev
	stored.ID = newLocalID()
	if stored.MarkedAt.IsZero() {
		stored.MarkedAt = now
	}
	stored.CreatedAt = now

	s.events[stored.ID] = &stored
	s.presencePairs[key] = stored.ID
	s.bySession[stored.SessionID] = append(s.bySession[stored.SessionID], stored.ID)

	if err := s.persist(); err != nil {
		return nil, false, err
	}
	cp := stored
	return &cp, true, nil
}

func (s *LocalStore) ListPresence(ctx context.Context, sessionID string) ([]models.PresenceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySession[sessionID]
	out := make([]models.PresenceEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.events[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.Before(out[j].MarkedAt) })
	return out, nil
}

func (s *LocalStore) CountPresence(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession[sessionID]), nil
}

func (s *LocalStore) Ping(ctx context.Context) error { return nil }

func (s *LocalStore) Close() {}
