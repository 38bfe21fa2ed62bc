package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/your-org/presence/internal/models"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := OpenLocal("")
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	return store
}

func seedGroupSession(t *testing.T, store *LocalStore) (*models.Group, *models.Session) {
	t.Helper()
	ctx := context.Background()

	group := &models.Group{Name: "morning shift"}
	if err := store.CreateGroup(ctx, group); err != nil {
		t.Fatalf("create group: %v", err)
	}

	session := &models.Session{
		GroupID:       group.ID,
		Title:         "monday",
		StartsAt:      time.Now().Add(-time.Hour),
		EndsAt:        time.Now().Add(time.Hour),
		EventsEnabled: true,
	}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return group, session
}

func TestCreateSubject_DuplicateExternalKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &models.Subject{ExternalKey: "emp-42", DisplayName: "Ana"}
	if err := store.CreateSubject(ctx, first); err != nil {
		t.Fatalf("create subject: %v", err)
	}

	dup := &models.Subject{ExternalKey: "emp-42", DisplayName: "Another Ana"}
	err := store.CreateSubject(ctx, dup)
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestGetSubject_MissingReturnsNilNil(t *testing.T) {
	store := newTestStore(t)

	sub, err := store.GetSubject(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub != nil {
		t.Error("expected nil subject for unknown id")
	}
}

func TestUpsertPresence_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	markedAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	first, created, err := store.UpsertPresence(ctx, &models.PresenceEvent{
		SessionID: "sess-1",
		SubjectID: "subj-1",
		MarkedAt:  markedAt,
		Method:    models.MethodFace,
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created {
		t.Fatal("expected first upsert to create")
	}

	second, created, err := store.UpsertPresence(ctx, &models.PresenceEvent{
		SessionID: "sess-1",
		SubjectID: "subj-1",
		MarkedAt:  markedAt.Add(time.Hour),
		Method:    models.MethodManual,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Error("repeat upsert must not create")
	}
	if second.ID != first.ID {
		t.Errorf("expected the stored event back, got id %s vs %s", second.ID, first.ID)
	}
	if !second.MarkedAt.Equal(first.MarkedAt) {
		t.Errorf("repeat upsert must not change marked_at: %v vs %v", first.MarkedAt, second.MarkedAt)
	}
	if second.Method != models.MethodFace {
		t.Errorf("repeat upsert must not change method, got %s", second.Method)
	}

	total, err := store.CountPresence(ctx, "sess-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 {
		t.Errorf("expected exactly one event, got %d", total)
	}
}

func TestUpsertPresence_DistinctPairs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pairs := []struct{ session, subject string }{
		{"sess-1", "subj-1"},
		{"sess-1", "subj-2"},
		{"sess-2", "subj-1"},
	}
	for _, p := range pairs {
		_, created, err := store.UpsertPresence(ctx, &models.PresenceEvent{
			SessionID: p.session, SubjectID: p.subject, Method: models.MethodFace,
		})
		if err != nil {
			t.Fatalf("upsert %s/%s: %v", p.session, p.subject, err)
		}
		if !created {
			t.Errorf("pair %s/%s should be new", p.session, p.subject)
		}
	}

	if total, _ := store.CountPresence(ctx, "sess-1"); total != 2 {
		t.Errorf("expected 2 events in sess-1, got %d", total)
	}
}

func TestListCohort_OnlyEnrolledMembers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	group, session := seedGroupSession(t, store)

	enrolled := &models.Subject{ExternalKey: "e-1", DisplayName: "Enrolled"}
	bare := &models.Subject{ExternalKey: "e-2", DisplayName: "Not enrolled"}
	outsider := &models.Subject{ExternalKey: "e-3", DisplayName: "Outsider"}
	for _, sub := range []*models.Subject{enrolled, bare, outsider} {
		if err := store.CreateSubject(ctx, sub); err != nil {
			t.Fatalf("create subject: %v", err)
		}
	}
	if err := store.SetSubjectEmbedding(ctx, enrolled.ID, []float32{0.1, 0.2}, "img"); err != nil {
		t.Fatalf("set embedding: %v", err)
	}
	if err := store.SetSubjectEmbedding(ctx, outsider.ID, []float32{0.3, 0.4}, "img"); err != nil {
		t.Fatalf("set embedding: %v", err)
	}
	if err := store.AddMember(ctx, group.ID, enrolled.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := store.AddMember(ctx, group.ID, bare.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}

	cohort, err := store.ListCohort(ctx, session.ID)
	if err != nil {
		t.Fatalf("list cohort: %v", err)
	}
	if len(cohort) != 1 {
		t.Fatalf("expected cohort of 1, got %d", len(cohort))
	}
	if cohort[0].SubjectID != enrolled.ID {
		t.Errorf("expected enrolled member, got %s", cohort[0].SubjectID)
	}
}

func TestListCohort_UnknownSession(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ListCohort(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSubject_CascadesMemberships(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	group, session := seedGroupSession(t, store)

	sub := &models.Subject{ExternalKey: "e-1", DisplayName: "Ana"}
	if err := store.CreateSubject(ctx, sub); err != nil {
		t.Fatalf("create subject: %v", err)
	}
	if err := store.SetSubjectEmbedding(ctx, sub.ID, []float32{1}, ""); err != nil {
		t.Fatalf("set embedding: %v", err)
	}
	if err := store.AddMember(ctx, group.ID, sub.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}

	if err := store.DeleteSubject(ctx, sub.ID); err != nil {
		t.Fatalf("delete subject: %v", err)
	}

	cohort, err := store.ListCohort(ctx, session.ID)
	if err != nil {
		t.Fatalf("list cohort: %v", err)
	}
	if len(cohort) != 0 {
		t.Errorf("expected empty cohort after delete, got %d", len(cohort))
	}

	// Re-creating with the same external key must work again.
	again := &models.Subject{ExternalKey: "e-1", DisplayName: "Ana"}
	if err := store.CreateSubject(ctx, again); err != nil {
		t.Errorf("external key should be free after delete: %v", err)
	}
}

func TestLocalStore_SurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db.json")
	ctx := context.Background()

	store, err := OpenLocal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sub := &models.Subject{ExternalKey: "e-1", DisplayName: "Ana"}
	if err := store.CreateSubject(ctx, sub); err != nil {
		t.Fatalf("create subject: %v", err)
	}
	if _, _, err := store.UpsertPresence(ctx, &models.PresenceEvent{
		SessionID: "sess-1", SubjectID: sub.ID, Method: models.MethodFace,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	store.Close()

	reopened, err := OpenLocal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.GetSubjectByKey(ctx, "e-1")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got == nil {
		t.Fatal("expected subject to survive reload")
	}

	// The unique pair index must be rebuilt from the snapshot.
	_, created, err := reopened.UpsertPresence(ctx, &models.PresenceEvent{
		SessionID: "sess-1", SubjectID: sub.ID, Method: models.MethodFace,
	})
	if err != nil {
		t.Fatalf("upsert after reload: %v", err)
	}
	if created {
		t.Error("pair index must survive reload, repeat upsert created a duplicate")
	}
}

func TestSetSessionEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, session := seedGroupSession(t, store)

	if err := store.SetSessionEvents(ctx, session.ID, false); err != nil {
		t.Fatalf("set events: %v", err)
	}
	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.EventsEnabled {
		t.Error("expected events disabled")
	}

	if err := store.SetSessionEvents(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
