package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/pkg/dto"
)

func newPresenceTestRouter(t *testing.T) (*gin.Engine, *storage.LocalStore, *PresenceHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.OpenLocal("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)

	h := NewPresenceHandler(store, nil)

	r := gin.New()
	r.POST("/v1/sessions/:id/presence", h.Record)
	r.GET("/v1/sessions/:id/presence", h.List)
	return r, store, h
}

func seedSessionWithSubject(t *testing.T, store *storage.LocalStore, eventsEnabled bool, startsAt, endsAt time.Time) (*models.Session, *models.Subject) {
	t.Helper()
	ctx := context.Background()

	group := &models.Group{Name: "test group"}
	if err := store.CreateGroup(ctx, group); err != nil {
		t.Fatalf("create group: %v", err)
	}
	session := &models.Session{
		GroupID:       group.ID,
		Title:         "test session",
		StartsAt:      startsAt,
		EndsAt:        endsAt,
		EventsEnabled: eventsEnabled,
	}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	subject := &models.Subject{ExternalKey: "emp-1", DisplayName: "Ana"}
	if err := store.CreateSubject(ctx, subject); err != nil {
		t.Fatalf("create subject: %v", err)
	}
	return session, subject
}

func postPresence(t *testing.T, r *gin.Engine, sessionID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sessionID+"/presence", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRecord_UnknownSession(t *testing.T) {
	r, _, _ := newPresenceTestRouter(t)

	w := postPresence(t, r, "missing", dto.RecordPresenceRequest{
		SubjectID: "subj-1",
		Method:    models.MethodFace,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRecord_MissingFields(t *testing.T) {
	r, store, _ := newPresenceTestRouter(t)
	now := time.Now()
	session, _ := seedSessionWithSubject(t, store, true, now.Add(-time.Hour), now.Add(time.Hour))

	w := postPresence(t, r, session.ID, map[string]string{"method": "face"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing subject_id, got %d", w.Code)
	}
}

func TestRecord_UnknownMethod(t *testing.T) {
	r, store, _ := newPresenceTestRouter(t)
	now := time.Now()
	session, subject := seedSessionWithSubject(t, store, true, now.Add(-time.Hour), now.Add(time.Hour))

	w := postPresence(t, r, session.ID, map[string]string{
		"subject_id": subject.ID,
		"method":     "telepathy",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown method, got %d", w.Code)
	}
}

func TestRecord_EventsDisabled(t *testing.T) {
	r, store, _ := newPresenceTestRouter(t)
	now := time.Now()
	session, subject := seedSessionWithSubject(t, store, false, now.Add(-time.Hour), now.Add(time.Hour))

	w := postPresence(t, r, session.ID, dto.RecordPresenceRequest{
		SubjectID: subject.ID,
		Method:    models.MethodManual,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 while events disabled, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRecord_SessionNotActive(t *testing.T) {
	r, store, _ := newPresenceTestRouter(t)
	now := time.Now()
	session, subject := seedSessionWithSubject(t, store, true, now.Add(-2*time.Hour), now.Add(-time.Hour))

	w := postPresence(t, r, session.ID, dto.RecordPresenceRequest{
		SubjectID: subject.ID,
		Method:    models.MethodManual,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 outside the session window, got %d", w.Code)
	}
}

func TestRecord_UnknownSubject(t *testing.T) {
	r, store, _ := newPresenceTestRouter(t)
	now := time.Now()
	session, _ := seedSessionWithSubject(t, store, true, now.Add(-time.Hour), now.Add(time.Hour))

	w := postPresence(t, r, session.ID, dto.RecordPresenceRequest{
		SubjectID: "missing",
		Method:    models.MethodManual,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown subject, got %d", w.Code)
	}
}

func TestRecord_CreatedThenIdempotent(t *testing.T) {
	r, store, h := newPresenceTestRouter(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	session, subject := seedSessionWithSubject(t, store, true, now.Add(-time.Hour), now.Add(time.Hour))

	conf := 0.82
	w := postPresence(t, r, session.ID, dto.RecordPresenceRequest{
		SubjectID:  subject.ID,
		Confidence: &conf,
		Method:     models.MethodFace,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var first dto.RecordPresenceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !first.Created {
		t.Error("first submission should create")
	}
	if first.Total != 1 {
		t.Errorf("expected total 1, got %d", first.Total)
	}
	if first.Event.Confidence == nil || *first.Event.Confidence != 0.82 {
		t.Error("expected confidence recorded")
	}

	// Same pair an hour later: the stored event comes back untouched.
	h.now = func() time.Time { return now.Add(30 * time.Minute) }
	w = postPresence(t, r, session.ID, dto.RecordPresenceRequest{
		SubjectID: subject.ID,
		Method:    models.MethodManual,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", w.Code)
	}

	var second dto.RecordPresenceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if second.Created {
		t.Error("repeat submission must not create")
	}
	if second.Total != 1 {
		t.Errorf("expected total still 1, got %d", second.Total)
	}
	if !second.Event.MarkedAt.Equal(first.Event.MarkedAt) {
		t.Errorf("repeat must not change marked_at: %v vs %v", first.Event.MarkedAt, second.Event.MarkedAt)
	}
	if second.Event.Method != models.MethodFace {
		t.Errorf("repeat must not change method, got %s", second.Event.Method)
	}
}

func TestList_UnknownSession(t *testing.T) {
	r, _, _ := newPresenceTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/missing/presence", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestList_ReturnsEvents(t *testing.T) {
	r, store, _ := newPresenceTestRouter(t)
	now := time.Now()
	session, subject := seedSessionWithSubject(t, store, true, now.Add(-time.Hour), now.Add(time.Hour))

	w := postPresence(t, r, session.ID, dto.RecordPresenceRequest{
		SubjectID: subject.ID,
		Method:    models.MethodManual,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("record: expected 200, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+session.ID+"/presence", nil)
	lw := httptest.NewRecorder()
	r.ServeHTTP(lw, req)

	if lw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", lw.Code)
	}
	var resp struct {
		Events []models.PresenceEvent `json:"events"`
		Total  int                    `json:"total"`
	}
	if err := json.Unmarshal(lw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 1 || len(resp.Events) != 1 {
		t.Errorf("expected one event, got total=%d len=%d", resp.Total, len(resp.Events))
	}
	if resp.Events[0].SubjectID != subject.ID {
		t.Errorf("expected event for %s, got %s", subject.ID, resp.Events[0].SubjectID)
	}
}
