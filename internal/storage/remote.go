package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/your-org/presence/internal/models"
)

// RemoteStore implements the Gateway over the API service. Identifiers are
// generated server-side; the (session, subject) upsert is performed by the
// recording endpoint, so a kiosk and a subject's own device racing on the
// same pair are adjudicated by the server's unique index, not by this client.
type RemoteStore struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewRemoteStore(baseURL, token string) *RemoteStore {
	return &RemoteStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// do performs a JSON request and decodes the response into out (if non-nil).
func (r *RemoteStore) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Token", r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// nilOnNotFound maps a 404 to the gateway's (nil, nil) lookup convention.
func nilOnNotFound(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	var ae *apiError
	if ok := asAPIError(err, &ae); ok && ae.Status == http.StatusNotFound {
		return true, nil
	}
	return false, err
}

func asAPIError(err error, target **apiError) bool {
	for err != nil {
		if ae, ok := err.(*apiError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// --- Subjects ---

func (r *RemoteStore) CreateSubject(ctx context.Context, s *models.Subject) error {
	var resp models.Subject
	err := r.do(ctx, http.MethodPost, "/v1/subjects", map[string]string{
		"external_key": s.ExternalKey,
		"display_name": s.DisplayName,
	}, &resp)
	if err != nil {
		var ae *apiError
		if asAPIError(err, &ae) && ae.Status == http.StatusConflict {
			return fmt.Errorf("subject key %q: %w", s.ExternalKey, ErrDuplicateKey)
		}
		return err
	}
	*s = resp
	return nil
}

func (r *RemoteStore) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	var sub models.Subject
	err := r.do(ctx, http.MethodGet, "/v1/subjects/"+url.PathEscape(id), nil, &sub)
	if notFound, err := nilOnNotFound(err); notFound || err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *RemoteStore) GetSubjectByKey(ctx context.Context, externalKey string) (*models.Subject, error) {
	var sub models.Subject
	err := r.do(ctx, http.MethodGet, "/v1/subjects/key/"+url.PathEscape(externalKey), nil, &sub)
	if notFound, err := nilOnNotFound(err); notFound || err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *RemoteStore) ListSubjects(ctx context.Context) ([]models.Subject, error) {
	var resp struct {
		Subjects []models.Subject `json:"subjects"`
	}
	if err := r.do(ctx, http.MethodGet, "/v1/subjects", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subjects, nil
}

func (r *RemoteStore) SetSubjectEmbedding(ctx context.Context, id string, embedding []float32, imageKey string) error {
	return r.do(ctx, http.MethodPut, "/v1/subjects/"+url.PathEscape(id)+"/embedding", map[string]interface{}{
		"embedding": embedding,
		"image_key": imageKey,
	}, nil)
}

func (r *RemoteStore) DeleteSubject(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/v1/subjects/"+url.PathEscape(id), nil, nil)
}

// --- Groups ---

func (r *RemoteStore) CreateGroup(ctx context.Context, g *models.Group) error {
	var resp models.Group
	if err := r.do(ctx, http.MethodPost, "/v1/groups", map[string]string{"name": g.Name}, &resp); err != nil {
		return err
	}
	*g = resp
	return nil
}

func (r *RemoteStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	err := r.do(ctx, http.MethodGet, "/v1/groups/"+url.PathEscape(id), nil, &g)
	if notFound, err := nilOnNotFound(err); notFound || err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *RemoteStore) ListGroups(ctx context.Context) ([]models.Group, error) {
	var resp struct {
		Groups []models.Group `json:"groups"`
	}
	if err := r.do(ctx, http.MethodGet, "/v1/groups", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// --- Sessions ---

func (r *RemoteStore) CreateSession(ctx context.Context, s *models.Session) error {
	var resp models.Session
	if err := r.do(ctx, http.MethodPost, "/v1/sessions", s, &resp); err != nil {
		return err
	}
	*s = resp
	return nil
}

func (r *RemoteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := r.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &s)
	if notFound, err := nilOnNotFound(err); notFound || err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RemoteStore) ListSessions(ctx context.Context, groupID string) ([]models.Session, error) {
	path := "/v1/sessions"
	if groupID != "" {
		path += "?group_id=" + url.QueryEscape(groupID)
	}
	var resp struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := r.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (r *RemoteStore) SetSessionEvents(ctx context.Context, id string, enabled bool) error {
	return r.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/events-enabled",
		map[string]bool{"enabled": enabled}, nil)
}

func (r *RemoteStore) DeleteSession(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil)
}

// --- Memberships ---

func (r *RemoteStore) AddMember(ctx context.Context, groupID, subjectID string) error {
	return r.do(ctx, http.MethodPost, "/v1/groups/"+url.PathEscape(groupID)+"/members",
		map[string]string{"subject_id": subjectID}, nil)
}

func (r *RemoteStore) RemoveMember(ctx context.Context, groupID, subjectID string) error {
	return r.do(ctx, http.MethodDelete,
		"/v1/groups/"+url.PathEscape(groupID)+"/members/"+url.PathEscape(subjectID), nil, nil)
}

func (r *RemoteStore) ListCohort(ctx context.Context, sessionID string) ([]models.CohortMember, error) {
	var resp struct {
		Cohort []struct {
			SubjectID   string    `json:"subject_id"`
			DisplayName string    `json:"display_name"`
			Embedding   []float32 `json:"embedding"`
		} `json:"cohort"`
	}
	err := r.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/cohort", nil, &resp)
	if err != nil {
		var ae *apiError
		if asAPIError(err, &ae) && ae.Status == http.StatusNotFound {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, err
	}
	cohort := make([]models.CohortMember, 0, len(resp.Cohort))
	for _, m := range resp.Cohort {
		cohort = append(cohort, models.CohortMember{
			SubjectID:   m.SubjectID,
			DisplayName: m.DisplayName,
			Embedding:   m.Embedding,
		})
	}
	return cohort, nil
}

// --- Presence events ---

func (r *RemoteStore) UpsertPresence(ctx context.Context, ev *models.PresenceEvent) (*models.PresenceEvent, bool, error) {
	var resp struct {
		Event   models.PresenceEvent `json:"event"`
		Total   int                  `json:"total"`
		Created bool                 `json:"created"`
	}
	err := r.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(ev.SessionID)+"/presence",
		map[string]interface{}{
			"subject_id": ev.SubjectID,
			"confidence": ev.Confidence,
			"method":     ev.Method,
		}, &resp)
	if err != nil {
		return nil, false, err
	}
	return &resp.Event, resp.Created, nil
}

func (r *RemoteStore) ListPresence(ctx context.Context, sessionID string) ([]models.PresenceEvent, error) {
	var resp struct {
		Events []models.PresenceEvent `json:"events"`
	}
	err := r.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/presence", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (r *RemoteStore) CountPresence(ctx context.Context, sessionID string) (int, error) {
	var resp struct {
		Events []models.PresenceEvent `json:"events"`
		Total  int                    `json:"total"`
	}
	err := r.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/presence", nil, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Total, nil
}

func (r *RemoteStore) Ping(ctx context.Context) error {
	return r.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (r *RemoteStore) Close() {
	r.client.CloseIdleConnections()
}
