package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/storage"
)

// Controller gates presence recording. The in-memory lockout map is a
// best-effort de-dupe for one device's loop — it is reset on restart and is
// never the source of truth. The storage-level unique pair upsert is what
// guarantees at most one event per (session, subject) under concurrent
// writers.
type Controller struct {
	store   storage.Gateway
	dynamic *config.Dynamic

	mu        sync.Mutex
	lastMatch map[string]time.Time

	// now is swapped in tests.
	now func() time.Time
}

func NewController(store storage.Gateway, dynamic *config.Dynamic) *Controller {
	return &Controller{
		store:     store,
		dynamic:   dynamic,
		lastMatch: make(map[string]time.Time),
		now:       time.Now,
	}
}

// TryRecord attempts to record presence for the subject in the session.
// Preconditions are checked in order: events gate, time window, lockout.
// The write itself is an idempotent upsert; AlreadyRecorded means the pair
// existed and the stored row is untouched. Only Recorded updates the lockout
// map.
func (c *Controller) TryRecord(
	ctx context.Context,
	session *models.Session,
	subjectID string,
	confidence *float64,
	method models.Method,
) (models.Outcome, *models.PresenceEvent, error) {

	outcome, ev, err := c.tryRecord(ctx, session, subjectID, confidence, method)
	if err == nil {
		observability.RecordOutcomes.WithLabelValues(string(outcome)).Inc()
		if outcome == models.OutcomeRecorded {
			observability.EventsRecorded.WithLabelValues(string(method)).Inc()
		}
	}
	return outcome, ev, err
}

func (c *Controller) tryRecord(
	ctx context.Context,
	session *models.Session,
	subjectID string,
	confidence *float64,
	method models.Method,
) (models.Outcome, *models.PresenceEvent, error) {

	now := c.now()

	if !session.EventsEnabled {
		return models.OutcomeSessionEventsDisabled, nil, nil
	}
	if !session.Active(now) {
		return models.OutcomeSessionNotActive, nil, nil
	}

	window := c.dynamic.Snapshot().LockoutWindow()
	if c.lockedOut(subjectID, now, window) {
		return models.OutcomeAlreadyLockedOut, nil, nil
	}

	ev, created, err := c.store.UpsertPresence(ctx, &models.PresenceEvent{
		SessionID:  session.ID,
		SubjectID:  subjectID,
		MarkedAt:   now,
		Confidence: confidence,
		Method:     method,
	})
	if err != nil {
		return "", nil, fmt.Errorf("record presence: %w", err)
	}

	if !created {
		return models.OutcomeAlreadyRecorded, ev, nil
	}

	c.mu.Lock()
	c.lastMatch[subjectID] = now
	c.mu.Unlock()

	return models.OutcomeRecorded, ev, nil
}

func (c *Controller) lockedOut(subjectID string, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastMatch[subjectID]
	return ok && now.Sub(last) < window
}
