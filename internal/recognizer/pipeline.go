package recognizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/presence"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/internal/vision"
)

// FaceExtractor produces the embedding of the best usable face in a frame.
type FaceExtractor interface {
	ExtractJPEG(data []byte, mode vision.Mode) (*vision.FaceResult, error)
}

const (
	sessionRefreshInterval = 30 * time.Second
	cohortRefreshInterval  = 5 * time.Minute
)

// Pipeline is one session's recognition cycle: extract the live embedding,
// match it against the cohort, verify the geofence, and hand the match to the
// presence controller. Session and cohort are cached and refreshed on a
// timer so a cycle normally costs one inference and at most one write.
type Pipeline struct {
	extractor FaceExtractor
	store     storage.Gateway
	ctrl      *presence.Controller
	dynamic   *config.Dynamic

	sessionID string
	position  *models.GeoPoint

	mu        sync.Mutex
	session   *models.Session
	sessionAt time.Time
	cohort    []models.CohortMember
	cohortAt  time.Time
}

func NewPipeline(
	extractor FaceExtractor,
	store storage.Gateway,
	ctrl *presence.Controller,
	dynamic *config.Dynamic,
	sessionID string,
	position *models.GeoPoint,
) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		store:     store,
		ctrl:      ctrl,
		dynamic:   dynamic,
		sessionID: sessionID,
		position:  position,
	}
}

// SetExtractor installs the face extractor. The kiosk defers model loading to
// the scheduler's initialization phase, which calls this before scanning
// starts.
func (p *Pipeline) SetExtractor(extractor FaceExtractor) {
	p.mu.Lock()
	p.extractor = extractor
	p.mu.Unlock()
}

// Process runs one cycle over a captured frame. A frame with no usable face,
// no acceptable match, or a failed geofence check completes without error.
func (p *Pipeline) Process(ctx context.Context, frame []byte) error {
	p.mu.Lock()
	extractor := p.extractor
	p.mu.Unlock()
	if extractor == nil {
		return fmt.Errorf("extractor not initialized")
	}

	extractStart := time.Now()
	face, err := extractor.ExtractJPEG(frame, vision.ModeLive)
	observability.InferenceDuration.WithLabelValues("extract").Observe(time.Since(extractStart).Seconds())
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if face == nil {
		return nil
	}
	observability.FacesDetected.Inc()

	cohort, err := p.cohortCached(ctx)
	if err != nil {
		return fmt.Errorf("load cohort: %w", err)
	}

	matchStart := time.Now()
	match, err := vision.Match(face.Embedding, cohort, p.dynamic.Snapshot().RecognitionThreshold)
	observability.InferenceDuration.WithLabelValues("match").Observe(time.Since(matchStart).Seconds())
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	if match == nil {
		return nil
	}
	observability.MatchesAccepted.WithLabelValues(p.sessionID).Inc()

	session, err := p.sessionCached(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if !presence.WithinRange(p.position, session.Location) {
		slog.Info("match outside geofence, not recorded",
			"session_id", p.sessionID,
			"subject_id", match.SubjectID)
		return nil
	}

	// A cycle cancelled mid-flight (shutdown, timeout) must not record.
	if err := ctx.Err(); err != nil {
		return err
	}

	outcome, _, err := p.ctrl.TryRecord(ctx, session, match.SubjectID, &match.Confidence, models.MethodFace)
	if err != nil {
		return err
	}

	slog.Info("recognition cycle finished",
		"session_id", p.sessionID,
		"subject_id", match.SubjectID,
		"distance", match.Distance,
		"confidence", match.Confidence,
		"outcome", string(outcome))
	return nil
}

func (p *Pipeline) sessionCached(ctx context.Context) (*models.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil && time.Since(p.sessionAt) < sessionRefreshInterval {
		return p.session, nil
	}
	session, err := p.store.GetSession(ctx, p.sessionID)
	if err != nil {
		if p.session != nil {
			// Keep serving the last known session through a transient
			// storage failure.
			return p.session, nil
		}
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s not found", p.sessionID)
	}
	p.session = session
	p.sessionAt = time.Now()
	return session, nil
}

func (p *Pipeline) cohortCached(ctx context.Context) ([]models.CohortMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cohort != nil && time.Since(p.cohortAt) < cohortRefreshInterval {
		return p.cohort, nil
	}
	cohort, err := p.store.ListCohort(ctx, p.sessionID)
	if err != nil {
		if p.cohort != nil {
			return p.cohort, nil
		}
		return nil, err
	}
	p.cohort = cohort
	p.cohortAt = time.Now()
	return cohort, nil
}

// InvalidateCohort forces the next cycle to reload the cohort, used after an
// enrollment changes while a session is being scanned.
func (p *Pipeline) InvalidateCohort() {
	p.mu.Lock()
	p.cohortAt = time.Time{}
	p.mu.Unlock()
}
