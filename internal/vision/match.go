package vision

import (
	"errors"
	"fmt"
	"math"

	"github.com/your-org/presence/internal/models"
)

// ErrDimensionMismatch is returned when embedding lengths differ. Defensive:
// a fixed model never produces it.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// MatchResult is the accepted nearest cohort candidate.
type MatchResult struct {
	SubjectID   string
	DisplayName string
	Distance    float64
	Confidence  float64
}

// Match scans every cohort member, keeps the minimum-distance candidate, and
// accepts it only if distance <= threshold. Ties resolve to the first
// candidate in cohort order. Returns (nil, nil) when nothing qualifies.
func Match(live []float32, cohort []models.CohortMember, threshold float64) (*MatchResult, error) {
	var best *MatchResult
	for i := range cohort {
		dist, err := EuclideanDistance(live, cohort[i].Embedding)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", cohort[i].SubjectID, err)
		}
		if best == nil || dist < best.Distance {
			best = &MatchResult{
				SubjectID:   cohort[i].SubjectID,
				DisplayName: cohort[i].DisplayName,
				Distance:    dist,
			}
		}
	}

	if best == nil || best.Distance > threshold {
		return nil, nil
	}
	best.Confidence = Confidence(best.Distance)
	return best, nil
}

// EuclideanDistance computes the L2 distance between two embeddings.
func EuclideanDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Confidence maps a distance to [0,1] for display. A monotonic transform of
// distance, not a probability.
func Confidence(distance float64) float64 {
	return math.Max(0, 1-distance)
}
