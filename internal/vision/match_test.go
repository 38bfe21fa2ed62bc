package vision

import (
	"errors"
	"math"
	"testing"

	"github.com/your-org/presence/internal/models"
)

func TestMatch_PicksNearestCandidate(t *testing.T) {
	cohort := []models.CohortMember{
		{SubjectID: "far", DisplayName: "Far", Embedding: []float32{1, 0, 0}},
		{SubjectID: "near", DisplayName: "Near", Embedding: []float32{0.9, 0.1, 0}},
	}
	live := []float32{0.95, 0.05, 0}

	result, err := Match(live, cohort, 0.6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected a match")
	}
	if result.SubjectID != "near" {
		t.Errorf("expected subject 'near', got '%s'", result.SubjectID)
	}
}

func TestMatch_RejectsAboveThreshold(t *testing.T) {
	cohort := []models.CohortMember{
		{SubjectID: "a", Embedding: []float32{1, 0, 0}},
	}
	live := []float32{0, 1, 0} // distance sqrt(2) ~ 1.41

	result, err := Match(live, cohort, 0.6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected no match, got subject '%s'", result.SubjectID)
	}
}

func TestMatch_AcceptsExactlyAtThreshold(t *testing.T) {
	cohort := []models.CohortMember{
		{SubjectID: "a", Embedding: []float32{0, 0, 0}},
	}
	live := []float32{0.5, 0, 0}

	result, err := Match(live, cohort, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected a match at exactly the threshold")
	}
}

func TestMatch_EmptyCohort(t *testing.T) {
	result, err := Match([]float32{1, 2, 3}, nil, 0.6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Error("expected no match with empty cohort")
	}
}

func TestMatch_TieResolvesToFirstCandidate(t *testing.T) {
	cohort := []models.CohortMember{
		{SubjectID: "first", Embedding: []float32{0.1, 0, 0}},
		{SubjectID: "second", Embedding: []float32{-0.1, 0, 0}},
	}
	live := []float32{0, 0, 0}

	result, err := Match(live, cohort, 0.6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected a match")
	}
	if result.SubjectID != "first" {
		t.Errorf("expected tie to resolve to 'first', got '%s'", result.SubjectID)
	}
}

func TestMatch_DimensionMismatch(t *testing.T) {
	cohort := []models.CohortMember{
		{SubjectID: "a", Embedding: []float32{1, 0}},
	}
	live := []float32{1, 0, 0}

	_, err := Match(live, cohort, 0.6)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestEuclideanDistance(t *testing.T) {
	d, err := EuclideanDistance([]float32{0, 0}, []float32{3, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(d-5) > 1e-9 {
		t.Errorf("expected distance 5, got %f", d)
	}
}

func TestEuclideanDistance_Symmetric(t *testing.T) {
	a := []float32{0.2, -0.5, 0.8}
	b := []float32{-0.1, 0.3, 0.4}

	ab, err := EuclideanDistance(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ba, err := EuclideanDistance(b, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(ab-ba) > 1e-9 {
		t.Errorf("distance not symmetric: %f vs %f", ab, ba)
	}
}

func TestEuclideanDistance_IdenticalVectorsIsZero(t *testing.T) {
	v := []float32{0.6, 0.8, 0}
	d, err := EuclideanDistance(v, v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 0 {
		t.Errorf("expected zero distance, got %f", d)
	}
}

func TestConfidence_ClampsAtZero(t *testing.T) {
	if c := Confidence(0.3); math.Abs(c-0.7) > 1e-9 {
		t.Errorf("expected confidence 0.7, got %f", c)
	}
	if c := Confidence(1.5); c != 0 {
		t.Errorf("expected confidence clamped to 0, got %f", c)
	}
}
