package vision

import (
	"errors"
	"image"
	"testing"
)

type fakeModel struct {
	detections []Detection
	embedding  []float32
	detectErr  error
	embedErr   error
	embedCalls int
}

func (m *fakeModel) Detect(img image.Image) ([]Detection, error) {
	return m.detections, m.detectErr
}

func (m *fakeModel) Embed(img image.Image, box image.Rectangle) ([]float32, error) {
	m.embedCalls++
	return m.embedding, m.embedErr
}

func (m *fakeModel) Close() {}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 640, 480))
}

func bigBox() image.Rectangle {
	return image.Rect(0, 0, 200, 200)
}

func smallBox() image.Rectangle {
	return image.Rect(0, 0, 80, 80)
}

func TestExtract_EnrollmentNoFace(t *testing.T) {
	e := NewExtractor(&fakeModel{}, 150)

	_, err := e.Extract(testImage(), ModeEnrollment)
	if !errors.Is(err, ErrNoFaceDetected) {
		t.Errorf("expected ErrNoFaceDetected, got %v", err)
	}
}

func TestExtract_EnrollmentMultipleFaces(t *testing.T) {
	model := &fakeModel{detections: []Detection{
		{Box: bigBox(), Score: 0.9},
		{Box: bigBox(), Score: 0.8},
	}}
	e := NewExtractor(model, 150)

	_, err := e.Extract(testImage(), ModeEnrollment)
	if !errors.Is(err, ErrMultipleFaces) {
		t.Errorf("expected ErrMultipleFaces, got %v", err)
	}
}

func TestExtract_EnrollmentFaceTooSmall(t *testing.T) {
	model := &fakeModel{detections: []Detection{
		{Box: smallBox(), Score: 0.9},
	}}
	e := NewExtractor(model, 150)

	_, err := e.Extract(testImage(), ModeEnrollment)
	if !errors.Is(err, ErrFaceTooSmall) {
		t.Errorf("expected ErrFaceTooSmall, got %v", err)
	}
}

func TestExtract_EnrollmentSuccess(t *testing.T) {
	model := &fakeModel{
		detections: []Detection{{Box: bigBox(), Score: 0.95}},
		embedding:  []float32{0.1, 0.2, 0.3},
	}
	e := NewExtractor(model, 150)

	result, err := e.Extract(testImage(), ModeEnrollment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected result")
	}
	if len(result.Embedding) != 3 {
		t.Errorf("expected embedding of length 3, got %d", len(result.Embedding))
	}
	if result.Score != 0.95 {
		t.Errorf("expected score 0.95, got %f", result.Score)
	}
}

func TestExtract_LiveNoFaceIsNotAnError(t *testing.T) {
	e := NewExtractor(&fakeModel{}, 150)

	result, err := e.Extract(testImage(), ModeLive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Error("expected nil result for a frame with no faces")
	}
}

func TestExtract_LivePicksMostConfidentFace(t *testing.T) {
	model := &fakeModel{
		detections: []Detection{
			{Box: bigBox(), Score: 0.6},
			{Box: image.Rect(300, 0, 500, 200), Score: 0.9},
			{Box: bigBox(), Score: 0.7},
		},
		embedding: []float32{1},
	}
	e := NewExtractor(model, 150)

	result, err := e.Extract(testImage(), ModeLive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected result")
	}
	if result.Score != 0.9 {
		t.Errorf("expected most confident face (0.9), got %f", result.Score)
	}
	if model.embedCalls != 1 {
		t.Errorf("expected exactly one embed call, got %d", model.embedCalls)
	}
}

func TestExtract_LiveSmallFaceSkipped(t *testing.T) {
	model := &fakeModel{
		detections: []Detection{{Box: smallBox(), Score: 0.9}},
		embedding:  []float32{1},
	}
	e := NewExtractor(model, 150)

	result, err := e.Extract(testImage(), ModeLive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Error("expected small face to be skipped in live mode")
	}
	if model.embedCalls != 0 {
		t.Errorf("expected no embed calls, got %d", model.embedCalls)
	}
}
