package vision

import (
	"fmt"
	"image"
)

// Mode selects the extraction policy.
type Mode int

const (
	// ModeLive evaluates only the single most confident face per frame and
	// treats absence as a normal outcome.
	ModeLive Mode = iota
	// ModeEnrollment requires exactly one face, large enough to yield a
	// trustworthy embedding.
	ModeEnrollment
)

// FaceResult is one usable face: its box, the detector score, and the
// embedding vector.
type FaceResult struct {
	Box       image.Rectangle
	Score     float32
	Embedding []float32
}

// Extractor wraps the external model and enforces the face-size and
// single/multi-face policy. It holds no references to processed frames.
type Extractor struct {
	model     Model
	minFacePx int
}

// NewExtractor builds an extractor. minFacePx is the minimum bounding-box
// width and height at the reference frame resolution.
func NewExtractor(model Model, minFacePx int) *Extractor {
	return &Extractor{model: model, minFacePx: minFacePx}
}

// Extract runs detection and embedding under the given mode.
//
// In live mode, (nil, nil) means no usable face in this frame; that is not an
// error. In enrollment mode the result is never nil without an error.
func (e *Extractor) Extract(img image.Image, mode Mode) (*FaceResult, error) {
	detections, err := e.model.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	switch mode {
	case ModeEnrollment:
		if len(detections) == 0 {
			return nil, ErrNoFaceDetected
		}
		if len(detections) > 1 {
			return nil, ErrMultipleFaces
		}
		if !e.bigEnough(detections[0].Box) {
			return nil, ErrFaceTooSmall
		}
		return e.embed(img, detections[0])

	default: // ModeLive
		best, ok := mostConfident(detections)
		if !ok || !e.bigEnough(best.Box) {
			return nil, nil
		}
		return e.embed(img, best)
	}
}

// ExtractJPEG decodes raw image bytes and extracts.
func (e *Extractor) ExtractJPEG(data []byte, mode Mode) (*FaceResult, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return e.Extract(img, mode)
}

func (e *Extractor) embed(img image.Image, det Detection) (*FaceResult, error) {
	embedding, err := e.model.Embed(img, det.Box)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return &FaceResult{Box: det.Box, Score: det.Score, Embedding: embedding}, nil
}

func (e *Extractor) bigEnough(box image.Rectangle) bool {
	return box.Dx() >= e.minFacePx && box.Dy() >= e.minFacePx
}

func mostConfident(detections []Detection) (Detection, bool) {
	if len(detections) == 0 {
		return Detection{}, false
	}
	best := detections[0]
	for _, d := range detections[1:] {
		if d.Score > best.Score {
			best = d
		}
	}
	return best, true
}
