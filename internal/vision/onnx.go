package vision

import (
	"fmt"
	"image"
	"path/filepath"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXModel implements Model with a RetinaFace detector (det_10g) and an
// ArcFace embedder (w600k_r50). Call InitRuntime before constructing one.
type ONNXModel struct {
	det *detectorSession
	emb *embedderSession
}

// NewONNXModel loads both model files from modelsDir.
func NewONNXModel(modelsDir string, detectionThreshold float64) (*ONNXModel, error) {
	det, err := newDetectorSession(filepath.Join(modelsDir, "det_10g.onnx"), float32(detectionThreshold))
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}
	emb, err := newEmbedderSession(filepath.Join(modelsDir, "w600k_r50.onnx"))
	if err != nil {
		det.close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}
	return &ONNXModel{det: det, emb: emb}, nil
}

func (m *ONNXModel) Detect(img image.Image) ([]Detection, error) {
	return m.det.detect(img)
}

func (m *ONNXModel) Embed(img image.Image, box image.Rectangle) ([]float32, error) {
	crop := cropWithPadding(img, box, 0.1)
	if crop == nil {
		return nil, fmt.Errorf("empty face crop %v", box)
	}
	return m.emb.extract(crop)
}

func (m *ONNXModel) Close() {
	m.det.close()
	m.emb.close()
}

// --- detector (RetinaFace det_10g) ---

// det_10g emits anchor-relative scores/boxes at strides 8/16/32 with two
// anchors per cell and no batch dimension. Output tensor names are fixed by
// the exported graph.
type detectorSession struct {
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	outputs   []*ort.Tensor[float32]
	threshold float32
	inputW    int
	inputH    int
}

var detStrides = []int{8, 16, 32}

const detAnchors = 2

func newDetectorSession(modelPath string, threshold float32) (*detectorSession, error) {
	const inputW, inputH = 640, 640

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, inputH, inputW))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	specs := []struct {
		name string
		rows int64
		cols int64
	}{
		{"448", 12800, 1}, {"471", 3200, 1}, {"494", 800, 1}, // scores
		{"451", 12800, 4}, {"474", 3200, 4}, {"497", 800, 4}, // boxes
		{"454", 12800, 10}, {"477", 3200, 10}, {"500", 800, 10}, // landmarks (unused)
	}

	names := make([]string, len(specs))
	outputs := make([]*ort.Tensor[float32], len(specs))
	values := make([]ort.Value, len(specs))
	for i, spec := range specs {
		names[i] = spec.name
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.rows, spec.cols))
		if err != nil {
			for j := 0; j < i; j++ {
				outputs[j].Destroy()
			}
			input.Destroy()
			return nil, fmt.Errorf("create output tensor %s: %w", spec.name, err)
		}
		outputs[i] = t
		values[i] = t
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"}, names,
		[]ort.Value{input}, values, nil)
	if err != nil {
		input.Destroy()
		for _, t := range outputs {
			t.Destroy()
		}
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &detectorSession{
		session:   session,
		input:     input,
		outputs:   outputs,
		threshold: threshold,
		inputW:    inputW,
		inputH:    inputH,
	}, nil
}

func (d *detectorSession) detect(img image.Image) ([]Detection, error) {
	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()

	copy(d.input.GetData(), toCHW(img, d.inputW, d.inputH, 127.5, 128.0))

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	scaleW := float32(origW) / float32(d.inputW)
	scaleH := float32(origH) / float32(d.inputH)

	var detections []Detection
	for si, stride := range detStrides {
		scores := d.outputs[si].GetData()
		boxes := d.outputs[si+3].GetData()

		cells := d.inputW / stride
		idx := 0
		for cy := 0; cy < cells; cy++ {
			for cx := 0; cx < cells; cx++ {
				for a := 0; a < detAnchors; a++ {
					score := scores[idx]
					if score >= d.threshold {
						ax := float32(cx * stride)
						ay := float32(cy * stride)
						st := float32(stride)
						x1 := (ax - boxes[idx*4+0]*st) * scaleW
						y1 := (ay - boxes[idx*4+1]*st) * scaleH
						x2 := (ax + boxes[idx*4+2]*st) * scaleW
						y2 := (ay + boxes[idx*4+3]*st) * scaleH
						detections = append(detections, Detection{
							Box:   clampRect(image.Rect(int(x1), int(y1), int(x2), int(y2)), origW, origH),
							Score: score,
						})
					}
					idx++
				}
			}
		}
	}

	return suppressOverlaps(detections, 0.4), nil
}

func (d *detectorSession) close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.input != nil {
		d.input.Destroy()
	}
	for _, t := range d.outputs {
		if t != nil {
			t.Destroy()
		}
	}
}

// suppressOverlaps keeps the highest-scoring detection of each overlapping
// cluster (greedy NMS).
func suppressOverlaps(dets []Detection, iouThreshold float64) []Detection {
	if len(dets) == 0 {
		return dets
	}

	sort.Slice(dets, func(i, j int) bool { return dets[i].Score > dets[j].Score })

	var kept []Detection
	for _, d := range dets {
		overlaps := false
		for _, k := range kept {
			if rectIoU(d.Box, k.Box) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}

func rectIoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	interArea := float64(inter.Dx() * inter.Dy())
	if interArea <= 0 {
		return 0
	}
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

func clampRect(r image.Rectangle, w, h int) image.Rectangle {
	return r.Intersect(image.Rect(0, 0, w, h))
}

// --- embedder (ArcFace w600k_r50) ---

type embedderSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	inputW  int
	inputH  int
	dim     int
}

func newEmbedderSession(modelPath string) (*embedderSession, error) {
	const inputW, inputH, dim = 112, 112, 512

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, inputH, inputW))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, dim))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"}, []string{"683"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create embedder session: %w", err)
	}

	return &embedderSession{
		session: session,
		input:   input,
		output:  output,
		inputW:  inputW,
		inputH:  inputH,
		dim:     dim,
	}, nil
}

// extract returns an L2-normalized embedding for the face crop.
func (e *embedderSession) extract(crop image.Image) ([]float32, error) {
	copy(e.input.GetData(), toCHW(crop, e.inputW, e.inputH, 127.5, 127.5))

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedding: %w", err)
	}

	embedding := make([]float32, e.dim)
	copy(embedding, e.output.GetData())
	l2Normalize(embedding)
	return embedding, nil
}

func (e *embedderSession) close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.input != nil {
		e.input.Destroy()
	}
	if e.output != nil {
		e.output.Destroy()
	}
}
