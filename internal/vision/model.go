package vision

import (
	"errors"
	"image"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Detection is one face found in a frame.
type Detection struct {
	Box   image.Rectangle
	Score float32
}

// Model is the external face model pair consumed as a black box: a detector
// producing scored boxes and an embedder producing fixed-length vectors.
type Model interface {
	Detect(img image.Image) ([]Detection, error)
	Embed(img image.Image, box image.Rectangle) ([]float32, error)
	Close()
}

var (
	ErrNoFaceDetected = errors.New("no face detected")
	ErrMultipleFaces  = errors.New("multiple faces detected")
	ErrFaceTooSmall   = errors.New("face too small")
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// InitRuntime initializes the ONNX runtime exactly once for the process.
// Safe to call repeatedly; every caller observes the first attempt's result.
func InitRuntime() error {
	runtimeOnce.Do(func() {
		ort.SetSharedLibraryPath(onnxLibPath())
		runtimeErr = ort.InitializeEnvironment()
	})
	return runtimeErr
}

func onnxLibPath() string {
	switch runtime.GOOS {
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
