package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	_ "image/png"
)

// DecodeImage decodes JPEG (the common camera path) with a fallback to any
// registered format.
func DecodeImage(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// toCHW resizes and converts an image to normalized CHW float32 layout:
// pixel = (pixel - mean) / std, same mean/std for every channel.
func toCHW(img image.Image, targetW, targetH int, mean, std float32) []float32 {
	resized := resizeNearest(img, targetW, targetH)
	bounds := resized.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	data := make([]float32, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := resized.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			idx := y*w + x
			data[0*h*w+idx] = (float32(r>>8) - mean) / std
			data[1*h*w+idx] = (float32(g>>8) - mean) / std
			data[2*h*w+idx] = (float32(b>>8) - mean) / std
		}
	}
	return data
}

// resizeNearest is fast and good enough for model input.
func resizeNearest(img image.Image, targetW, targetH int) image.Image {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == targetW && srcH == targetH {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			srcX := bounds.Min.X + x*srcW/targetW
			srcY := bounds.Min.Y + y*srcH/targetH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}

// cropWithPadding extracts the box plus a relative margin, clamped to the
// image. Returns nil for a degenerate box.
func cropWithPadding(img image.Image, box image.Rectangle, pad float64) image.Image {
	bounds := img.Bounds()
	box = box.Intersect(bounds)
	if box.Dx() <= 0 || box.Dy() <= 0 {
		return nil
	}

	padW := int(float64(box.Dx()) * pad)
	padH := int(float64(box.Dy()) * pad)
	box = image.Rect(box.Min.X-padW, box.Min.Y-padH, box.Max.X+padW, box.Max.Y+padH).Intersect(bounds)

	crop := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			crop.Set(x-box.Min.X, y-box.Min.Y, img.At(x, y))
		}
	}
	return crop
}

// l2Normalize normalizes in place.
func l2Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
}
