package pipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

// gradient builds a w x h image whose alpha is fixed to a.
func gradient(w, h int, a uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x * 255) / max(w-1, 1)),
				G: uint8((y * 255) / max(h-1, 1)),
				B: 140,
				A: a,
			})
		}
	}
	return img
}

// halfTransparent is opaque on the left half and fully transparent on the right.
func halfTransparent(w, h int) *image.NRGBA {
	img := gradient(w, h, 255)
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 0})
		}
	}
	return img
}

func encodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
