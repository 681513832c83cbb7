package pipeline

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/pixelconvert/internal/domain"
	xdraw "golang.org/x/image/draw"
)

// Crop trims img to the aspect ratio in spec, keeping the centre. The result
// never shares pixels with img.
func Crop(img *image.NRGBA, spec domain.CropSpec) (*image.NRGBA, error) {
	b := img.Bounds()
	rect, err := cropRect(b.Dx(), b.Dy(), spec.Ratio())
	if err != nil {
		return nil, err
	}
	if rect.Dx() == b.Dx() && rect.Dy() == b.Dy() {
		return imaging.Clone(img), nil
	}
	return imaging.Crop(img, rect.Add(b.Min)), nil
}

// cropRect returns the centred region of a width x height image matching
// ratio. Fractional sizes are truncated; offsets split the remainder evenly.
func cropRect(width, height int, ratio float64) (image.Rectangle, error) {
	if width <= 0 || height <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: source is %dx%d", domain.ErrInvalidGeometry, width, height)
	}
	if ratio <= 0 || math.IsInf(ratio, 0) || math.IsNaN(ratio) {
		return image.Rectangle{}, fmt.Errorf("%w: aspect ratio %v", domain.ErrInvalidGeometry, ratio)
	}

	cropW, cropH := width, height
	current := float64(width) / float64(height)
	switch {
	case current > ratio:
		cropW = int(float64(height) * ratio)
	case current < ratio:
		cropH = int(float64(width) / ratio)
	}
	if cropW < 1 || cropH < 1 {
		return image.Rectangle{}, fmt.Errorf("%w: crop of %dx%d to %v yields %dx%d", domain.ErrInvalidGeometry, width, height, ratio, cropW, cropH)
	}

	x := (width - cropW) / 2
	y := (height - cropH) / 2
	return image.Rect(x, y, x+cropW, y+cropH), nil
}

// Resize scales img per spec. An empty spec returns an unchanged copy.
//
// Scaling uses Catmull-Rom with the Src operator: destination pixels are
// replaced rather than composited, and colour is weighted by alpha so fully
// transparent pixels never tint their opaque neighbours.
func Resize(img *image.NRGBA, spec domain.ResizeSpec) (*image.NRGBA, error) {
	if spec.Empty() {
		return imaging.Clone(img), nil
	}

	b := img.Bounds()
	width, height, err := resizeDimensions(b.Dx(), b.Dy(), spec)
	if err != nil {
		return nil, err
	}
	if width == b.Dx() && height == b.Dy() {
		return imaging.Clone(img), nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst, nil
}

func resizeDimensions(srcW, srcH int, spec domain.ResizeSpec) (int, int, error) {
	if srcW <= 0 || srcH <= 0 {
		return 0, 0, fmt.Errorf("%w: source is %dx%d", domain.ErrInvalidGeometry, srcW, srcH)
	}
	if spec.Width < 0 || spec.Height < 0 {
		return 0, 0, fmt.Errorf("%w: resize to %dx%d", domain.ErrInvalidGeometry, spec.Width, spec.Height)
	}

	width, height := spec.Width, spec.Height
	switch {
	case width > 0 && height > 0:
	case width > 0:
		height = int(math.Round(float64(width) * float64(srcH) / float64(srcW)))
	case height > 0:
		width = int(math.Round(float64(height) * float64(srcW) / float64(srcH)))
	default:
		return srcW, srcH, nil
	}

	if width < 1 || height < 1 {
		return 0, 0, fmt.Errorf("%w: resize of %dx%d yields %dx%d", domain.ErrInvalidGeometry, srcW, srcH, width, height)
	}
	return width, height, nil
}
