package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/pixelconvert/internal/domain"
	lzwtiff "github.com/hhrutter/tiff"
	"golang.org/x/image/tiff"
)

const (
	FallbackAuto = "auto"
	FallbackStd  = "std"
	FallbackNone = "none"
)

// Fallback is the secondary codec for container formats the native path
// cannot handle. Pixels cross the boundary as lossless sRGB PNG.
type Fallback interface {
	Name() string
	CanDecode(kind Kind) bool
	ToPNG(ctx context.Context, data []byte) ([]byte, error)
	CanEncode(format domain.Format) bool
	FromPNG(ctx context.Context, data []byte, format domain.Format) ([]byte, error)
}

func NewFallback(name string) (Fallback, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FallbackAuto:
		return defaultFallback(), nil
	case FallbackStd:
		return stdFallback{}, nil
	case FallbackNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown fallback codec: %s", name)
	}
}

// stdFallback reads TIFF with x/image/tiff and writes LZW-compressed TIFF with
// the hhrutter fork, whose encoder adds LZW.
type stdFallback struct{}

func (stdFallback) Name() string { return "x/image/tiff" }

func (stdFallback) CanDecode(kind Kind) bool { return kind == KindTIFF }

func (stdFallback) ToPNG(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode tiff: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, imaging.Clone(img)); err != nil {
		return nil, fmt.Errorf("encode intermediate png: %w", err)
	}
	return buf.Bytes(), nil
}

func (stdFallback) CanEncode(format domain.Format) bool { return format == domain.FormatTIFF }

func (stdFallback) FromPNG(ctx context.Context, data []byte, format domain.Format) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format != domain.FormatTIFF {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode intermediate png: %w", err)
	}

	var buf bytes.Buffer
	if err := lzwtiff.Encode(&buf, img, &lzwtiff.Options{Compression: lzwtiff.LZW}); err != nil {
		return nil, fmt.Errorf("encode tiff: %w", err)
	}
	return buf.Bytes(), nil
}
