//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/pixelconvert/internal/domain"
)

// vipsFallback opens anything libvips can read, including TIFF and HEIC/HEIF
// when libvips is built with libheif.
type vipsFallback struct{}

func (vipsFallback) Name() string { return "libvips" }

func (vipsFallback) CanDecode(kind Kind) bool {
	switch kind {
	case KindTIFF, KindHEIF, KindUnknown:
		return true
	default:
		return false
	}
}

func (vipsFallback) ToPNG(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	defer img.Close()

	if img.Interpretation() != vips.InterpretationSRGB {
		if err := img.ToColorSpace(vips.InterpretationSRGB); err != nil {
			return nil, fmt.Errorf("convert to srgb: %w", err)
		}
	}

	params := vips.NewPngExportParams()
	params.Compression = 1
	out, _, err := img.ExportPng(params)
	if err != nil {
		return nil, fmt.Errorf("export intermediate png: %w", err)
	}
	return out, nil
}

func (vipsFallback) CanEncode(format domain.Format) bool { return format == domain.FormatTIFF }

func (vipsFallback) FromPNG(ctx context.Context, data []byte, format domain.Format) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format != domain.FormatTIFF {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format)
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("load intermediate png: %w", err)
	}
	defer img.Close()

	params := vips.NewTiffExportParams()
	params.Compression = vips.TiffCompressionLzw
	out, _, err := img.ExportTiff(params)
	if err != nil {
		return nil, fmt.Errorf("export tiff: %w", err)
	}
	return out, nil
}
