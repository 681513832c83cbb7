package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/gen2brain/jpegn"
	"golang.org/x/image/bmp"
	"golang.org/x/image/webp"
)

type Decoder interface {
	CanDecode(kind Kind) bool
	Decode(ctx context.Context, data []byte) (image.Image, error)
}

// nativeDecoder handles the raster families that have pure-Go codecs.
type nativeDecoder struct {
	autoOrient bool
}

func (nativeDecoder) CanDecode(kind Kind) bool {
	switch kind {
	case KindJPEG, KindPNG, KindGIF, KindBMP, KindWEBP:
		return true
	default:
		return false
	}
}

func (d nativeDecoder) Decode(ctx context.Context, data []byte) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := bytes.NewReader(data)
	switch kind := Sniff(data); kind {
	case KindJPEG:
		return jpegn.Decode(r, &jpegn.Options{
			ToRGBA:         true,
			UpsampleMethod: jpegn.CatmullRom,
			AutoRotate:     d.autoOrient,
		})
	case KindPNG:
		return png.Decode(r)
	case KindGIF:
		return gif.Decode(r)
	case KindBMP:
		return bmp.Decode(r)
	case KindWEBP:
		return webp.Decode(r)
	default:
		return nil, fmt.Errorf("no native decoder for %s", kind)
	}
}

// DecoderChain turns raw bytes into the canonical *image.NRGBA bitmap. The
// native decoder is tried first; container formats it cannot read go through
// the fallback, whose lossless PNG output is decoded natively again.
type DecoderChain struct {
	native   Decoder
	fallback Fallback
}

func NewDecoderChain(native Decoder, fallback Fallback) *DecoderChain {
	if native == nil {
		native = nativeDecoder{}
	}
	return &DecoderChain{native: native, fallback: fallback}
}

func (c *DecoderChain) Decode(ctx context.Context, data []byte, name string) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", domain.ErrDecode, name)
	}

	kind := Sniff(data)
	switch {
	case c.native.CanDecode(kind):
		img, err := c.native.Decode(ctx, data)
		if err == nil {
			return canonical(img)
		}
		// A truncated or odd variant may still open in the general-purpose codec.
		if c.fallback == nil || !c.fallback.CanDecode(KindUnknown) {
			return nil, fmt.Errorf("%w: %s as %s: %v", domain.ErrDecode, name, kind, err)
		}
		return c.viaFallback(ctx, data, name)
	case c.fallback != nil && c.fallback.CanDecode(kind):
		return c.viaFallback(ctx, data, name)
	default:
		return nil, fmt.Errorf("%w: %s (%s)", domain.ErrDecode, name, kind)
	}
}

func (c *DecoderChain) viaFallback(ctx context.Context, data []byte, name string) (*image.NRGBA, error) {
	normalized, err := c.fallback.ToPNG(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s via %s: %v", domain.ErrDecode, name, c.fallback.Name(), err)
	}
	img, err := c.native.Decode(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %s re-decode: %v", domain.ErrDecode, name, err)
	}
	return canonical(img)
}

// canonical copies img into a zero-origin NRGBA buffer; sources without an
// alpha channel come out fully opaque.
func canonical(img image.Image) (*image.NRGBA, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: decoded image is %dx%d", domain.ErrDecode, b.Dx(), b.Dy())
	}
	return imaging.Clone(img), nil
}
