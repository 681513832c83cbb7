package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/dunamismax/pixelconvert/internal/domain"
	"golang.org/x/image/bmp"
)

// Encoded is the output of one encode call. Format is what was actually
// written, which differs from the request for the HEIC/HEIF aliases.
type Encoded struct {
	Data             []byte
	Format           domain.Format
	Extension        string
	ContentType      string
	Width            int
	Height           int
	CompressionLevel int
}

type Encoder struct {
	fallback Fallback
}

func NewEncoder(fallback Fallback) *Encoder {
	return &Encoder{fallback: fallback}
}

func (e *Encoder) Encode(ctx context.Context, img *image.NRGBA, format domain.Format, quality int) (Encoded, error) {
	if err := ctx.Err(); err != nil {
		return Encoded{}, err
	}

	quality = domain.ClampQuality(quality)
	written := format
	if format.IsLegacyAlias() {
		written = domain.FormatPNG
	}

	out := Encoded{
		Format:      written,
		Extension:   written.Extension(),
		ContentType: written.ContentType(),
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
	}

	var (
		buf bytes.Buffer
		err error
	)
	switch written {
	case domain.FormatJPG:
		err = jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality})
	case domain.FormatPNG:
		out.CompressionLevel = pngCompressionLevel(quality)
		enc := png.Encoder{CompressionLevel: pngEncoderLevel(out.CompressionLevel)}
		err = enc.Encode(&buf, img)
	case domain.FormatWEBP:
		err = webp.Encode(&buf, straightRGBA(img), &webp.Options{Quality: float32(quality)})
	case domain.FormatGIF:
		err = gif.Encode(&buf, paletted(img), &gif.Options{NumColors: 256})
	case domain.FormatBMP:
		err = bmp.Encode(&buf, flatten(img))
	case domain.FormatTIFF:
		return e.encodeTIFF(ctx, img, out)
	default:
		return Encoded{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Encoded{}, fmt.Errorf("%w: %s: %v", domain.ErrEncode, written, err)
	}

	out.Data = buf.Bytes()
	return out, nil
}

func (e *Encoder) encodeTIFF(ctx context.Context, img *image.NRGBA, out Encoded) (Encoded, error) {
	if e.fallback == nil || !e.fallback.CanEncode(domain.FormatTIFF) {
		return Encoded{}, fmt.Errorf("%w: TIFF output needs a fallback codec", domain.ErrUnsupportedFormat)
	}

	var intermediate bytes.Buffer
	if err := png.Encode(&intermediate, img); err != nil {
		return Encoded{}, fmt.Errorf("%w: intermediate png: %v", domain.ErrEncode, err)
	}
	data, err := e.fallback.FromPNG(ctx, intermediate.Bytes(), domain.FormatTIFF)
	if err != nil {
		return Encoded{}, fmt.Errorf("%w: tiff via %s: %v", domain.ErrEncode, e.fallback.Name(), err)
	}

	out.Data = data
	return out, nil
}

// pngCompressionLevel maps quality 1..100 onto zlib levels 9..0.
func pngCompressionLevel(quality int) int {
	level := 9 - quality*9/100
	switch {
	case level < 0:
		return 0
	case level > 9:
		return 9
	default:
		return level
	}
}

// pngEncoderLevel buckets a zlib level into the presets image/png exposes.
func pngEncoderLevel(level int) png.CompressionLevel {
	switch {
	case level <= 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

// straightRGBA relabels img's straight-alpha samples as *image.RGBA. The webp
// encoder passes RGBA bytes through untouched but premultiplies anything else,
// and libwebp expects straight alpha.
func straightRGBA(img *image.NRGBA) *image.RGBA {
	return &image.RGBA{Pix: img.Pix, Stride: img.Stride, Rect: img.Rect}
}

// flatten composites img over opaque white.
func flatten(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Point{}, 1.0)
}

// paletted converts img to a 256-entry palette where index 0 is fully
// transparent. Pixels below half alpha map to it; the rest are dithered
// against the opaque Plan9 entries.
func paletted(img *image.NRGBA) *image.Paletted {
	b := img.Bounds()
	opaque := palette.Plan9[:255]

	solid := image.NewNRGBA(b)
	copy(solid.Pix, img.Pix)
	for i := 3; i < len(solid.Pix); i += 4 {
		solid.Pix[i] = 0xff
	}
	dithered := image.NewPaletted(b, opaque)
	draw.FloydSteinberg.Draw(dithered, b, solid, b.Min)

	pal := make(color.Palette, 0, 256)
	pal = append(pal, color.NRGBA{})
	pal = append(pal, opaque...)
	out := image.NewPaletted(b, pal)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			alpha := img.Pix[y*img.Stride+x*4+3]
			if alpha < 0x80 {
				continue
			}
			out.Pix[y*out.Stride+x] = dithered.Pix[y*dithered.Stride+x] + 1
		}
	}
	return out
}
