package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/dunamismax/pixelconvert/internal/domain"
	"golang.org/x/image/tiff"
)

func testConverter(t testing.TB, fallback string) *Converter {
	t.Helper()

	c, err := NewConverter(log.New(io.Discard, "", 0), Config{Fallback: fallback})
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}
	return c
}

func TestConvertCropThenResize(t *testing.T) {
	c := testConverter(t, FallbackStd)
	source := encodePNG(t, gradient(400, 400, 255))

	res := c.Convert(context.Background(), source, "square.png", domain.ConvertOptions{
		Format:  domain.FormatPNG,
		Quality: 92,
		Crop:    &domain.CropSpec{W: 16, H: 9},
		Resize:  &domain.ResizeSpec{Width: 160},
	})
	if !res.Success {
		t.Fatalf("convert failed: %s", res.Error)
	}
	if res.Width != 160 || res.Height != 90 {
		t.Fatalf("expected 160x90, got %dx%d", res.Width, res.Height)
	}
	if res.Size != int64(len(res.Data)) {
		t.Fatalf("size %d does not match data length %d", res.Size, len(res.Data))
	}

	decoded, err := png.Decode(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded.Bounds() != image.Rect(0, 0, 160, 90) {
		t.Fatalf("unexpected output bounds %v", decoded.Bounds())
	}
}

func TestConvertIsDeterministic(t *testing.T) {
	c := testConverter(t, FallbackStd)
	source := encodePNG(t, halfTransparent(120, 80))

	for _, format := range []domain.Format{domain.FormatJPG, domain.FormatPNG, domain.FormatGIF, domain.FormatBMP, domain.FormatTIFF, domain.FormatWEBP} {
		opts := domain.ConvertOptions{Format: format, Quality: 70, Resize: &domain.ResizeSpec{Height: 40}}
		first := c.Convert(context.Background(), source, "a.png", opts)
		second := c.Convert(context.Background(), source, "a.png", opts)
		if !first.Success || !second.Success {
			t.Fatalf("%s: convert failed: %s %s", format, first.Error, second.Error)
		}
		if !bytes.Equal(first.Data, second.Data) {
			t.Fatalf("%s: expected identical output across runs", format)
		}
	}
}

func TestConvertHEICRequestYieldsPNG(t *testing.T) {
	c := testConverter(t, FallbackStd)
	res := c.Convert(context.Background(), encodePNG(t, gradient(8, 8, 255)), "photo.png", domain.ConvertOptions{Format: domain.FormatHEIC, Quality: 92})
	if !res.Success {
		t.Fatalf("convert failed: %s", res.Error)
	}
	if res.Extension != "png" || res.ContentType != "image/png" || res.Format != domain.FormatPNG {
		t.Fatalf("expected png result, got ext=%s type=%s format=%s", res.Extension, res.ContentType, res.Format)
	}
}

func TestConvertReadsTIFFThroughFallback(t *testing.T) {
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, gradient(30, 20, 255), nil); err != nil {
		t.Fatalf("encode tiff source: %v", err)
	}

	res := testConverter(t, FallbackStd).Convert(context.Background(), buf.Bytes(), "scan.tif", domain.ConvertOptions{Format: domain.FormatJPG, Quality: 85})
	if !res.Success {
		t.Fatalf("convert failed: %s", res.Error)
	}
	if res.Width != 30 || res.Height != 20 {
		t.Fatalf("expected 30x20, got %dx%d", res.Width, res.Height)
	}

	res = testConverter(t, FallbackNone).Convert(context.Background(), buf.Bytes(), "scan.tif", domain.ConvertOptions{Format: domain.FormatJPG, Quality: 85})
	if res.Success || !errors.Is(res.Err, domain.ErrDecode) {
		t.Fatalf("expected decode error without fallback, got %+v", res.Err)
	}
}

func TestConvertFailuresAreNormalized(t *testing.T) {
	var logs bytes.Buffer
	c, err := NewConverter(log.New(&logs, "", 0), Config{Fallback: FallbackStd})
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}
	valid := encodePNG(t, gradient(10, 10, 255))

	cases := []struct {
		name   string
		source []byte
		opts   domain.ConvertOptions
		want   error
	}{
		{"corrupt", []byte("not an image at all"), domain.ConvertOptions{Format: domain.FormatPNG}, domain.ErrDecode},
		{"empty", nil, domain.ConvertOptions{Format: domain.FormatPNG}, domain.ErrDecode},
		{"truncated png", valid[:40], domain.ConvertOptions{Format: domain.FormatPNG}, domain.ErrDecode},
		{"bad format", valid, domain.ConvertOptions{Format: "AVIF"}, domain.ErrUnsupportedFormat},
		{"collapsed crop", valid, domain.ConvertOptions{Format: domain.FormatPNG, Crop: &domain.CropSpec{W: 100, H: 1}}, domain.ErrInvalidGeometry},
	}

	for _, tc := range cases {
		res := c.Convert(context.Background(), tc.source, tc.name, tc.opts)
		if res.Success {
			t.Fatalf("%s: expected failure", tc.name)
		}
		if !errors.Is(res.Err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, res.Err)
		}
		if res.Error == "" || res.Data != nil || res.Size != 0 || res.Extension != "" {
			t.Fatalf("%s: failure result partially populated: %+v", tc.name, res)
		}
	}

	if !strings.Contains(logs.String(), "conversion failed") {
		t.Fatalf("expected failures to be logged, got %q", logs.String())
	}
}

func TestConvertHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := testConverter(t, FallbackStd).Convert(ctx, encodePNG(t, gradient(10, 10, 255)), "a.png", domain.ConvertOptions{Format: domain.FormatPNG})
	if res.Success || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected cancellation, got %+v", res.Err)
	}
}
