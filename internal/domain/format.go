package domain

import (
	"fmt"
	"strings"
)

type Format string

const (
	FormatJPG  Format = "JPG"
	FormatPNG  Format = "PNG"
	FormatWEBP Format = "WEBP"
	FormatBMP  Format = "BMP"
	FormatTIFF Format = "TIFF"
	FormatGIF  Format = "GIF"
	FormatHEIC Format = "HEIC"
	FormatHEIF Format = "HEIF"
)

// SupportedFormats lists the output formats offered to users. HEIC and HEIF are
// still accepted by ParseFormat as legacy aliases that produce PNG.
var SupportedFormats = []Format{FormatJPG, FormatPNG, FormatWEBP, FormatBMP, FormatTIFF, FormatGIF}

func ParseFormat(in string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(in)) {
	case "JPG", "JPEG":
		return FormatJPG, nil
	case "PNG":
		return FormatPNG, nil
	case "WEBP":
		return FormatWEBP, nil
	case "BMP":
		return FormatBMP, nil
	case "TIFF", "TIF":
		return FormatTIFF, nil
	case "GIF":
		return FormatGIF, nil
	case "HEIC":
		return FormatHEIC, nil
	case "HEIF":
		return FormatHEIF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, in)
	}
}

// IsLegacyAlias reports whether output in f is silently degraded to PNG.
func (f Format) IsLegacyAlias() bool {
	return f == FormatHEIC || f == FormatHEIF
}

func (f Format) IsLossy() bool {
	return f == FormatJPG || f == FormatWEBP
}

// Extension is the file extension written for f, without the dot.
func (f Format) Extension() string {
	switch f {
	case FormatJPG:
		return "jpg"
	case FormatHEIC, FormatHEIF:
		return "png"
	default:
		return strings.ToLower(string(f))
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatJPG:
		return "image/jpeg"
	case FormatHEIC, FormatHEIF:
		return "image/png"
	default:
		return "image/" + strings.ToLower(string(f))
	}
}
