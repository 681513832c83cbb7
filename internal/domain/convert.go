package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultQuality = 92
	MinQuality     = 1
	MaxQuality     = 100
)

type ConvertRequest struct {
	TargetFormat string         `json:"target_format,omitempty"`
	Quality      int            `json:"quality,omitempty"`
	Crop         *CropRequest   `json:"crop,omitempty"`
	Resize       *ResizeRequest `json:"resize,omitempty"`
}

type CropRequest struct {
	AspectRatio string `json:"aspect_ratio"`
}

type ResizeRequest struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// CropSpec is a target aspect ratio W:H.
type CropSpec struct {
	W float64
	H float64
}

func (c CropSpec) Ratio() float64 {
	return c.W / c.H
}

func (c CropSpec) String() string {
	return strconv.FormatFloat(c.W, 'f', -1, 64) + ":" + strconv.FormatFloat(c.H, 'f', -1, 64)
}

// ResizeSpec holds optional target dimensions; zero means "not given".
type ResizeSpec struct {
	Width  int
	Height int
}

func (r ResizeSpec) Empty() bool {
	return r.Width == 0 && r.Height == 0
}

type ConvertOptions struct {
	Format  Format
	Quality int
	Crop    *CropSpec
	Resize  *ResizeSpec
}

func ParseAspectRatio(in string) (CropSpec, error) {
	parts := strings.Split(strings.TrimSpace(in), ":")
	if len(parts) != 2 {
		return CropSpec{}, fmt.Errorf("%w: aspect ratio must look like W:H, got %q", ErrInvalidRequest, in)
	}
	w, errW := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	h, errH := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err := errors.Join(errW, errH); err != nil {
		return CropSpec{}, fmt.Errorf("%w: aspect ratio %q: %v", ErrInvalidRequest, in, err)
	}
	if w <= 0 || h <= 0 {
		return CropSpec{}, fmt.Errorf("%w: aspect ratio terms must be positive, got %q", ErrInvalidRequest, in)
	}
	return CropSpec{W: w, H: h}, nil
}

// ClampQuality maps 0 to the default and clamps everything else into [1,100].
func ClampQuality(q int) int {
	switch {
	case q == 0:
		return DefaultQuality
	case q < MinQuality:
		return MinQuality
	case q > MaxQuality:
		return MaxQuality
	default:
		return q
	}
}

// Options validates the request. fallback is used when no target format is given.
func (r ConvertRequest) Options(fallback Format) (ConvertOptions, error) {
	format := fallback
	if strings.TrimSpace(r.TargetFormat) != "" {
		parsed, err := ParseFormat(r.TargetFormat)
		if err != nil {
			return ConvertOptions{}, err
		}
		format = parsed
	}
	if format == "" {
		format = FormatPNG
	}

	opts := ConvertOptions{
		Format:  format,
		Quality: ClampQuality(r.Quality),
	}

	if r.Crop != nil && strings.TrimSpace(r.Crop.AspectRatio) != "" {
		crop, err := ParseAspectRatio(r.Crop.AspectRatio)
		if err != nil {
			return ConvertOptions{}, err
		}
		opts.Crop = &crop
	}

	if r.Resize != nil {
		if r.Resize.Width < 0 || r.Resize.Height < 0 {
			return ConvertOptions{}, fmt.Errorf("%w: resize dimensions must be positive", ErrInvalidRequest)
		}
		resize := ResizeSpec{Width: r.Resize.Width, Height: r.Resize.Height}
		if !resize.Empty() {
			opts.Resize = &resize
		}
	}

	return opts, nil
}
