package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"

	"github.com/dunamismax/pixelconvert/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Fallback   string
	AutoOrient bool
}

// Result is the outcome of one conversion. It is either a success with every
// output field set, or a failure carrying only the error.
type Result struct {
	Success          bool
	Data             []byte
	Size             int64
	Format           domain.Format
	Extension        string
	ContentType      string
	Width            int
	Height           int
	CompressionLevel int
	Error            string
	Err              error
}

type Converter struct {
	logger  *log.Logger
	decoder *DecoderChain
	encoder *Encoder
	tracer  trace.Tracer
}

func NewConverter(logger *log.Logger, cfg Config) (*Converter, error) {
	fallback, err := NewFallback(cfg.Fallback)
	if err != nil {
		return nil, fmt.Errorf("build fallback codec: %w", err)
	}
	return newConverter(logger, nativeDecoder{autoOrient: cfg.AutoOrient}, fallback), nil
}

func newConverter(logger *log.Logger, native Decoder, fallback Fallback) *Converter {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Converter{
		logger:  logger,
		decoder: NewDecoderChain(native, fallback),
		encoder: NewEncoder(fallback),
		tracer:  otel.Tracer("pixelconvert/pipeline"),
	}
}

// Convert runs decode, crop, resize and encode in order. Failures never
// escape as errors; they come back as an unsuccessful Result.
func (c *Converter) Convert(ctx context.Context, source []byte, name string, opts domain.ConvertOptions) Result {
	ctx, span := c.tracer.Start(ctx, "pipeline.convert")
	span.SetAttributes(
		attribute.String("file.name", name),
		attribute.Int("file.bytes", len(source)),
		attribute.String("convert.format", string(opts.Format)),
		attribute.Int("convert.quality", opts.Quality),
	)
	defer span.End()

	encoded, err := c.run(ctx, source, name, opts)
	if err != nil {
		c.logger.Printf("conversion failed file=%s format=%s err=%v", name, opts.Format, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversion failed")
		return Result{Error: err.Error(), Err: err}
	}

	span.SetAttributes(attribute.Int("convert.output_bytes", len(encoded.Data)))
	span.SetStatus(codes.Ok, "converted")
	return Result{
		Success:          true,
		Data:             encoded.Data,
		Size:             int64(len(encoded.Data)),
		Format:           encoded.Format,
		Extension:        encoded.Extension,
		ContentType:      encoded.ContentType,
		Width:            encoded.Width,
		Height:           encoded.Height,
		CompressionLevel: encoded.CompressionLevel,
	}
}

func (c *Converter) run(ctx context.Context, source []byte, name string, opts domain.ConvertOptions) (Encoded, error) {
	if _, err := domain.ParseFormat(string(opts.Format)); err != nil {
		return Encoded{}, err
	}

	var img *image.NRGBA
	err := c.stage(ctx, "decode", func(ctx context.Context) error {
		var err error
		img, err = c.decoder.Decode(ctx, source, name)
		return err
	})
	if err != nil {
		return Encoded{}, fmt.Errorf("decode stage: %w", err)
	}

	if opts.Crop != nil {
		err = c.stage(ctx, "crop", func(context.Context) error {
			var err error
			img, err = Crop(img, *opts.Crop)
			return err
		})
		if err != nil {
			return Encoded{}, fmt.Errorf("crop stage aspect=%s: %w", opts.Crop, err)
		}
	}

	if opts.Resize != nil && !opts.Resize.Empty() {
		err = c.stage(ctx, "resize", func(context.Context) error {
			var err error
			img, err = Resize(img, *opts.Resize)
			return err
		})
		if err != nil {
			return Encoded{}, fmt.Errorf("resize stage width=%d height=%d: %w", opts.Resize.Width, opts.Resize.Height, err)
		}
	}

	var out Encoded
	err = c.stage(ctx, "encode", func(ctx context.Context) error {
		var err error
		out, err = c.encoder.Encode(ctx, img, opts.Format, opts.Quality)
		return err
	})
	if err != nil {
		return Encoded{}, fmt.Errorf("encode stage: %w", err)
	}
	return out, nil
}

func (c *Converter) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ctx, span := c.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
		return err
	}
	return nil
}

// IsClientError reports whether err came from bad input rather than the
// codecs or storage.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrDecode) ||
		errors.Is(err, domain.ErrInvalidGeometry) ||
		errors.Is(err, domain.ErrUnsupportedFormat)
}
