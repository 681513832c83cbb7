package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/dunamismax/pixelconvert/internal/archive"
	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/id"
	"github.com/dunamismax/pixelconvert/internal/lock"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/dunamismax/pixelconvert/internal/storage"
	"github.com/dunamismax/pixelconvert/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	sourcePrefix    = "sources/"
	convertedPrefix = "converted/"
)

type Converter interface {
	Convert(ctx context.Context, source []byte, name string, opts domain.ConvertOptions) pipeline.Result
}

// Observer receives one call per finished conversion attempt.
type Observer interface {
	ConversionFinished(format domain.Format, res pipeline.Result, sourceBytes int64, elapsed time.Duration)
}

type Deps struct {
	Store     store.RecordStore
	Blobs     storage.BlobStore
	Converter Converter
	Locker    lock.Locker
	Observer  Observer
	Logger    *log.Logger
}

type Config struct {
	Timeout time.Duration
	Naming  domain.NamingConvention
}

type Upload struct {
	Name string
	Data []byte
}

type Download struct {
	Name        string
	ContentType string
	Data        []byte
}

type Registry struct {
	store     store.RecordStore
	blobs     storage.BlobStore
	converter Converter
	locker    lock.Locker
	edits     *lock.KeyedMutex
	observer  Observer
	logger    *log.Logger
	tracer    trace.Tracer
	timeout   time.Duration
	now       func() time.Time

	namingMu sync.RWMutex
	naming   domain.NamingConvention
}

func New(deps Deps, cfg Config) (*Registry, error) {
	if deps.Store == nil || deps.Blobs == nil || deps.Converter == nil {
		return nil, errors.New("registry: store, blobs and converter are required")
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}

	naming := cfg.Naming
	if naming.Type == "" {
		naming = domain.DefaultNaming()
	}
	if err := naming.Validate(); err != nil {
		return nil, err
	}

	return &Registry{
		store:     deps.Store,
		blobs:     deps.Blobs,
		converter: deps.Converter,
		locker:    deps.Locker,
		edits:     lock.NewKeyedMutex(),
		observer:  deps.Observer,
		logger:    deps.Logger,
		tracer:    otel.Tracer("pixelconvert/registry"),
		timeout:   cfg.Timeout,
		now:       func() time.Time { return time.Now().UTC() },
		naming:    naming,
	}, nil
}

// Create stores the uploaded bytes and registers a waiting record. Upload
// gating (size, extension) is the caller's job.
func (r *Registry) Create(ctx context.Context, up Upload) (domain.FileRecord, error) {
	now := r.now()
	rec := domain.FileRecord{
		ID:           id.New(),
		OriginalName: up.Name,
		OriginalSize: int64(len(up.Data)),
		TargetFormat: domain.FormatPNG,
		Status:       domain.StatusWaiting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	rec.SourceKey = sourcePrefix + rec.ID

	if err := r.blobs.Put(ctx, rec.SourceKey, up.Data, "application/octet-stream"); err != nil {
		return domain.FileRecord{}, fmt.Errorf("store source bytes: %w", err)
	}
	if err := r.store.Create(ctx, rec); err != nil {
		r.dropBlob(ctx, rec.SourceKey)
		return domain.FileRecord{}, fmt.Errorf("create record: %w", err)
	}

	r.logger.Printf("file registered file_id=%s name=%q bytes=%d", rec.ID, rec.OriginalName, rec.OriginalSize)
	return rec, nil
}

func (r *Registry) Get(ctx context.Context, id string) (domain.FileRecord, error) {
	rec, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.FileRecord{}, err
	}
	if !ok {
		return domain.FileRecord{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return rec, nil
}

func (r *Registry) List(ctx context.Context) ([]domain.FileRecord, error) {
	return r.store.List(ctx)
}

// SetTargetFormat changes the format the next conversion will use. Already
// converted bytes are left alone.
func (r *Registry) SetTargetFormat(ctx context.Context, id, format string) (domain.FileRecord, error) {
	parsed, err := domain.ParseFormat(format)
	if err != nil {
		return domain.FileRecord{}, err
	}
	return r.update(ctx, id, func(rec *domain.FileRecord) error {
		if !rec.Status.AllowsFormatChange() {
			return fmt.Errorf("%w: cannot change format while %s", domain.ErrInvalidTransition, rec.Status)
		}
		rec.TargetFormat = parsed
		rec.UpdatedAt = r.now()
		return nil
	})
}

// MarkConverting flags a record whose conversion has been handed to a queue.
func (r *Registry) MarkConverting(ctx context.Context, id string) (domain.FileRecord, error) {
	return r.update(ctx, id, func(rec *domain.FileRecord) error {
		if err := rec.Transition(domain.StatusConverting, r.now()); err != nil {
			return err
		}
		rec.Error = ""
		return nil
	})
}

// Fail moves a record to the error state without touching prior output.
func (r *Registry) Fail(ctx context.Context, id, reason string) (domain.FileRecord, error) {
	return r.update(ctx, id, func(rec *domain.FileRecord) error {
		if rec.Status != domain.StatusConverting {
			if err := rec.Transition(domain.StatusConverting, r.now()); err != nil {
				return err
			}
		}
		if err := rec.Transition(domain.StatusError, r.now()); err != nil {
			return err
		}
		rec.Error = reason
		return nil
	})
}

// Convert runs one conversion for id. At most one conversion per id runs at
// a time; later callers wait for the lock. A failed conversion is reported
// through the returned Result and leaves the record in the error state; the
// error return is reserved for lookups, locking and storage failures.
func (r *Registry) Convert(ctx context.Context, id string, opts domain.ConvertOptions) (domain.FileRecord, pipeline.Result, error) {
	ctx, span := r.tracer.Start(ctx, "registry.convert")
	span.SetAttributes(
		attribute.String("file.id", id),
		attribute.String("convert.format", string(opts.Format)),
	)
	defer span.End()

	release, err := r.locker.Lock(ctx, id)
	if err != nil {
		span.RecordError(err)
		return domain.FileRecord{}, pipeline.Result{}, fmt.Errorf("lock file %s: %w", id, err)
	}
	defer release()

	rec, err := r.update(ctx, id, func(rec *domain.FileRecord) error {
		if err := rec.Transition(domain.StatusConverting, r.now()); err != nil {
			return err
		}
		rec.Error = ""
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return domain.FileRecord{}, pipeline.Result{}, err
	}

	// Bookkeeping after this point must land even if the caller goes away.
	bookkeeping := context.WithoutCancel(ctx)

	start := time.Now()
	source, err := r.blobs.Get(ctx, rec.SourceKey)
	var res pipeline.Result
	if err != nil {
		res = pipeline.Result{Error: fmt.Sprintf("read source: %v", err), Err: err}
	} else {
		res = r.runConversion(ctx, source, rec.OriginalName, opts)
	}

	if res.Success {
		convertedKey := convertedPrefix + rec.ID
		if err := r.blobs.Put(bookkeeping, convertedKey, res.Data, res.ContentType); err != nil {
			res = pipeline.Result{Error: fmt.Sprintf("store converted bytes: %v", err), Err: fmt.Errorf("%w: %v", domain.ErrEncode, err)}
		} else {
			rec, err = r.update(bookkeeping, id, func(rec *domain.FileRecord) error {
				if err := rec.Transition(domain.StatusDone, r.now()); err != nil {
					return err
				}
				rec.TargetFormat = opts.Format
				rec.ConvertedKey = convertedKey
				rec.ConvertedSize = res.Size
				rec.ConvertedExtension = res.Extension
				rec.ConvertedFormat = opts.Format
				rec.ConvertedContentType = res.ContentType
				rec.Error = ""
				return nil
			})
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					r.dropBlob(bookkeeping, convertedKey)
				}
				span.RecordError(err)
				return domain.FileRecord{}, res, err
			}
		}
	}

	if r.observer != nil {
		r.observer.ConversionFinished(opts.Format, res, int64(len(source)), time.Since(start))
	}

	if !res.Success {
		r.logger.Printf("conversion failed file_id=%s format=%s err=%s", id, opts.Format, res.Error)
		span.SetStatus(codes.Error, "conversion failed")
		rec, err = r.update(bookkeeping, id, func(rec *domain.FileRecord) error {
			if err := rec.Transition(domain.StatusError, r.now()); err != nil {
				return err
			}
			rec.Error = res.Error
			return nil
		})
		if err != nil {
			return domain.FileRecord{}, res, err
		}
		return rec, res, nil
	}

	r.logger.Printf("conversion done file_id=%s format=%s bytes=%d elapsed=%s", id, opts.Format, res.Size, time.Since(start).Round(time.Millisecond))
	span.SetStatus(codes.Ok, "converted")
	return rec, res, nil
}

// runConversion bounds the converter by the configured timeout. The
// converter notices cancellation between stages; a stage that overruns is
// abandoned and reported as a timeout.
func (r *Registry) runConversion(ctx context.Context, source []byte, name string, opts domain.ConvertOptions) pipeline.Result {
	if r.timeout <= 0 {
		return r.converter.Convert(ctx, source, name, opts)
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan pipeline.Result, 1)
	go func() {
		done <- r.converter.Convert(cctx, source, name, opts)
	}()

	select {
	case res := <-done:
		if !res.Success && errors.Is(res.Err, context.DeadlineExceeded) {
			return timeoutResult(r.timeout)
		}
		return res
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return timeoutResult(r.timeout)
		}
		return pipeline.Result{Error: cctx.Err().Error(), Err: cctx.Err()}
	}
}

func timeoutResult(limit time.Duration) pipeline.Result {
	err := fmt.Errorf("%w after %s", domain.ErrTimeout, limit)
	return pipeline.Result{Error: err.Error(), Err: err}
}

// Download returns the converted bytes of id under its resolved name.
func (r *Registry) Download(ctx context.Context, id string) (Download, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return Download{}, err
	}
	if !rec.HasOutput() {
		return Download{}, fmt.Errorf("%w: %s has no converted output", domain.ErrNotFound, id)
	}

	data, err := r.blobs.Get(ctx, rec.ConvertedKey)
	if err != nil {
		return Download{}, fmt.Errorf("read converted bytes: %w", err)
	}
	return Download{
		Name:        ResolveDownloadName(rec.OriginalName, rec.ConvertedFormat, r.Naming()),
		ContentType: rec.ConvertedContentType,
		Data:        data,
	}, nil
}

// Bundle collects every done record with live converted bytes. Names are
// unique: when two records resolve to the same name, the one created later
// gets its id inserted before the extension.
func (r *Registry) Bundle(ctx context.Context) ([]archive.Entry, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	naming := r.Naming()
	used := make(map[string]struct{}, len(records))
	entries := make([]archive.Entry, 0, len(records))
	for _, rec := range records {
		if rec.Status != domain.StatusDone || !rec.HasOutput() {
			continue
		}
		data, err := r.blobs.Get(ctx, rec.ConvertedKey)
		if errors.Is(err, domain.ErrNotFound) {
			r.logger.Printf("bundle skipped file_id=%s reason=converted bytes missing", rec.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read converted bytes for %s: %w", rec.ID, err)
		}

		name := disambiguate(ResolveDownloadName(rec.OriginalName, rec.ConvertedFormat, naming), rec.ID, used)
		used[name] = struct{}{}
		entries = append(entries, archive.Entry{Name: name, Data: data, Modified: rec.UpdatedAt})
	}
	return entries, nil
}

// WriteBundle writes the bundle as a zip to w. It reports domain.ErrNotFound
// when nothing is ready to download.
func (r *Registry) WriteBundle(ctx context.Context, w io.Writer) (int, error) {
	entries, err := r.Bundle(ctx)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: no converted files", domain.ErrNotFound)
	}
	if err := archive.WriteZip(w, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Remove deletes the record and both of its blobs.
func (r *Registry) Remove(ctx context.Context, id string) error {
	release, err := r.edits.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	r.dropBlob(ctx, rec.SourceKey)
	if rec.HasOutput() {
		r.dropBlob(ctx, rec.ConvertedKey)
	}
	r.logger.Printf("file removed file_id=%s", id)
	return nil
}

// Clear removes every record. It returns how many were removed.
func (r *Registry) Clear(ctx context.Context) (int, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range records {
		if err := r.Remove(ctx, rec.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Expire removes records not touched for longer than maxAge. A converting
// record also gets the convert timeout as grace, so only conversions that can
// no longer finish (a crashed worker, a lost task) are reclaimed.
func (r *Registry) Expire(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("%w: max age must be positive", domain.ErrInvalidRequest)
	}
	records, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-maxAge)
	stuckCutoff := cutoff.Add(-r.timeout)
	removed := 0
	for _, rec := range records {
		limit := cutoff
		if rec.Status == domain.StatusConverting {
			limit = stuckCutoff
		}
		if !rec.UpdatedAt.Before(limit) {
			continue
		}
		if err := r.Remove(ctx, rec.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		r.logger.Printf("expired files count=%d max_age=%s", removed, maxAge)
	}
	return removed, nil
}

func (r *Registry) Naming() domain.NamingConvention {
	r.namingMu.RLock()
	defer r.namingMu.RUnlock()
	return r.naming
}

func (r *Registry) SetNaming(nc domain.NamingConvention) error {
	if err := nc.Validate(); err != nil {
		return err
	}
	r.namingMu.Lock()
	r.naming = nc
	r.namingMu.Unlock()
	return nil
}

// update applies fn to a fresh copy of the record under the per-id edit lock
// and persists the result.
func (r *Registry) update(ctx context.Context, id string, fn func(*domain.FileRecord) error) (domain.FileRecord, error) {
	release, err := r.edits.Lock(ctx, id)
	if err != nil {
		return domain.FileRecord{}, err
	}
	defer release()

	rec, err := r.Get(ctx, id)
	if err != nil {
		return domain.FileRecord{}, err
	}
	if err := fn(&rec); err != nil {
		return domain.FileRecord{}, err
	}
	if err := r.store.Update(ctx, rec); err != nil {
		return domain.FileRecord{}, fmt.Errorf("update record: %w", err)
	}
	return rec, nil
}

func (r *Registry) dropBlob(ctx context.Context, key string) {
	if err := r.blobs.Delete(ctx, key); err != nil {
		r.logger.Printf("blob cleanup failed key=%s err=%v", key, err)
	}
}
