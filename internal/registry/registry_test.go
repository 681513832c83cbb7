package registry

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/dunamismax/pixelconvert/internal/storage"
	"github.com/dunamismax/pixelconvert/internal/store"
	"github.com/klauspost/compress/zip"
)

type testEnv struct {
	reg   *Registry
	blobs *storage.LocalBlobStore
	obs   *countingObserver
}

func newTestEnv(t *testing.T, conv Converter, timeout time.Duration) testEnv {
	t.Helper()

	if conv == nil {
		c, err := pipeline.NewConverter(log.New(io.Discard, "", 0), pipeline.Config{Fallback: pipeline.FallbackStd})
		if err != nil {
			t.Fatalf("new converter: %v", err)
		}
		conv = c
	}
	blobs, err := storage.NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	obs := &countingObserver{}
	reg, err := New(Deps{
		Store:     store.NewMemoryRecordStore(),
		Blobs:     blobs,
		Converter: conv,
		Observer:  obs,
	}, Config{Timeout: timeout})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return testEnv{reg: reg, blobs: blobs, obs: obs}
}

type countingObserver struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (o *countingObserver) ConversionFinished(_ domain.Format, res pipeline.Result, _ int64, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if res.Success {
		o.successes++
	} else {
		o.failures++
	}
}

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode sample: %v", err)
	}
	return buf.Bytes()
}

func TestConvertLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, time.Minute)

	rec, err := env.reg.Create(ctx, Upload{Name: "holiday.png", Data: samplePNG(t, 64, 48)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != domain.StatusWaiting || rec.TargetFormat != domain.FormatPNG {
		t.Fatalf("unexpected new record: %+v", rec)
	}

	rec, err = env.reg.SetTargetFormat(ctx, rec.ID, "jpeg")
	if err != nil {
		t.Fatalf("set target format: %v", err)
	}
	if rec.TargetFormat != domain.FormatJPG {
		t.Fatalf("expected JPG, got %s", rec.TargetFormat)
	}

	rec, res, err := env.reg.Convert(ctx, rec.ID, domain.ConvertOptions{Format: domain.FormatJPG, Quality: 80, Resize: &domain.ResizeSpec{Width: 32}})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !res.Success || rec.Status != domain.StatusDone {
		t.Fatalf("expected done, got status=%s err=%s", rec.Status, res.Error)
	}
	if rec.ConvertedExtension != "jpg" || rec.ConvertedSize != res.Size || rec.ConvertedKey == "" {
		t.Fatalf("converted fields not populated: %+v", rec)
	}

	dl, err := env.reg.Download(ctx, rec.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if dl.Name != "holiday_converted.jpg" || dl.ContentType != "image/jpeg" {
		t.Fatalf("unexpected download: name=%s type=%s", dl.Name, dl.ContentType)
	}

	firstKey := rec.ConvertedKey
	rec, res, err = env.reg.Convert(ctx, rec.ID, domain.ConvertOptions{Format: domain.FormatPNG, Quality: 100})
	if err != nil || !res.Success {
		t.Fatalf("reconvert: err=%v result=%s", err, res.Error)
	}
	if rec.ConvertedKey != firstKey {
		t.Fatalf("expected converted output to be replaced in place, got %s vs %s", rec.ConvertedKey, firstKey)
	}
	dl, err = env.reg.Download(ctx, rec.ID)
	if err != nil {
		t.Fatalf("download after reconvert: %v", err)
	}
	if pipeline.Sniff(dl.Data) != pipeline.KindPNG || dl.Name != "holiday_converted.png" {
		t.Fatalf("expected png download, got %s named %s", pipeline.Sniff(dl.Data), dl.Name)
	}
	if env.obs.successes != 2 {
		t.Fatalf("expected 2 observed successes, got %d", env.obs.successes)
	}
}

func TestFailedConversionKeepsPriorOutput(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, time.Minute)

	rec, err := env.reg.Create(ctx, Upload{Name: "wide.png", Data: samplePNG(t, 40, 4)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, res, err := env.reg.Convert(ctx, rec.ID, domain.ConvertOptions{Format: domain.FormatWEBP, Quality: 90}); err != nil || !res.Success {
		t.Fatalf("first convert: err=%v result=%s", err, res.Error)
	}

	rec, res, err := env.reg.Convert(ctx, rec.ID, domain.ConvertOptions{Format: domain.FormatPNG, Crop: &domain.CropSpec{W: 1, H: 100}})
	if err != nil {
		t.Fatalf("second convert returned infrastructure error: %v", err)
	}
	if res.Success || !errors.Is(res.Err, domain.ErrInvalidGeometry) {
		t.Fatalf("expected invalid geometry, got %+v", res.Err)
	}
	if rec.Status != domain.StatusError || rec.Error == "" {
		t.Fatalf("expected error status with reason, got %s %q", rec.Status, rec.Error)
	}
	if rec.ConvertedFormat != domain.FormatWEBP || !rec.HasOutput() {
		t.Fatalf("expected prior webp output to stay attached: %+v", rec)
	}

	dl, err := env.reg.Download(ctx, rec.ID)
	if err != nil {
		t.Fatalf("download prior output: %v", err)
	}
	if dl.Name != "wide_converted.webp" {
		t.Fatalf("unexpected download name %s", dl.Name)
	}

	entries, err := env.reg.Bundle(ctx)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected errored record to be left out of the bundle, got %d entries", len(entries))
	}
	if env.obs.failures != 1 {
		t.Fatalf("expected 1 observed failure, got %d", env.obs.failures)
	}

	rec, res, err = env.reg.Convert(ctx, rec.ID, domain.ConvertOptions{Format: domain.FormatGIF})
	if err != nil || !res.Success || rec.Status != domain.StatusDone || rec.Error != "" {
		t.Fatalf("expected retry from error to succeed: err=%v res=%s rec=%+v", err, res.Error, rec)
	}
}

func TestHEICRequestDownloadsAsPNG(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, time.Minute)

	// Content is classified by signature, so PNG bytes under a .heic name decode natively.
	rec, err := env.reg.Create(ctx, Upload{Name: "photo.heic", Data: samplePNG(t, 10, 10)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, res, err := env.reg.Convert(ctx, rec.ID, domain.ConvertOptions{Format: domain.FormatHEIC, Quality: 92})
	if err != nil || !res.Success {
		t.Fatalf("convert: err=%v result=%s", err, res.Error)
	}
	if res.Extension != "png" || res.ContentType != "image/png" {
		t.Fatalf("expected png result, got %s %s", res.Extension, res.ContentType)
	}

	dl, err := env.reg.Download(ctx, rec.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if dl.Name != "photo_converted.png" || dl.ContentType != "image/png" {
		t.Fatalf("unexpected download %s %s", dl.Name, dl.ContentType)
	}
}

func TestTIFFDownloadKeepsTifSpelling(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, time.Minute)
	if err := env.reg.SetNaming(domain.NamingConvention{Type: domain.NamingPreserve}); err != nil {
		t.Fatalf("set naming: %v", err)
	}

	tif, err := env.reg.Create(ctx, Upload{Name: "a.tif", Data: samplePNG(t, 8, 8)})
	if err != nil {
		t.Fatalf("create a.tif: %v", err)
	}
	pngRec, err := env.reg.Create(ctx, Upload{Name: "b.png", Data: samplePNG(t, 8, 8)})
	if err != nil {
		t.Fatalf("create b.png: %v", err)
	}

	for _, id := range []string{tif.ID, pngRec.ID} {
		if _, res, err := env.reg.Convert(ctx, id, domain.ConvertOptions{Format: domain.FormatTIFF}); err != nil || !res.Success {
			t.Fatalf("convert %s: err=%v result=%s", id, err, res.Error)
		}
	}

	a, err := env.reg.Download(ctx, tif.ID)
	if err != nil {
		t.Fatalf("download a: %v", err)
	}
	b, err := env.reg.Download(ctx, pngRec.ID)
	if err != nil {
		t.Fatalf("download b: %v", err)
	}
	if a.Name != "a.tif" || b.Name != "b.tiff" {
		t.Fatalf("expected a.tif and b.tiff, got %s and %s", a.Name, b.Name)
	}
}

func TestBundleDisambiguatesCollidingNames(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, time.Minute)
	if err := env.reg.SetNaming(domain.NamingConvention{Type: domain.NamingPrefix, Prefix: "converted_"}); err != nil {
		t.Fatalf("set naming: %v", err)
	}

	var ids []string
	for _, name := range []string{"photo.jpg", "photo.webp", "other.png"} {
		rec, err := env.reg.Create(ctx, Upload{Name: name, Data: samplePNG(t, 6, 6)})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, res, err := env.reg.Convert(ctx, rec.ID, domain.ConvertOptions{Format: domain.FormatPNG}); err != nil || !res.Success {
			t.Fatalf("convert %s: err=%v result=%s", name, err, res.Error)
		}
		ids = append(ids, rec.ID)
	}
	waiting, err := env.reg.Create(ctx, Upload{Name: "pending.png", Data: samplePNG(t, 6, 6)})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	var buf bytes.Buffer
	n, err := env.reg.WriteBundle(ctx, &buf)
	if err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 bundled files, got %d", n)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"converted_photo.png", "converted_photo_" + ids[1] + ".png", "converted_other.png"} {
		if !names[want] {
			t.Fatalf("expected bundle entry %s, got %v", want, names)
		}
	}
	if names["converted_pending.png"] {
		t.Fatalf("waiting record %s should not be bundled", waiting.ID)
	}
}

func TestWriteBundleWithNothingDone(t *testing.T) {
	env := newTestEnv(t, nil, time.Minute)
	if _, err := env.reg.WriteBundle(context.Background(), io.Discard); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTargetFormatLockedWhileConverting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, time.Minute)

	rec, err := env.reg.Create(ctx, Upload{Name: "q.png", Data: samplePNG(t, 4, 4)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.reg.MarkConverting(ctx, rec.ID); err != nil {
		t.Fatalf("mark converting: %v", err)
	}
	if _, err := env.reg.SetTargetFormat(ctx, rec.ID, "GIF"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	rec, err = env.reg.Fail(ctx, rec.ID, "queue unavailable")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if rec.Status != domain.StatusError || rec.Error != "queue unavailable" {
		t.Fatalf("unexpected failed record: %+v", rec)
	}
	if _, err := env.reg.SetTargetFormat(ctx, rec.ID, "GIF"); err != nil {
		t.Fatalf("format change from error: %v", err)
	}
	if _, err := env.reg.SetTargetFormat(ctx, rec.ID, "AVIF"); !errors.Is(err, domain.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestUnknownIDsReportNotFound(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, time.Minute)

	if _, err := env.reg.Get(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get: expected not found, got %v", err)
	}
	if _, err := env.reg.Download(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("download: expected not found, got %v", err)
	}
	if err := env.reg.Remove(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("remove: expected not found, got %v", err)
	}
	if _, err := env.reg.SetTargetFormat(ctx, "nope", "PNG"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("set format: expected not found, got %v", err)
	}
	if _, _, err := env.reg.Convert(ctx, "nope", domain.ConvertOptions{Format: domain.FormatPNG}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("convert: expected not found, got %v", err)
	}

	rec, err := env.reg.Create(ctx, Upload{Name: "fresh.png", Data: samplePNG(t, 4, 4)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.reg.Download(ctx, rec.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("download before conversion: expected not found, got %v", err)
	}
}

type slowConverter struct {
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (c *slowConverter) Convert(_ context.Context, source []byte, _ string, opts domain.ConvertOptions) pipeline.Result {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(c.delay)
	return pipeline.Result{
		Success:     true,
		Data:        source,
		Size:        int64(len(source)),
		Format:      opts.Format,
		Extension:   opts.Format.Extension(),
		ContentType: opts.Format.ContentType(),
	}
}

func TestConvertSerializesSameID(t *testing.T) {
	ctx := context.Background()
	conv := &slowConverter{delay: 20 * time.Millisecond}
	env := newTestEnv(t, conv, time.Minute)

	rec, err := env.reg.Create(ctx, Upload{Name: "busy.png", Data: []byte("bytes")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, err := env.reg.Create(ctx, Upload{Name: "other.png", Data: []byte("bytes")})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, res, err := env.reg.Convert(ctx, rec.ID, domain.ConvertOptions{Format: domain.FormatPNG}); err != nil || !res.Success {
				t.Errorf("convert: err=%v res=%s", err, res.Error)
			}
		}()
	}
	wg.Wait()

	if conv.maxSeen.Load() != 1 {
		t.Fatalf("expected same-id conversions to run one at a time, saw %d", conv.maxSeen.Load())
	}

	conv.maxSeen.Store(0)
	wg.Add(2)
	for _, id := range []string{rec.ID, other.ID} {
		go func(id string) {
			defer wg.Done()
			if _, _, err := env.reg.Convert(ctx, id, domain.ConvertOptions{Format: domain.FormatPNG}); err != nil {
				t.Errorf("convert %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	if conv.maxSeen.Load() != 2 {
		t.Fatalf("expected different ids to convert in parallel, saw %d", conv.maxSeen.Load())
	}
}

func TestConvertTimeoutMarksError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &slowConverter{delay: 300 * time.Millisecond}, 20*time.Millisecond)

	rec, err := env.reg.Create(ctx, Upload{Name: "slow.png", Data: []byte("bytes")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, res, err := env.reg.Convert(ctx, rec.ID, domain.ConvertOptions{Format: domain.FormatPNG})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.Success || !errors.Is(res.Err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %+v", res.Err)
	}
	if rec.Status != domain.StatusError || rec.HasOutput() {
		t.Fatalf("expected error state without output, got %+v", rec)
	}
}

func TestRemoveClearAndExpire(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.reg.now = func() time.Time { return clock }

	old, err := env.reg.Create(ctx, Upload{Name: "old.png", Data: samplePNG(t, 4, 4)})
	if err != nil {
		t.Fatalf("create old: %v", err)
	}
	if _, res, err := env.reg.Convert(ctx, old.ID, domain.ConvertOptions{Format: domain.FormatBMP}); err != nil || !res.Success {
		t.Fatalf("convert old: err=%v res=%s", err, res.Error)
	}

	clock = clock.Add(90 * time.Minute)
	fresh, err := env.reg.Create(ctx, Upload{Name: "fresh.png", Data: samplePNG(t, 4, 4)})
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	removed, err := env.reg.Expire(ctx, time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired record, got %d", removed)
	}
	if _, err := env.reg.Get(ctx, old.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected old record gone, got %v", err)
	}
	for _, key := range []string{sourcePrefix + old.ID, convertedPrefix + old.ID} {
		if ok, _ := env.blobs.Exists(ctx, key); ok {
			t.Fatalf("expected blob %s to be deleted", key)
		}
	}

	if _, err := env.reg.Create(ctx, Upload{Name: "third.png", Data: samplePNG(t, 4, 4)}); err != nil {
		t.Fatalf("create third: %v", err)
	}
	if err := env.reg.Remove(ctx, fresh.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	cleared, err := env.reg.Clear(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared record, got %d", cleared)
	}
	listed, err := env.reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected empty registry, got %d records", len(listed))
	}
}

func TestExpireReclaimsStuckConversions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.reg.now = func() time.Time { return clock }

	stuck, err := env.reg.Create(ctx, Upload{Name: "stuck.png", Data: samplePNG(t, 4, 4)})
	if err != nil {
		t.Fatalf("create stuck: %v", err)
	}
	if _, err := env.reg.MarkConverting(ctx, stuck.ID); err != nil {
		t.Fatalf("mark stuck: %v", err)
	}

	clock = clock.Add(30 * time.Second)
	recent, err := env.reg.Create(ctx, Upload{Name: "recent.png", Data: samplePNG(t, 4, 4)})
	if err != nil {
		t.Fatalf("create recent: %v", err)
	}
	if _, err := env.reg.MarkConverting(ctx, recent.ID); err != nil {
		t.Fatalf("mark recent: %v", err)
	}

	// Past max age for both, but only the first is past max age plus the
	// one minute convert timeout.
	clock = clock.Add(time.Hour + 45*time.Second)
	removed, err := env.reg.Expire(ctx, time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired record, got %d", removed)
	}
	if _, err := env.reg.Get(ctx, stuck.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected stuck record gone, got %v", err)
	}
	if ok, _ := env.blobs.Exists(ctx, sourcePrefix+stuck.ID); ok {
		t.Fatalf("expected stuck source blob deleted")
	}
	rec, err := env.reg.Get(ctx, recent.ID)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if rec.Status != domain.StatusConverting {
		t.Fatalf("expected recent record still converting, got %s", rec.Status)
	}
}

func TestSetNamingValidates(t *testing.T) {
	env := newTestEnv(t, nil, time.Minute)
	if err := env.reg.SetNaming(domain.NamingConvention{Type: "reverse"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if env.reg.Naming() != domain.DefaultNaming() {
		t.Fatalf("expected naming to stay at default, got %+v", env.reg.Naming())
	}
}
