package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dunamismax/pixelconvert/internal/archive"
	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/dunamismax/pixelconvert/internal/registry"
	"github.com/dunamismax/pixelconvert/internal/storage"
	"github.com/dunamismax/pixelconvert/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type convertOptions struct {
	format   string
	quality  int
	crop     string
	width    int
	height   int
	outDir   string
	zipPath  string
	naming   string
	prefix   string
	suffix   string
	jobs     int
	progress bool
	verbose  bool
}

// fileOutcome is one input file's result, in argument order.
type fileOutcome struct {
	Path  string
	ID    string
	Bytes int64
	Err   string
}

type batchSummary struct {
	Files     []fileOutcome
	Converted int
	Failed    int
	Written   []string
	Bytes     int64
}

func newConvertCommand(logger *log.Logger, cfg config.Config) *cobra.Command {
	opts := convertOptions{}

	cmd := &cobra.Command{
		Use:   "convert [flags] FILE...",
		Short: "Convert image files into one target format",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.zipPath != "" && cmd.Flags().Changed("out") {
				return fmt.Errorf("--zip cannot be used with --out")
			}
			runLogger := log.New(io.Discard, "", 0)
			if opts.verbose {
				runLogger = logger
			}

			var updates chan progressUpdate
			uiDone := make(chan struct{})
			if opts.progress {
				updates = make(chan progressUpdate, len(args))
				program := tea.NewProgram(newProgressModel(updates, len(args)), tea.WithInput(nil), tea.WithOutput(cmd.ErrOrStderr()))
				go func() {
					_, _ = program.Run()
					close(uiDone)
				}()
			} else {
				close(uiDone)
			}

			summary, err := runConvert(cmd.Context(), runLogger, cfg, opts, args, updates)
			if updates != nil {
				close(updates)
			}
			<-uiDone
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderSummary(summary))
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d files failed", summary.Failed, len(summary.Files))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.format, "format", "f", "png", "target format: jpg, png, webp, gif, bmp, tiff (heic and heif write png)")
	flags.IntVarP(&opts.quality, "quality", "q", cfg.Convert.DefaultQuality, "quality 1-100; lossy formats use it directly, png maps it to a compression level")
	flags.StringVar(&opts.crop, "crop", "", "center crop to an aspect ratio W:H before resizing")
	flags.IntVar(&opts.width, "width", 0, "target width in pixels")
	flags.IntVar(&opts.height, "height", 0, "target height in pixels")
	flags.StringVarP(&opts.outDir, "out", "o", "converted", "directory for converted files")
	flags.StringVar(&opts.zipPath, "zip", "", "write every converted file into one zip archive instead of a directory")
	flags.StringVar(&opts.naming, "naming", string(cfg.Registry.Naming.Type), "output naming: preserve, prefix or suffix")
	flags.StringVar(&opts.prefix, "prefix", cfg.Registry.Naming.Prefix, "text prepended when --naming=prefix")
	flags.StringVar(&opts.suffix, "suffix", cfg.Registry.Naming.Suffix, "text appended when --naming=suffix")
	flags.IntVarP(&opts.jobs, "jobs", "j", cfg.Worker.Concurrency, "conversions to run in parallel")
	flags.BoolVar(&opts.progress, "progress", true, "show a progress bar on stderr")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log each conversion")
	return cmd
}

// runConvert pushes every file through an in-process registry backed by a
// temporary blob directory, then writes the bundle out.
func runConvert(ctx context.Context, logger *log.Logger, cfg config.Config, opts convertOptions, paths []string, updates chan<- progressUpdate) (batchSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	req := domain.ConvertRequest{TargetFormat: opts.format, Quality: opts.quality}
	if opts.crop != "" {
		req.Crop = &domain.CropRequest{AspectRatio: opts.crop}
	}
	if opts.width != 0 || opts.height != 0 {
		req.Resize = &domain.ResizeRequest{Width: opts.width, Height: opts.height}
	}
	convOpts, err := req.Options(domain.FormatPNG)
	if err != nil {
		return batchSummary{}, err
	}

	naming := domain.NamingConvention{Type: domain.NamingType(opts.naming), Prefix: opts.prefix, Suffix: opts.suffix}
	if err := naming.Validate(); err != nil {
		return batchSummary{}, err
	}

	tmp, err := os.MkdirTemp("", "pixelconvert-cli-*")
	if err != nil {
		return batchSummary{}, fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	blobs, err := storage.NewLocalBlobStore(tmp)
	if err != nil {
		return batchSummary{}, err
	}
	converter, err := pipeline.NewConverter(logger, pipeline.Config{
		Fallback:   cfg.Convert.Fallback,
		AutoOrient: cfg.Convert.AutoOrient,
	})
	if err != nil {
		return batchSummary{}, err
	}
	reg, err := registry.New(registry.Deps{
		Store:     store.NewMemoryRecordStore(),
		Blobs:     blobs,
		Converter: converter,
		Logger:    logger,
	}, registry.Config{Timeout: cfg.Convert.Timeout, Naming: naming})
	if err != nil {
		return batchSummary{}, err
	}

	policy := domain.UploadPolicy{MaxBytes: cfg.API.MaxUploadBytes()}
	summary := batchSummary{Files: make([]fileOutcome, len(paths))}
	notify := func(name string, failed bool) {
		if updates != nil {
			updates <- progressUpdate{Name: name, Failed: failed}
		}
	}

	for i, path := range paths {
		summary.Files[i] = fileOutcome{Path: path}
		id, err := register(ctx, reg, policy, path)
		if err != nil {
			summary.Files[i].Err = err.Error()
			notify(filepath.Base(path), true)
			continue
		}
		summary.Files[i].ID = id
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.jobs))
	for i := range summary.Files {
		outcome := &summary.Files[i]
		if outcome.ID == "" {
			continue
		}
		g.Go(func() error {
			_, res, err := reg.Convert(gctx, outcome.ID, convOpts)
			if err != nil {
				return fmt.Errorf("convert %s: %w", outcome.Path, err)
			}
			if res.Success {
				outcome.Bytes = res.Size
			} else {
				outcome.Err = res.Error
			}
			notify(filepath.Base(outcome.Path), !res.Success)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return batchSummary{}, err
	}

	for _, outcome := range summary.Files {
		if outcome.Err != "" {
			summary.Failed++
			continue
		}
		summary.Converted++
		summary.Bytes += outcome.Bytes
	}

	entries, err := reg.Bundle(ctx)
	if err != nil {
		return batchSummary{}, err
	}
	if len(entries) == 0 {
		return summary, nil
	}
	if opts.zipPath != "" {
		if err := writeArchive(opts.zipPath, entries); err != nil {
			return batchSummary{}, err
		}
		summary.Written = []string{opts.zipPath}
		return summary, nil
	}
	written, err := writeEntries(opts.outDir, entries)
	if err != nil {
		return batchSummary{}, err
	}
	summary.Written = written
	return summary, nil
}

func register(ctx context.Context, reg *registry.Registry, policy domain.UploadPolicy, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", domain.ErrUnsupportedUpload, path)
	}
	name := filepath.Base(path)
	if err := policy.Check(name, info.Size()); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	rec, err := reg.Create(ctx, registry.Upload{Name: name, Data: data})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func writeArchive(path string, entries []archive.Entry) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	return archive.WriteZip(f, entries)
}

// writeEntries refuses to overwrite existing files.
func writeEntries(dir string, entries []archive.Entry) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	written := make([]string, 0, len(entries))
	for _, entry := range entries {
		target := filepath.Join(dir, entry.Name)
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return written, fmt.Errorf("%s already exists", target)
			}
			return written, err
		}
		_, writeErr := f.Write(entry.Data)
		closeErr := f.Close()
		if err := errors.Join(writeErr, closeErr); err != nil {
			return written, fmt.Errorf("write %s: %w", target, err)
		}
		written = append(written, target)
	}
	return written, nil
}
