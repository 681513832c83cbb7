package app

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/registry"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.API.DispatchMode = config.DispatchInline
	cfg.Convert.Fallback = "std"
	cfg.Storage.Backend = config.BlobLocal
	cfg.Storage.LocalDir = t.TempDir()
	cfg.Registry.Backend = config.BackendMemory
	cfg.Registry.Naming = domain.DefaultNaming()
	return cfg
}

func TestOpenMemoryRuntime(t *testing.T) {
	rt, err := Open(context.Background(), testConfig(t), log.New(io.Discard, "", 0), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec, err := rt.Registry.Create(context.Background(), registry.Upload{Name: "a.png", Data: buf.Bytes()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != domain.StatusWaiting {
		t.Fatalf("expected waiting, got %s", rec.Status)
	}
}

func TestOpenBadgerRuntime(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.Backend = config.BackendBadger
	cfg.Registry.BadgerDir = filepath.Join(t.TempDir(), "records")

	rt, err := Open(context.Background(), cfg, log.New(io.Discard, "", 0), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenRejectsUnknownBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.Backend = "sqlite"
	if _, err := Open(context.Background(), cfg, log.New(io.Discard, "", 0), Options{}); err == nil {
		t.Fatal("expected error for unknown registry backend")
	}

	cfg = testConfig(t)
	cfg.Storage.Backend = "ftp"
	if _, err := Open(context.Background(), cfg, log.New(io.Discard, "", 0), Options{}); err == nil {
		t.Fatal("expected error for unknown blob backend")
	}
}
