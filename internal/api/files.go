package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelconvert/internal/archive"
	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/queue"
	"github.com/dunamismax/pixelconvert/internal/registry"
)

const bundleName = "converted-images.zip"

// fileView is the presentation shape of a record. Storage keys stay internal.
type fileView struct {
	ID            string        `json:"id"`
	OriginalName  string        `json:"original_name"`
	OriginalSize  int64         `json:"original_size"`
	TargetFormat  domain.Format `json:"target_format"`
	Status        domain.Status `json:"status"`
	ConvertedSize int64         `json:"converted_size,omitempty"`
	DownloadName  string        `json:"download_name,omitempty"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (s *Server) view(rec domain.FileRecord, naming domain.NamingConvention) fileView {
	v := fileView{
		ID:            rec.ID,
		OriginalName:  rec.OriginalName,
		OriginalSize:  rec.OriginalSize,
		TargetFormat:  rec.TargetFormat,
		Status:        rec.Status,
		ConvertedSize: rec.ConvertedSize,
		Error:         rec.Error,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.HasOutput() {
		v.DownloadName = registry.ResolveDownloadName(rec.OriginalName, rec.ConvertedFormat, naming)
	}
	return v
}

type uploadResult struct {
	Success  bool   `json:"success"`
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename"`
	Size     int64  `json:"size,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.policy.MaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.policy.MaxBytes*maxFilesPerUpload+maxBodyBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, "upload files", fmt.Errorf("%w: request body over %s", domain.ErrTooLarge, domain.FormatLimit(tooLarge.Limit)))
			return
		}
		s.writeError(w, "upload files", fmt.Errorf("%w: invalid multipart body: %v", domain.ErrInvalidRequest, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.writeError(w, "upload files", fmt.Errorf("%w: no files provided", domain.ErrInvalidRequest))
		return
	}
	if len(headers) > maxFilesPerUpload {
		s.writeError(w, "upload files", fmt.Errorf("%w: at most %d files per request", domain.ErrInvalidRequest, maxFilesPerUpload))
		return
	}

	results := make([]uploadResult, 0, len(headers))
	accepted := 0
	for _, fh := range headers {
		res := s.acceptUpload(r.Context(), fh)
		if res.Success {
			accepted++
		}
		results = append(results, res)
	}
	s.logger.Printf("upload handled files=%d accepted=%d", len(headers), accepted)

	writeJSON(w, http.StatusOK, map[string]any{
		"files":    results,
		"accepted": accepted,
	})
}

func (s *Server) acceptUpload(ctx context.Context, fh *multipart.FileHeader) uploadResult {
	res := uploadResult{Filename: fh.Filename}
	if err := s.policy.Check(fh.Filename, fh.Size); err != nil {
		res.Error = err.Error()
		return res
	}

	f, err := fh.Open()
	if err != nil {
		res.Error = "could not read upload"
		return res
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		res.Error = "could not read upload"
		return res
	}

	rec, err := s.registry.Create(ctx, registry.Upload{Name: fh.Filename, Data: data})
	if err != nil {
		s.logger.Printf("create file failed filename=%s err=%v", fh.Filename, err)
		res.Error = "failed to store upload"
		return res
	}
	res.Success = true
	res.ID = rec.ID
	res.Size = rec.OriginalSize
	return res
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, "list files", err)
		return
	}
	naming := s.registry.Naming()
	views := make([]fileView, 0, len(records))
	for _, rec := range records {
		views = append(views, s.view(rec, naming))
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": views, "naming": naming})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "load file", err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec, s.registry.Naming()))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, "remove file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	removed, err := s.registry.Clear(r.Context())
	if err != nil {
		s.writeError(w, "clear files", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleSetFormat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetFormat string `json:"target_format"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "set format", err)
		return
	}
	rec, err := s.registry.SetTargetFormat(r.Context(), r.PathValue("id"), req.TargetFormat)
	if err != nil {
		s.writeError(w, "set format", err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec, s.registry.Naming()))
}

type convertResponse struct {
	Success          bool          `json:"success"`
	File             fileView      `json:"file"`
	Format           domain.Format `json:"format,omitempty"`
	Size             int64         `json:"size,omitempty"`
	Width            int           `json:"width,omitempty"`
	Height           int           `json:"height,omitempty"`
	CompressionLevel int           `json:"compression_level,omitempty"`
	Error            string        `json:"error,omitempty"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req domain.ConvertRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeError(w, "convert file", err)
		return
	}

	if req.Quality == 0 {
		req.Quality = s.quality
	}

	rec, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, "convert file", err)
		return
	}
	opts, err := req.Options(rec.TargetFormat)
	if err != nil {
		s.writeError(w, "convert file", err)
		return
	}

	if s.dispatchMode == config.DispatchQueue {
		req.TargetFormat = string(opts.Format)
		s.enqueueConvert(w, r, id, req)
		return
	}

	rec, res, err := s.registry.Convert(r.Context(), id, opts)
	if err != nil {
		s.writeError(w, "convert file", err)
		return
	}
	writeJSON(w, http.StatusOK, convertResponse{
		Success:          res.Success,
		File:             s.view(rec, s.registry.Naming()),
		Format:           res.Format,
		Size:             res.Size,
		Width:            res.Width,
		Height:           res.Height,
		CompressionLevel: res.CompressionLevel,
		Error:            res.Error,
	})
}

func (s *Server) enqueueConvert(w http.ResponseWriter, r *http.Request, id string, req domain.ConvertRequest) {
	rec, err := s.registry.MarkConverting(r.Context(), id)
	if err != nil {
		s.writeError(w, "queue conversion", err)
		return
	}

	taskInfo, err := s.queueClient.EnqueueConvert(r.Context(), queue.ConvertFilePayload{
		FileID:      id,
		Request:     req,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Printf("enqueue failed file_id=%s err=%v", id, err)
		if _, failErr := s.registry.Fail(context.WithoutCancel(r.Context()), id, "could not queue conversion"); failErr != nil {
			s.logger.Printf("mark failed file_id=%s err=%v", id, failErr)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue conversion"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"file":    s.view(rec, s.registry.Naming()),
		"queue":   taskInfo.Queue,
		"task_id": taskInfo.ID,
		"state":   taskInfo.State.String(),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	dl, err := s.registry.Download(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "download file", err)
		return
	}
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dl.Data)
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	entries, err := s.registry.Bundle(r.Context())
	if err != nil {
		s.writeError(w, "build bundle", err)
		return
	}
	if len(entries) == 0 {
		s.writeError(w, "build bundle", fmt.Errorf("%w: no converted files to download", domain.ErrNotFound))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": bundleName}))
	w.WriteHeader(http.StatusOK)
	if err := archive.WriteZip(w, entries); err != nil {
		s.logger.Printf("bundle write failed entries=%d err=%v", len(entries), err)
	}
}

func (s *Server) handleGetNaming(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Naming())
}

func (s *Server) handleSetNaming(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type   string  `json:"type"`
		Prefix *string `json:"prefix"`
		Suffix *string `json:"suffix"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "set naming", err)
		return
	}

	// Omitted text fields keep their current value.
	naming := s.registry.Naming()
	if req.Type != "" {
		naming.Type = domain.NamingType(strings.ToLower(strings.TrimSpace(req.Type)))
	}
	if req.Prefix != nil {
		naming.Prefix = *req.Prefix
	}
	if req.Suffix != nil {
		naming.Suffix = *req.Suffix
	}
	if err := s.registry.SetNaming(naming); err != nil {
		s.writeError(w, "set naming", err)
		return
	}
	writeJSON(w, http.StatusOK, naming)
}
