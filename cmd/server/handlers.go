package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tenderlens/speccheck"
	"github.com/tenderlens/speccheck/textload"
)

type handler struct {
	engine speccheck.Engine
}

func newHandler(e speccheck.Engine) *handler {
	return &handler{engine: e}
}

// POST /corpus
// Ingests a regulation document as a new generation. Accepts multipart file
// upload (fields: file, version) or JSON with a file path.
func (h *handler) handleIngestCorpus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	// Try multipart upload first
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			version := r.FormValue("version")
			if version == "" {
				writeError(w, http.StatusBadRequest, "version is required")
				return
			}

			doc, ok := loadUpload(w, file, header.Filename)
			if !ok {
				return
			}

			res, err := h.engine.IngestCorpus(ctx, doc, version)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "ingestion failed")
				slog.Error("ingest error", "version", version, "error", err)
				return
			}
			writeJSON(w, http.StatusOK, res)
			return
		}
	}

	// JSON body with path
	var req struct {
		Path    string `json:"path"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
		return
	}
	if req.Path == "" || req.Version == "" {
		writeError(w, http.StatusBadRequest, "path and version are required")
		return
	}

	doc, ok := loadPath(w, req.Path)
	if !ok {
		return
	}

	res, err := h.engine.IngestCorpus(ctx, doc, req.Version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		slog.Error("ingest error", "file", doc.Name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /review
// Reviews a tender document against a published generation. Accepts
// multipart upload (fields: file, version) or JSON with a file path. An
// empty version uses the latest published generation.
func (h *handler) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var (
		doc     speccheck.Document
		version string
		loaded  bool
	)

	if err := r.ParseMultipartForm(100 << 20); err == nil {
		if file, header, err := r.FormFile("file"); err == nil {
			defer file.Close()
			d, ok := loadUpload(w, file, header.Filename)
			if !ok {
				return
			}
			doc = d
			version = r.FormValue("version")
			loaded = true
		}
	}

	if !loaded {
		var req struct {
			Path    string `json:"path"`
			Version string `json:"version,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
			return
		}
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		d, ok := loadPath(w, req.Path)
		if !ok {
			return
		}
		doc = d
		version = req.Version
	}

	var opts []speccheck.ReviewOption
	if version != "" {
		opts = append(opts, speccheck.WithCorpusVersion(version))
	}

	rep, err := h.engine.ReviewDocument(ctx, doc, opts...)
	if err != nil {
		status := http.StatusInternalServerError
		msg := "review failed"
		switch {
		case errors.Is(err, speccheck.ErrCorpusNotFound):
			status, msg = http.StatusNotFound, "corpus generation not found"
		case errors.Is(err, speccheck.ErrCorpusNotPublished):
			status, msg = http.StatusConflict, "corpus generation not published"
		}
		writeError(w, status, msg)
		slog.Error("review error", "file", doc.Name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GET /runs
func (h *handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.engine.Store().ListReviewRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		slog.Error("list runs error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GET /runs/{id}/verdicts
func (h *handler) handleRunVerdicts(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	verdicts, err := h.engine.Store().VerdictsByRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load verdicts")
		slog.Error("run verdicts error", "run", runID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":   runID,
		"verdicts": verdicts,
	})
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Store().DBStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		slog.Error("stats error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// loadUpload spools an uploaded file to a unique temp path, extracts its
// text, and cleans up. The extension is preserved so format dispatch works.
func loadUpload(w http.ResponseWriter, file io.Reader, filename string) (speccheck.Document, bool) {
	tmpPath, cleanup, err := saveUpload(file, filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process file")
		slog.Error("saving uploaded file", "error", err)
		return speccheck.Document{}, false
	}
	defer cleanup()
	return loadText(w, tmpPath, filepath.Base(filename))
}

// loadPath validates a server-local path and extracts its text.
func loadPath(w http.ResponseWriter, path string) (speccheck.Document, bool) {
	absPath, ok := validateFilePath(w, path)
	if !ok {
		return speccheck.Document{}, false
	}
	return loadText(w, absPath, filepath.Base(absPath))
}

func loadText(w http.ResponseWriter, path, name string) (speccheck.Document, bool) {
	text, err := textload.Load(path)
	if err != nil {
		status := http.StatusInternalServerError
		msg := "failed to extract text"
		switch {
		case errors.Is(err, textload.ErrUnsupportedFormat):
			status, msg = http.StatusBadRequest, "unsupported document format"
		case errors.Is(err, textload.ErrNoText):
			status, msg = http.StatusBadRequest, "document contains no text"
		}
		writeError(w, status, msg)
		slog.Error("extracting text", "file", name, "error", err)
		return speccheck.Document{}, false
	}
	return speccheck.Document{Name: name, Text: text}, true
}

// saveUpload writes an uploaded file to a unique temp file so concurrent
// uploads sharing a filename cannot clobber each other. The original
// extension is kept for format dispatch.
func saveUpload(file io.Reader, filename string) (string, func(), error) {
	ext := filepath.Ext(filepath.Base(filename))
	dst, err := os.CreateTemp("", "speccheck-upload-*"+ext)
	if err != nil {
		return "", nil, err
	}
	tmpPath := dst.Name()
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", nil, err
	}
	dst.Close()
	return tmpPath, func() { os.Remove(tmpPath) }, nil
}

// validateFilePath rejects paths that are not existing regular files.
func validateFilePath(w http.ResponseWriter, path string) (string, bool) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return "", false
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return "", false
	}
	return absPath, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
