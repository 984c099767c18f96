package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/folio/internal/batch"
	"github.com/MeKo-Tech/folio/internal/version"
)

// Names inside a run's work directory.
const (
	documentName = "document.pdf"
	pagesDir     = "pages"
)

var pdfMagic = []byte("%PDF-")

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
	Runs    int    `json:"runs"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	runs := len(s.runs)
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Runs:    runs,
	})
}

// submitHandler accepts a multipart "document" field holding a PDF and
// queues a run for it.
func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeErrorResponse(w, fmt.Sprintf("document exceeds %d MB", s.cfg.MaxUploadMB), http.StatusRequestEntityTooLarge)
			return
		}
		s.writeErrorResponse(w, "failed to parse form data", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("document")
	if err != nil {
		s.writeErrorResponse(w, "no document provided", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(file, head); err != nil || !bytes.Equal(head, pdfMagic) {
		s.writeErrorResponse(w, "document is not a PDF", http.StatusUnsupportedMediaType)
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		s.writeErrorResponse(w, "failed to read document", http.StatusInternalServerError)
		return
	}
	s.metrics.uploadSizeBytes.Observe(float64(header.Size))

	id := uuid.NewString()
	dir := filepath.Join(s.cfg.WorkDir, id)
	documentPath, err := saveDocument(dir, file)
	if err != nil {
		s.logger.Error("failed to store document", "run_id", id, "error", err)
		s.writeErrorResponse(w, "failed to store document", http.StatusInternalServerError)
		return
	}

	run := newRunState(id, header.Filename, dir)
	s.register(run)
	s.start(run, documentPath, filepath.Join(dir, pagesDir))
	s.logger.Info("run queued", "run_id", id, "document", header.Filename, "bytes", header.Size)

	w.Header().Set("Location", "/runs/"+id)
	s.writeJSON(w, http.StatusAccepted, run.summary())
}

func saveDocument(dir string, src io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(dir, documentName)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", err
	}
	return path, dst.Close()
}

func (s *Server) listHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": s.list()})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(r.PathValue("id"))
	if !ok {
		s.writeErrorResponse(w, "run not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, run.summary())
}

// resultHandler renders a finished run in the format named by ?format=
// (json, yaml or text).
func (s *Server) resultHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(r.PathValue("id"))
	if !ok {
		s.writeErrorResponse(w, "run not found", http.StatusNotFound)
		return
	}
	set, report, status := run.result()
	switch status {
	case StatusDone:
	case StatusFailed:
		s.writeErrorResponse(w, "run failed: "+report.Error, http.StatusConflict)
		return
	default:
		s.writeErrorResponse(w, "run is still "+string(status), http.StatusConflict)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	res := &batch.Result{Set: set, Report: report}
	body, err := res.FormatResults(format)
	if err != nil {
		s.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json")
	case "yaml":
		w.Header().Set("Content-Type", "application/yaml")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	_, _ = io.WriteString(w, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeErrorResponse writes a JSON error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: message})
}
