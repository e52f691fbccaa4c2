// Package server exposes inference over HTTP.
//
//	GET  /health         liveness
//	GET  /models         catalog listing
//	GET  /models/{name}  one catalog entry
//	POST /inference      multipart upload, returns the full report
//
// The inference form carries one or more "files" parts plus the fields
// "model", "model_files" (repeatable), "run_mode", "name" and "options"
// (media options as JSON). Model files must be relative paths inside the
// configured model library. Artifacts in the response carry their bytes
// base64 encoded.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bdougie/vision/internal/analyzer"
	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/pipeline"
)

const defaultMaxUpload = 256 << 20

// Server serves the HTTP API
type Server struct {
	runner    *pipeline.Runner
	registry  *models.Registry
	logger    *slog.Logger
	maxUpload int64
	router    chi.Router
}

// New returns a server running jobs on runner. maxUpload bounds the
// request body in bytes; zero selects a default.
func New(runner *pipeline.Runner, maxUpload int64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	s := &Server{
		runner:    runner,
		registry:  runner.Registry,
		logger:    logger,
		maxUpload: maxUpload,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.health)
	r.Route("/models", func(r chi.Router) {
		r.Get("/", s.listModels)
		r.Get("/{name}", s.getModel)
	})
	r.Post("/inference", s.inference)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"elapsed", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.Model(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) inference(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	job, err := jobFromForm(r.MultipartForm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := s.runner.Run(r.Context(), job)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("inference failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
			err = errors.New("inference failed")
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func jobFromForm(form *multipart.Form) (pipeline.Job, error) {
	job := pipeline.Job{
		ModelName: formValue(form, "model"),
		RunMode:   analyzer.RunMode(formValue(form, "run_mode")),
		Name:      formValue(form, "name"),
	}
	for _, f := range form.Value["model_files"] {
		if err := checkModelFile(f); err != nil {
			return job, err
		}
		job.ModelFiles = append(job.ModelFiles, f)
	}
	if raw := formValue(form, "options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Options); err != nil {
			return job, fmt.Errorf("invalid options: %w", err)
		}
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		return job, errors.New("no files uploaded")
	}
	for _, fh := range headers {
		f, err := readPart(fh)
		if err != nil {
			return job, err
		}
		job.Files = append(job.Files, f)
	}
	return job, nil
}

// checkModelFile only admits paths that stay inside the model library
func checkModelFile(name string) error {
	switch {
	case name == "":
		return errors.New("empty model file")
	case strings.Contains(name, "://"),
		strings.HasPrefix(name, "/"),
		strings.Contains(name, "\\"),
		len(name) > 1 && name[1] == ':':
		return fmt.Errorf("model file %q must be relative to the model library", name)
	}
	if clean := path.Clean(name); clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("model file %q leaves the model library", name)
	}
	return nil
}

func readPart(fh *multipart.FileHeader) (media.File, error) {
	src, err := fh.Open()
	if err != nil {
		return media.File{}, fmt.Errorf("failed to open upload %q: %w", fh.Filename, err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return media.File{}, fmt.Errorf("failed to read upload %q: %w", fh.Filename, err)
	}
	// generic uploads are sniffed by the adapter instead
	mt := fh.Header.Get("Content-Type")
	if mt == "application/octet-stream" {
		mt = ""
	}
	return media.File{
		Name:     fh.Filename,
		MIMEType: mt,
		Data:     data,
	}, nil
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// statusFor maps task errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, media.ErrConfiguration),
		errors.Is(err, media.ErrUnsupportedKind),
		errors.Is(err, media.ErrDecode),
		errors.Is(err, models.ErrModelNotFound),
		errors.Is(err, models.ErrInvalidManifest),
		errors.Is(err, models.ErrUnsupportedModelInterface):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
