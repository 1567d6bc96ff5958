// Package server exposes analysis jobs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/bollarder/Maltcha-sub000/analysis"
)

const DefaultMaxUploadBytes int64 = 50 << 20

// Submitter starts analysis jobs. *analysis.Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, req analysis.SubmitRequest) (analysis.Job, error)
}

type Options struct {
	Port           int
	MaxUploadBytes int64
	Logger         *zerolog.Logger
}

type Server struct {
	submitter Submitter
	store     analysis.JobStore
	router    chi.Router
	port      int
	maxUpload int64
	logger    *zerolog.Logger
}

func NewServer(sub Submitter, store analysis.JobStore, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	srv := &Server{
		submitter: sub,
		store:     store,
		port:      opts.Port,
		maxUpload: maxUpload,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(srv.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Post("/analyses", srv.handleCreateAnalysis)
		r.Get("/analyses/{jobID}", srv.handleGetAnalysis)
	})

	srv.router = r
	return srv
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("starting HTTP API")
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "insight-server",
	})
}

type createAnalysisBody struct {
	Content                string   `json:"content"`
	FileName               string   `json:"file_name"`
	PrimaryRelationship    string   `json:"primary_relationship"`
	SecondaryRelationships []string `json:"secondary_relationships"`
	UserPurpose            string   `json:"user_purpose"`
}

func (s *Server) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	req, err := s.decodeSubmission(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	job, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, analysis.ErrMissingContent) || errors.Is(err, analysis.ErrMissingPurpose) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error().Err(err).Msg("submit analysis failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     job.ID,
		"status": job.Status,
	})
}

// decodeSubmission accepts either a JSON body or a multipart upload with a "file" part.
func (s *Server) decodeSubmission(r *http.Request) (analysis.SubmitRequest, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(s.maxUpload); err != nil {
			return analysis.SubmitRequest{}, fmt.Errorf("invalid multipart form: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return analysis.SubmitRequest{}, fmt.Errorf("file is required: %w", err)
		}
		defer file.Close()
		b, err := io.ReadAll(file)
		if err != nil {
			return analysis.SubmitRequest{}, fmt.Errorf("read upload: %w", err)
		}
		return analysis.SubmitRequest{
			Content:                string(b),
			FileName:               header.Filename,
			FileSize:               header.Size,
			PrimaryRelationship:    r.FormValue("primary_relationship"),
			SecondaryRelationships: splitList(r.MultipartForm.Value["secondary_relationships"]),
			UserPurpose:            r.FormValue("user_purpose"),
		}, nil
	}

	var body createAnalysisBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return analysis.SubmitRequest{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	return analysis.SubmitRequest{
		Content:                body.Content,
		FileName:               body.FileName,
		PrimaryRelationship:    body.PrimaryRelationship,
		SecondaryRelationships: splitList(body.SecondaryRelationships),
		UserPurpose:            body.UserPurpose,
	}, nil
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, ok, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("get job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "analysis not found"})
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// splitList flattens repeated and comma-separated values, dropping blanks.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
