// Package server exposes the detection pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pithecene-io/spotter/log"
	"github.com/pithecene-io/spotter/metrics"
	"github.com/pithecene-io/spotter/runtime"
	"github.com/pithecene-io/spotter/types"
)

// Defaults for Config.
const (
	DefaultListen            = ":5000"
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
)

// HeaderRequestID carries the request identifier in both directions.
const HeaderRequestID = "X-Request-ID"

// multipartOverhead is the slack allowed above the upload limit for
// multipart boundaries and part headers.
const multipartOverhead = 1 << 20

// Config configures the HTTP boundary.
type Config struct {
	// Listen is the TCP address to bind.
	Listen string
	// MaxUploadBytes caps the upload part. Zero means unlimited.
	MaxUploadBytes int64
	// ShutdownTimeout bounds draining in-flight requests on shutdown.
	ShutdownTimeout time.Duration
}

// Server serves the detection routes.
type Server struct {
	config    Config
	pipeline  *runtime.Orchestrator
	collector *metrics.Collector
	logger    *log.Logger
}

// New creates a server over a ready orchestrator.
func New(cfg Config, pipeline *runtime.Orchestrator, collector *metrics.Collector, logger *log.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Server{
		config:    cfg,
		pipeline:  pipeline,
		collector: collector,
		logger:    logger,
	}
}

// Handler returns the routed handler with CORS and access logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /detect-image", s.detect(types.MediaImage))
	mux.HandleFunc("POST /detect-video", s.detect(types.MediaVideo))
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /stats", s.stats)
	return cors(s.accessLog(mux))
}

// Serve accepts connections on ln until ctx is canceled, then drains
// in-flight requests and pending report writes and notifications for at
// most ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("server listening", map[string]any{
		"addr":    ln.Addr().String(),
		"version": types.Version,
	})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down", map[string]any{
		"timeout": s.config.ShutdownTimeout.String(),
	})
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errCh
	if err := s.pipeline.Drain(shutdownCtx); err != nil {
		return fmt.Errorf("drain side effects: %w", err)
	}
	return nil
}

// ListenAndServe binds Config.Listen and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) detect(kind types.MediaKind) http.HandlerFunc {
	field := string(kind)
	missing := fmt.Sprintf("No %s file uploaded", kind)

	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+multipartOverhead)
		}

		part, err := findPart(r, field)
		if err != nil {
			if isTooLarge(err) {
				s.writeTooLarge(w)
				return
			}
			respondError(w, http.StatusBadRequest, &types.ErrorResponse{
				Error: missing,
				Kind:  types.KindInvalidUpload,
			})
			return
		}
		defer func() { _ = part.Close() }()

		res := s.pipeline.Process(r.Context(), &runtime.Upload{
			Body:         part,
			Kind:         kind,
			OriginalName: part.FileName(),
			MIME:         part.Header.Get("Content-Type"),
			RequestID:    r.Header.Get(HeaderRequestID),
		})
		defer func() { _ = res.Close() }()

		w.Header().Set(HeaderRequestID, res.Meta.RequestID)

		if !res.Succeeded() {
			if isTooLarge(res.Err) {
				s.writeTooLarge(w)
				return
			}
			respondError(w, runtime.HTTPStatusFor(res.Error.Kind), res.Error)
			return
		}

		if res.Payload.Inline != nil {
			respondJSON(w, http.StatusOK, map[string]string{
				"message":                kind.Title() + " detection completed!",
				res.Payload.Inline.Field: res.Payload.Inline.DataURI(),
			})
			return
		}
		s.stream(w, res)
	}
}

// findPart advances the multipart body to the named field. Parts before it
// are discarded unread.
func findPart(r *http.Request, field string) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == field {
			return part, nil
		}
		_ = part.Close()
	}
}

func (s *Server) stream(w http.ResponseWriter, res *runtime.Result) {
	file := res.Payload.Streamed
	f, err := os.Open(file.Path)
	if err != nil {
		s.logger.Error("failed to open streamed result", map[string]any{
			"request_id": res.Meta.RequestID,
			"error":      err.Error(),
		})
		respondError(w, http.StatusInternalServerError, &types.ErrorResponse{
			Error: res.Meta.Kind.Title() + " detection failed!",
			Kind:  types.KindInternal,
		})
		return
	}
	defer func() { _ = f.Close() }()

	name := res.Meta.RequestID + filepath.Ext(file.Path)
	h := w.Header()
	h.Set("Content-Type", file.MIME)
	h.Set("Content-Length", fmt.Sprint(file.Size))
	h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("streaming result interrupted", map[string]any{
			"request_id": res.Meta.RequestID,
			"error":      err.Error(),
		})
	}
}

func (s *Server) writeTooLarge(w http.ResponseWriter) {
	w.Header().Set("Connection", "close")
	respondError(w, http.StatusRequestEntityTooLarge, &types.ErrorResponse{
		Error:  "Upload too large",
		Kind:   types.KindInvalidUpload,
		Detail: fmt.Sprintf("limit is %d bytes", s.config.MaxUploadBytes),
	})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || errors.Is(err, runtime.ErrUploadTooLarge)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": types.Version,
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.collector.Snapshot())
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, body *types.ErrorResponse) {
	respondJSON(w, status, body)
}

// cors allows any origin and answers preflight requests directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", HeaderRequestID}, ", "))
		h.Set("Access-Control-Expose-Headers", strings.Join([]string{"Content-Disposition", HeaderRequestID}, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
