package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/bryanwahyu/vulnreport/internal/application/assembler"
	"github.com/bryanwahyu/vulnreport/internal/application/findings"
	"github.com/bryanwahyu/vulnreport/internal/application/reports"
	domai "github.com/bryanwahyu/vulnreport/internal/domain/ai"
	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/middleware"
)

// Deps is everything the API serves from. Health, APIKeys, Limiter and
// AllowedOrigins are optional.
type Deps struct {
	Findings  *findings.Service
	Reports   *reports.Service
	Assembler *assembler.Assembler
	Logger    *zap.Logger

	Health         map[string]middleware.HealthChecker
	APIKeys        map[string]string
	Limiter        *middleware.RateLimiter
	AllowedOrigins []string
	// MaxUpload bounds request bodies carrying screenshots.
	MaxUpload int64
	// MaxCombine bounds /combine bodies, whose documents may carry many inline images.
	MaxCombine int64
}

type Router struct {
	findings   *findings.Service
	reports    *reports.Service
	assembler  *assembler.Assembler
	logger     *zap.Logger
	maxUpload  int64
	maxCombine int64
}

func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUpload := d.MaxUpload
	if maxUpload <= 0 {
		maxUpload = 32 << 20
	}
	maxCombine := d.MaxCombine
	if maxCombine <= 0 {
		maxCombine = 128 << 20
	}
	r := &Router{
		findings:   d.Findings,
		reports:    d.Reports,
		assembler:  d.Assembler,
		logger:     logger.Named("api"),
		maxUpload:  maxUpload,
		maxCombine: maxCombine,
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Logging(logger))
	mux.Use(middleware.MetricsMiddleware)
	if len(d.AllowedOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Stream-ID"},
			MaxAge:         300,
		}))
	}
	if len(d.APIKeys) > 0 {
		mux.Use(middleware.APIKeyAuth(d.APIKeys))
	}
	if d.Limiter != nil {
		mux.Use(middleware.RateLimitMiddleware(d.Limiter))
	}

	mux.Get("/health", middleware.LivenessHandler)
	mux.Get("/healthz", middleware.HealthHandler(d.Health))
	mux.Get("/metrics", middleware.MetricsHandler)

	mux.Route("/v1/{project}", func(rt chi.Router) {
		rt.Use(middleware.RequireProject)

		rt.Post("/findings", r.wrap(r.handleCreateFinding))
		rt.Get("/findings/{id}", r.wrap(r.handleGetFinding))
		rt.Put("/findings/{id}/notes", r.wrap(r.handleUpdateNotes))
		rt.Post("/findings/{id}/screenshots", r.wrap(r.handleAddScreenshot))
		rt.Delete("/findings/{id}/screenshots/{sid}", r.wrap(r.handleRemoveScreenshot))
		rt.Put("/findings/{id}/screenshots/order", r.wrap(r.handleReorder))
		rt.Post("/findings/{id}/screenshots/{sid}/ocr", r.wrap(r.handleOCR))
		rt.Post("/findings/{id}/generate/stream", r.wrap(r.handleGenerate))
		rt.Post("/findings/{id}/followup/stream", r.wrap(r.handleFollowUp))
		rt.Post("/findings/{id}/cancel", r.wrap(r.handleCancel))
		rt.Post("/findings/{id}/save", r.wrap(r.handleSave))

		rt.Get("/reports", r.wrap(r.handleListReports))
		rt.Get("/reports/{rid}", r.wrap(r.handleGetReport))
		rt.Post("/reports/{rid}/restore", r.wrap(r.handleRestore))

		rt.Post("/combine", r.wrap(r.handleCombine))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// badRequest marks caller mistakes.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return badRequest{msg: fmt.Sprintf(format, args...)}
}

// statusFor maps an error to the response status.
func statusFor(err error) int {
	var br badRequest
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.As(err, &tooBig), errors.Is(err, domai.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, report.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, findings.ErrNoDocument), errors.Is(err, reports.ErrNothingToSave):
		return http.StatusConflict
	case errors.Is(err, domai.ErrUnrecognizedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domai.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domai.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domai.ErrTransportUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
			// client went away
			return
		}
		code := statusFor(err)
		msg := err.Error()
		if code == http.StatusInternalServerError {
			r.logger.Error("request failed", zap.String("path", req.URL.Path), zap.Error(err))
			msg = "internal error"
		}
		writeJSON(w, code, map[string]string{"error": msg})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body. An empty body leaves dst untouched.
func decodeJSON(req *http.Request, dst any) error {
	if req.Body == nil || req.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return badRequestf("invalid JSON body: %v", err)
	}
	return nil
}
