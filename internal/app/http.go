package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/devpulse/harvester/internal/stats"
	"github.com/devpulse/harvester/internal/statsdb"
	"github.com/devpulse/harvester/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// statsReader serves the persisted aggregate snapshots. Reads never touch the
// harvest pipeline, so API latency is independent of crawl activity.
type statsReader interface {
	UserStatistics(ctx context.Context, subjectID string) (stats.UserStatistics, error)
	RepositoryStatistics(ctx context.Context, subjectID string) ([]stats.RepositoryStatistics, error)
	Score(ctx context.Context, subjectID string) (stats.Score, error)
	PlatformStatistics(ctx context.Context) (stats.PlatformStatistics, error)
	Compare(ctx context.Context, subjectID string) (statsdb.Comparison, error)
}

// NewHTTPHandler wires the read API, metrics and health endpoints on a single mux.
func NewHTTPHandler(reader statsReader, metricsHandler http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &apiHandler{reader: reader, logger: logger}

	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()
	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", metricsHandler))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", http.HandlerFunc(handleHealthz)))
	router.Method(http.MethodGet, "/v1/platform", wrapHTTPHandler(traceMode, "platform", http.HandlerFunc(api.handlePlatform)))
	router.Route("/v1/subjects/{subject}", func(r chi.Router) {
		r.Method(http.MethodGet, "/statistics", wrapHTTPHandler(traceMode, "subject_statistics", http.HandlerFunc(api.handleStatistics)))
		r.Method(http.MethodGet, "/repositories", wrapHTTPHandler(traceMode, "subject_repositories", http.HandlerFunc(api.handleRepositories)))
		r.Method(http.MethodGet, "/score", wrapHTTPHandler(traceMode, "subject_score", http.HandlerFunc(api.handleScore)))
		r.Method(http.MethodGet, "/comparison", wrapHTTPHandler(traceMode, "subject_comparison", http.HandlerFunc(api.handleComparison)))
	})
	return router
}

type apiHandler struct {
	reader statsReader
	logger *zap.Logger
}

func (h *apiHandler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subject")
	user, err := h.reader.UserStatistics(r.Context(), subjectID)
	if err != nil {
		h.writeError(w, subjectID, err)
		return
	}
	h.writeJSON(w, user)
}

func (h *apiHandler) handleRepositories(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subject")
	repositories, err := h.reader.RepositoryStatistics(r.Context(), subjectID)
	if err != nil {
		h.writeError(w, subjectID, err)
		return
	}
	if repositories == nil {
		repositories = []stats.RepositoryStatistics{}
	}
	h.writeJSON(w, repositories)
}

func (h *apiHandler) handleScore(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subject")
	score, err := h.reader.Score(r.Context(), subjectID)
	if err != nil {
		h.writeError(w, subjectID, err)
		return
	}
	h.writeJSON(w, score)
}

func (h *apiHandler) handleComparison(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subject")
	comparison, err := h.reader.Compare(r.Context(), subjectID)
	if err != nil {
		h.writeError(w, subjectID, err)
		return
	}
	h.writeJSON(w, comparison)
}

func (h *apiHandler) handlePlatform(w http.ResponseWriter, r *http.Request) {
	platform, err := h.reader.PlatformStatistics(r.Context())
	if err != nil {
		h.writeError(w, "", err)
		return
	}
	h.writeJSON(w, platform)
}

func (h *apiHandler) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *apiHandler) writeError(w http.ResponseWriter, subjectID string, err error) {
	if errors.Is(err, statsdb.ErrNotFound) {
		http.Error(w, "subject not found", http.StatusNotFound)
		return
	}
	h.logger.Error("statistics read failed", zap.String("subject", subjectID), zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("harvester/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
