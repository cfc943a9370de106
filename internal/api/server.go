// Package api exposes the HTTP interface for the alert service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aquawatch/waterbot/internal/alert"
	"github.com/aquawatch/waterbot/internal/runner"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DedupAdmin exposes maintenance operations on the dedup store.
type DedupAdmin interface {
	SentCount(ctx context.Context, chatID int64) (int, error)
	Clear(ctx context.Context, chatID int64) error
}

// Server wires HTTP handlers to the pipeline and stores.
type Server struct {
	router    chi.Router
	pipeline  *runner.Pipeline
	registry  alert.Registry
	dedup     DedupAdmin
	locations []string
	pingers   []Pinger
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A non-empty
// locations list restricts subscriber upserts to known values. Pingers are
// checked by readyz; nil entries are skipped.
func NewServer(
	pipeline *runner.Pipeline,
	registry alert.Registry,
	dedup DedupAdmin,
	locations []string,
	logger *zap.Logger,
	pingers ...Pinger,
) *Server {
	s := &Server{
		pipeline:  pipeline,
		registry:  registry,
		dedup:     dedup,
		locations: locations,
		pingers:   pingers,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/check", s.runCheck)
		r.Route("/subscribers", func(r chi.Router) {
			r.Get("/", s.listSubscribers)
			r.Put("/", s.upsertSubscriber)
			r.Route("/{chat_id}", func(r chi.Router) {
				r.Get("/", s.getSubscriber)
				r.Delete("/", s.removeSubscriber)
			})
		})
		r.Route("/dedup/{chat_id}", func(r chi.Router) {
			r.Get("/stats", s.dedupStats)
			r.Post("/clear", s.dedupClear)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for _, p := range s.pingers {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "dependency unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipeline.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, runner.ErrCycleInFlight) {
			writeError(w, http.StatusConflict, "cycle already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listSubscribers(w http.ResponseWriter, r *http.Request) {
	var (
		subs []alert.Subscriber
		err  error
	)
	if loc := r.URL.Query().Get("location"); loc != "" {
		subs, err = s.registry.ByLocation(r.Context(), loc)
	} else {
		subs, err = s.registry.All(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) upsertSubscriber(w http.ResponseWriter, r *http.Request) {
	var sub alert.Subscriber
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if sub.ChatID == 0 {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	if sub.Location != "" && !s.knownLocation(sub.Location) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown location %q", sub.Location))
		return
	}
	saved, err := s.registry.Upsert(r.Context(), sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) getSubscriber(w http.ResponseWriter, r *http.Request) {
	chatID, err := parseChatID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.registry.Get(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, alert.ErrNotFound) {
			writeError(w, http.StatusNotFound, "subscriber not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) removeSubscriber(w http.ResponseWriter, r *http.Request) {
	chatID, err := parseChatID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	removed, err := s.registry.Remove(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"chat_id": chatID})
}

func (s *Server) dedupStats(w http.ResponseWriter, r *http.Request) {
	chatID, err := parseChatID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := s.dedup.SentCount(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent_count": count})
}

func (s *Server) dedupClear(w http.ResponseWriter, r *http.Request) {
	chatID, err := parseChatID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.dedup.Clear(r.Context(), chatID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// knownLocation reports whether loc matches the configured list,
// case-insensitively. An empty list accepts everything.
func (s *Server) knownLocation(loc string) bool {
	if len(s.locations) == 0 {
		return true
	}
	for _, known := range s.locations {
		if strings.EqualFold(known, loc) {
			return true
		}
	}
	return false
}

func parseChatID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "chat_id")
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat_id %q", raw)
	}
	return chatID, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers already sent; nothing left to do but note it.
		zap.L().Error("encode response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
