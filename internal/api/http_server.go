package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"convobot/internal/config"
	"convobot/internal/metrics"
	"convobot/internal/models"
	"convobot/internal/service"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Conversations is the operator view of the state machine.
type Conversations interface {
	Get(ctx context.Context, key models.ConversationKey) (*service.ConversationView, error)
	Reset(ctx context.Context, key models.ConversationKey) error
	Stats(ctx context.Context) (map[string]int, bool, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

const requestIDHeader = "X-Request-Id"

// HTTPServer exposes health, metrics and conversation administration endpoints.
type HTTPServer struct {
	cfg           config.APIConfig
	conversations Conversations
	health        HealthCheck
	server        *http.Server
	auth          *HTTPAuth
	logger        *zerolog.Logger
}

// NewHTTPServer builds the server. gatherer may be nil to leave /metrics out;
// health may be nil.
func NewHTTPServer(
	cfg config.APIConfig,
	conversations Conversations,
	health HealthCheck,
	gatherer prometheus.Gatherer,
	logger *zerolog.Logger,
) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "http_api").Logger()

	srv := &HTTPServer{cfg: cfg, conversations: conversations, health: health, logger: &l}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("GET /api/v1/conversations/stats", srv.handleStats)
	mux.HandleFunc("GET /api/v1/conversations/{chat}/{user}", srv.handleGetConversation)
	mux.HandleFunc("DELETE /api/v1/conversations/{chat}/{user}", srv.handleResetConversation)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux, "/healthz", "/metrics"))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// Handler returns the root handler, including middleware.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	key, ok := conversationKey(w, r)
	if !ok {
		return
	}

	view, err := s.conversations.Get(r.Context(), key)
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *HTTPServer) handleResetConversation(w http.ResponseWriter, r *http.Request) {
	key, ok := conversationKey(w, r)
	if !ok {
		return
	}

	if err := s.conversations.Reset(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, ok, err := s.conversations.Stats(r.Context())
	switch {
	case !ok:
		writeError(w, http.StatusNotImplemented, "storage backend does not support stats")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to count conversations")
	default:
		total := 0
		for _, n := range counts {
			total += n
		}
		writeJSON(w, http.StatusOK, map[string]any{"states": counts, "total": total})
	}
}

func conversationKey(w http.ResponseWriter, r *http.Request) (models.ConversationKey, bool) {
	chatID, err := strconv.ParseInt(r.PathValue("chat"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "chat id must be an integer")
		return models.ConversationKey{}, false
	}
	userID, err := strconv.ParseInt(r.PathValue("user"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user id must be an integer")
		return models.ConversationKey{}, false
	}
	return models.NewConversationKey(chatID, userID), true
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
