package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
	"github.com/agentworkforce/relayfeed/internal/inbox"
	"github.com/agentworkforce/relayfeed/internal/metrics"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	// RateLimit is the sustained per-user request rate; zero disables limiting.
	RateLimit    rate.Limit
	RateBurst    int
	MaxBodyBytes int64
	PingInterval time.Duration

	Logger   *slog.Logger
	Metrics  *metrics.ServerCollector
	Registry *prometheus.Registry
}

type Server struct {
	store              *inbox.Store
	cfg                ServerConfig
	logger             *slog.Logger
	router             chi.Router
	limiter            *userRateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type ctxKey int

const userIDKey ctxKey = iota

func NewServer(store *inbox.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		store:              store,
		cfg:                cfg,
		logger:             logger,
		internalReplaySeen: map[string]time.Time{},
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(math.Ceil(float64(cfg.RateLimit)))
		}
		s.limiter = newUserRateLimiter(cfg.RateLimit, burst)
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlationMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Registry != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.cfg.Registry))
	}
	r.Post("/v1/internal/notifications", s.handleInternalPublish)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)
		r.Get("/v1/notifications", s.handleList)
		r.Get("/v1/notifications/unread-count", s.handleUnreadCount)
		r.Patch("/v1/notifications/read", s.handleMarkRead)
		r.Post("/v1/notifications/read-all", s.handleMarkAllRead)
		r.Get("/v1/stream", s.handleStream)
	})
	return r
}

func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("X-Correlation-Id")) == "" {
			r.Header.Set("X-Correlation-Id", "srv_"+uuid.NewString())
		}
		w.Header().Set("X-Correlation-Id", getCorrelationID(r))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		userID := userIDFromContext(r.Context())
		if !s.limiter.allow(userID, time.Now()) {
			retryAfter := int(math.Ceil(1 / float64(s.cfg.RateLimit)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimited()
			}
			s.logger.Warn("rate limit exceeded", slog.String("user_id", userID))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	q := r.URL.Query()
	size := parseBoundedInt(q.Get("size"), inbox.DefaultPageSize, 1, inbox.MaxPageSize)
	page, err := s.store.List(userID, size, q.Get("cursor"))
	if err != nil {
		if errors.Is(err, inbox.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid_cursor", "cursor is invalid", getCorrelationID(r))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	writeJSON(w, http.StatusOK, feedsync.UnreadCount{UnreadCount: s.store.UnreadCount(userID)})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	unread, err := s.store.MarkRead(userIDFromContext(r.Context()), req.IDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MarkedRead("ids")
	}
	writeJSON(w, http.StatusOK, feedsync.UnreadCount{UnreadCount: unread})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	unread := s.store.MarkAllRead(userIDFromContext(r.Context()))
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MarkedRead("all")
	}
	writeJSON(w, http.StatusOK, feedsync.UnreadCount{UnreadCount: unread})
}

func (s *Server) handleInternalPublish(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Relayfeed-Timestamp"),
		r.Header.Get("X-Relayfeed-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Relayfeed-Timestamp"), r.Header.Get("X-Relayfeed-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	var req inbox.PublishRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	item, err := s.store.Publish(req)
	if err != nil {
		if errors.Is(err, inbox.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Published()
	}
	s.logger.Info("notification published",
		slog.String("user_id", req.UserID),
		slog.Int64("id", item.ID),
		slog.String("correlation_id", correlationID),
	)
	writeJSON(w, http.StatusCreated, item)
}

func userIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
