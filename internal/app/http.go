package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nic-152/uran/internal/auth"
	"github.com/nic-152/uran/internal/lifecycle"
	"github.com/nic-152/uran/internal/store"
)

const serviceName = "uran-api"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: service.log.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/logout", s.handleLogout)
			r.Get("/me", s.authed(s.handleMe))
		})

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.authed(s.handleListProjects))
			r.Post("/", s.authed(s.handleCreateProject))
			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/members", s.authed(s.handleListMembers))
				r.Post("/members", s.authed(s.handleAddMember))
				r.Patch("/members/{userID}", s.authed(s.handleUpdateMember))
				r.Delete("/members/{userID}", s.authed(s.handleRemoveMember))
				r.Get("/session", s.authed(s.handleGetSession))
				r.Put("/session", s.authed(s.handleSaveSession))
			})
		})

		r.Route("/v2/runs", func(r chi.Router) {
			r.Post("/", s.authed(s.handleCreateRun))
			r.Get("/", s.authed(s.handleListRuns))
			r.Get("/search", s.authed(s.handleSearchRuns))
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.authed(s.handleGetRun))
				r.Patch("/status", s.authed(s.handleSetRunStatus))
				r.Post("/items", s.authed(s.handleAddRunItem))
				r.Patch("/items/{itemID}/result", s.authed(s.handleRecordResult))
				r.Get("/report", s.authed(s.handleRunReport))
				r.Post("/archive", s.authed(s.handleArchiveRun))
			})
		})
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": serviceName})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.service.Ping(ctx); err != nil {
		s.log.Warn("readiness check failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"checks": map[string]any{"store": map[string]any{"status": "error"}},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": map[string]any{"store": map[string]any{"status": "ok"}},
	})
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

// authed resolves the bearer token before calling next.
func (s *HTTPServer) authed(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.log.Error("session lookup failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// fail writes err as a JSON error. Unexpected errors are logged once here.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", id)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody decodes a JSON body into target. An empty body leaves target untouched.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return validationError("invalid JSON body", nil)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// queryInt reads an optional integer query parameter.
func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, validationError(fmt.Sprintf("%s must be an integer", key), map[string]any{"field": key})
	}
	return value, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrRunLocked):
		return http.StatusConflict, errRunLocked.Code, errRunLocked.Message, nil
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", "Invalid run status transition", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// Auth

type tokenResponse struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         UserView  `json:"user"`
}

func newTokenResponse(session Session, user UserView) tokenResponse {
	return tokenResponse{
		Token:        session.Token,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.ExpiresAt,
		User:         user,
	}
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body RegisterInput
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	session, user, err := s.service.Register(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTokenResponse(session, user))
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	session, user, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(session, user))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	session, user, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(session, user))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	s.service.Logout(r.Context(), body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request, session Session) {
	user, err := s.service.Me(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}
