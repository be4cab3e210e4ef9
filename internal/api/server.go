package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Keyring-Network/local-tool-chat/internal/config"
	"github.com/Keyring-Network/local-tool-chat/internal/events"
	"github.com/Keyring-Network/local-tool-chat/internal/logging"
	"github.com/Keyring-Network/local-tool-chat/internal/render"
	"github.com/Keyring-Network/local-tool-chat/internal/session"
	"github.com/Keyring-Network/local-tool-chat/internal/store"
)

const (
	sessionCookie = "tool_chat_session"

	missingKeyMessage = "Please set the " + config.SerpAPIKeyEnv + " environment variable."
)

type Server struct {
	sessions   *session.Manager
	store      store.Store
	broker     Broker
	models     ModelLister
	markdown   *render.Markdown
	pages      *template.Template
	serpAPIKey func() string
	logger     *slog.Logger
}

type Broker interface {
	Publish(event events.ChatEvent)
	Subscribe(ctx context.Context, sessionID string) <-chan events.ChatEvent
}

// ModelLister is the model server probe used by /ready.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSerpAPIKey replaces the environment lookup behind the setup gate.
func WithSerpAPIKey(lookup func() string) Option {
	return func(s *Server) {
		if lookup != nil {
			s.serpAPIKey = lookup
		}
	}
}

func NewServer(sessions *session.Manager, st store.Store, broker Broker, models ModelLister, opts ...Option) *Server {
	s := &Server{
		sessions:   sessions,
		store:      st,
		broker:     broker,
		models:     models,
		markdown:   render.New(),
		pages:      pageTemplates,
		serpAPIKey: config.SerpAPIKey,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.quietRequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSerpAPIKey)
		r.Get("/", s.page)
		r.Post("/chat", s.chat)
		r.Get("/events", s.streamEvents)
		r.Get("/api/session", s.getSession)
		r.Delete("/api/session", s.deleteSession)
		r.Post("/api/tools", s.updateTools)
	})
	return r
}

func (s *Server) quietRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && (cleanPath == "/events" || cleanPath == "/health" || cleanPath == "/ready") {
		return true
	}
	return false
}

// requireSerpAPIKey blocks every chat surface while the search credential is missing. An
// exported but empty or whitespace-only value counts as missing, since the search tool could
// not authenticate with it. The key is looked up per request so exporting it does not need a
// restart.
func (s *Server) requireSerpAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.serpAPIKey()) != "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodGet && r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusPreconditionFailed)
			if err := s.pages.ExecuteTemplate(w, "setup.html", setupView{Title: pageTitle, Message: missingKeyMessage}); err != nil {
				s.logger.ErrorContext(r.Context(), "render setup page", "error", err)
			}
			return
		}
		http.Error(w, missingKeyMessage, http.StatusPreconditionFailed)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	if s.models == nil {
		subsystems["ollama"] = subsystemStatus{Status: "skipped"}
	} else if _, err := s.models.ListModels(ctx); err != nil {
		subsystems["ollama"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["ollama"] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

// sessionID returns the browser's session id, issuing a new cookie when it has none or the
// value is not a UUID.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	if id, ok := existingSessionID(r); ok {
		return id
	}
	id := s.sessions.NewSessionID()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// existingSessionID is sessionID without issuing a cookie.
func existingSessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", false
	}
	parsed, err := uuid.Parse(cookie.Value)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrTurnInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("listening", "addr", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("serve %s: %w", addr, err)
}
