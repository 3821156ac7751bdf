package server

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/claude/wodtimer/internal/lifecycle"
	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/sensor/push"
	"github.com/claude/wodtimer/internal/session"
	"github.com/claude/wodtimer/internal/storage"
)

// SessionStore is the completed-session history served by the API.
// *storage.DB satisfies it.
type SessionStore interface {
	QueryCompletedSessions(ctx context.Context, start, end time.Time, login string) ([]models.CompletedSession, error)
	GetCompletedSession(ctx context.Context, id uuid.UUID, login string) (*models.CompletedSession, error)
	GetSessionStats(ctx context.Context, login string) (*storage.SessionStats, error)
}

var _ SessionStore = (*storage.DB)(nil)

// PreferenceStore reads and writes per-user workout defaults.
type PreferenceStore interface {
	LoadPreferences(ctx context.Context, login string) (models.Preferences, bool, error)
	SavePreferences(ctx context.Context, p models.Preferences) error
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	host     *session.Host
	push     *push.Client
	sessions SessionStore
	prefs    PreferenceStore
	life     *lifecycle.Manager
	log      *slog.Logger
	apiKey   string
	identity func(http.Handler) http.Handler
	upgrader websocket.Upgrader
	router   chi.Router
}

// New creates a new Server with all routes configured. pushClient, sessions
// and prefs may be nil; their routes then answer 503.
func New(host *session.Host, pushClient *push.Client, sessions SessionStore, prefs PreferenceStore, apiKey string, log *slog.Logger) *Server {
	s := &Server{
		host:     host,
		push:     pushClient,
		sessions: sessions,
		prefs:    prefs,
		log:      log,
		apiKey:   apiKey,
		identity: DevIdentity,
		// Access is restricted at the listener.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		router:   chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetTailscale attributes requests to tailnet users instead of the dev user.
func (s *Server) SetTailscale(who WhoIser) {
	s.identity = TailscaleIdentity(who, s.log)
}

// SetLifecycle makes observer connections count as attachments.
func (s *Server) SetLifecycle(m *lifecycle.Manager) {
	s.life = m
}

// SetMCP mounts an MCP transport at /mcp.
func (s *Server) SetMCP(h http.Handler) {
	s.router.Group(func(r chi.Router) {
		r.Use(s.identify)
		r.Handle("/mcp", h)
	})
}

func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.identity(next).ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.router.Use(RequestLogging(s.log))
	s.router.Use(CORS)

	// Device push endpoint (API key required)
	s.router.Route("/api/v1/ingest", func(r chi.Router) {
		r.Use(APIKeyAuth(s.apiKey))
		r.Post("/", s.handleIngest)
	})

	// App API endpoints (no API key — tsnet handles access)
	s.router.Group(func(r chi.Router) {
		r.Use(s.identify)

		r.Get("/api/v1/me", s.handleMe)

		r.Route("/api/v1/session", func(r chi.Router) {
			r.Get("/", s.handleSession)
			r.Get("/ownership", s.handleOwnership)
			r.Get("/ws", s.handleSessionWS)
			r.Get("/cues", s.handleCueStream)
			r.Post("/prepare", s.handlePrepare)
			r.Post("/start", s.handleStart)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/round", s.handleMarkRound)
			r.Post("/end", s.handleEnd)
		})

		r.Get("/api/v1/workouts", s.handleQueryWorkouts)
		r.Get("/api/v1/workouts/{id}", s.handleGetWorkout)
		r.Get("/api/v1/stats", s.handleStats)
		r.Get("/api/v1/preferences", s.handleGetPreferences)
		r.Put("/api/v1/preferences", s.handlePutPreferences)
	})
}

// SetFrontend mounts the embedded SPA filesystem.
// Unmatched routes serve index.html for client-side routing.
func (s *Server) SetFrontend(webFS fs.FS) {
	fileServer := http.FileServerFS(webFS)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		f, err := webFS.Open(r.URL.Path[1:])
		if err == nil {
			f.Close()
			fileServer.ServeHTTP(w, r)
			return
		}
		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
