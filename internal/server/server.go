// Package server exposes the practice-session API over HTTP: session
// lifecycle, conversation control, admin settings, queue inspection, the
// provider webhook, and a websocket event feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Lobster444/brevedu/internal/config"
	"github.com/Lobster444/brevedu/internal/connectivity"
	"github.com/Lobster444/brevedu/internal/logger"
	"github.com/Lobster444/brevedu/internal/queue"
	"github.com/Lobster444/brevedu/internal/session"
	"github.com/Lobster444/brevedu/internal/storage"
)

// Server is the HTTP server for the BrevEdu practice API.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	sessions *session.Manager
	queue    *queue.Queue
	monitor  *connectivity.Monitor
	hub      *Hub
	log      *logger.Logger
	router   chi.Router
	http     *http.Server
}

// New creates a new Server.
func New(cfg *config.Config, store storage.Store, mgr *session.Manager, q *queue.Queue, mon *connectivity.Monitor, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		sessions: mgr,
		queue:    q,
		monitor:  mon,
		hub:      NewHub(log),
		log:      log,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Hub returns the websocket event hub so other components can broadcast.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Sessions
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleStartSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Patch("/sessions/{id}", s.handleUpdateSession)
		r.Post("/sessions/{id}/conversation", s.handleCreateConversation)
		r.Post("/sessions/{id}/complete", s.handleCompleteSession)
		r.Post("/sessions/{id}/abandon", s.handleAbandonSession)

		// Conversations
		r.Post("/conversations/{id}/end", s.handleEndConversation)

		// Courses
		r.Get("/courses", s.handleListCourses)
		r.Post("/courses", s.handlePutCourse)
		r.Get("/courses/{id}", s.handleGetCourse)

		// Admin settings
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)

		// Queue
		r.Get("/queue", s.handleQueueStatus)
		r.Post("/queue/drain", s.handleQueueDrain)

		// Provider webhook
		r.Post("/tavus/callback/{userID}/{sessionID}/{ts}/{nonce}", s.handleTavusCallback)

		// Health
		r.Get("/health", s.handleHealth)

		// WebSocket event feed (no JSON content-type)
		r.Get("/events/ws", s.handleEvents)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.log.Info("server starting", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
