package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Lobster444/brevedu/internal/errs"
	"github.com/Lobster444/brevedu/internal/retry"
	"github.com/Lobster444/brevedu/internal/session"
	"github.com/Lobster444/brevedu/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the typed failure taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	if storage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if e, ok := errs.As(err); ok {
		switch e.Code {
		case errs.CodeConfig:
			writeError(w, http.StatusBadRequest, e.Error())
		case errs.CodeLimit:
			writeError(w, http.StatusTooManyRequests, e.Error())
		case errs.CodeTimeout:
			writeError(w, http.StatusGatewayTimeout, e.Error())
		case errs.CodeAPI, errs.CodeNetwork:
			writeError(w, http.StatusBadGateway, e.Error())
		default:
			writeError(w, http.StatusInternalServerError, e.Error())
		}
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := storage.SessionListOptions{
		UserID:   r.URL.Query().Get("user_id"),
		CourseID: r.URL.Query().Get("course_id"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.SessionStatus(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	sessions, err := s.store.ListSessions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if sessions == nil {
		sessions = []storage.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type startSessionRequest struct {
	UserID     string `json:"user_id"`
	CourseID   string `json:"course_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, err := s.sessions.Start(r.Context(), session.StartParams{
		UserID:     req.UserID,
		CourseID:   req.CourseID,
		TTLSeconds: req.TTLSeconds,
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.hub.Broadcast(Event{Type: "session_created", SessionID: sess.ID, Session: sess})
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type updateSessionRequest struct {
	Status          *storage.SessionStatus `json:"status,omitempty"`
	AccuracyScore   *float64               `json:"accuracy_score,omitempty"`
	DurationSeconds *int                   `json:"duration_seconds,omitempty"`
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, err := s.sessions.Update(r.Context(), id, session.Update{
		Status:          req.Status,
		AccuracyScore:   req.AccuracyScore,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.hub.Broadcast(Event{Type: "session_updated", SessionID: sess.ID, Session: sess})
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	res, err := s.sessions.CreateConversation(r.Context(), sess.CourseID, sess.UserID, sess.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if res.Outcome == retry.StatusDeferred {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":        string(retry.StatusDeferred),
			"queue_item_id": res.QueueItemID,
		})
		return
	}

	s.hub.Broadcast(Event{Type: "conversation_created", SessionID: sess.ID})
	writeJSON(w, http.StatusCreated, res.Conversation)
}

type completeSessionRequest struct {
	AccuracyScore   *float64 `json:"accuracy_score,omitempty"`
	DurationSeconds *int     `json:"duration_seconds,omitempty"`
	ConversationID  string   `json:"conversation_id,omitempty"`
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req completeSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, err := s.sessions.Complete(r.Context(), id, session.CompleteParams{
		AccuracyScore:   req.AccuracyScore,
		DurationSeconds: req.DurationSeconds,
		ConversationID:  req.ConversationID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.hub.Broadcast(Event{Type: "session_completed", SessionID: sess.ID, Session: sess})
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAbandonSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.sessions.Abandon(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.hub.Broadcast(Event{Type: "session_updated", SessionID: sess.ID, Session: sess})
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	out := s.sessions.EndConversation(r.Context(), id)
	switch out.Status {
	case retry.StatusOK:
		w.WriteHeader(http.StatusNoContent)
	case retry.StatusDeferred:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":        string(retry.StatusDeferred),
			"queue_item_id": out.QueueItemID,
		})
	default:
		writeDomainError(w, out.Err)
	}
}

// --- Course handlers ---

func (s *Server) handleListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.store.ListCourses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if courses == nil {
		courses = []storage.Course{}
	}
	writeJSON(w, http.StatusOK, courses)
}

func (s *Server) handlePutCourse(w http.ResponseWriter, r *http.Request) {
	var c storage.Course
	if err := decodeJSON(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if c.ID == "" || c.Title == "" {
		writeError(w, http.StatusBadRequest, "id and title are required")
		return
	}
	if err := s.store.PutCourse(r.Context(), &c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetCourse(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Settings handlers ---

type settingsResponse struct {
	ReplicaID string    `json:"replica_id"`
	PersonaID string    `json:"persona_id"`
	APIKeySet bool      `json:"api_key_set"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// handleGetSettings never returns the API key itself, only whether one is
// configured.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ps, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{
		ReplicaID: ps.ReplicaID,
		PersonaID: ps.PersonaID,
		APIKeySet: ps.APIKey != "",
		Enabled:   ps.Enabled,
		UpdatedAt: ps.UpdatedAt,
	})
}

type putSettingsRequest struct {
	ReplicaID string `json:"replica_id"`
	PersonaID string `json:"persona_id"`
	APIKey    string `json:"api_key,omitempty"`
	Enabled   bool   `json:"enabled"`
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req putSettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	// An omitted API key keeps the stored one.
	if req.APIKey == "" {
		if prev, err := s.store.GetSettings(r.Context()); err == nil {
			req.APIKey = prev.APIKey
		}
	}

	ps := &storage.ProviderSettings{
		ReplicaID: req.ReplicaID,
		PersonaID: req.PersonaID,
		APIKey:    req.APIKey,
		Enabled:   req.Enabled,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.PutSettings(r.Context(), ps); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Queue handlers ---

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	size, oldest := s.queue.Status(r.Context())
	resp := map[string]any{
		"size":   size,
		"online": s.monitor == nil || s.monitor.Online(),
	}
	if !oldest.IsZero() {
		resp["oldest_enqueued_at"] = oldest
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueDrain(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.DrainIfOnline(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	size, _ := s.queue.Status(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"size": size})
}

// --- Provider webhook ---

// callbackEvent is the Tavus webhook payload.
type callbackEvent struct {
	EventType      string          `json:"event_type"`
	ConversationID string          `json:"conversation_id"`
	Properties     json.RawMessage `json:"properties,omitempty"`
}

// handleTavusCallback receives provider webhooks addressed by the per-session
// callback URL. A replica joining moves the session to in_progress; every
// event is forwarded to the websocket feed.
func (s *Server) handleTavusCallback(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sessionID := chi.URLParam(r, "sessionID")

	var evt callbackEvent
	if err := decodeJSON(r, &evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.UserID != userID {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	s.log.Info("provider callback",
		"session_id", sessionID, "event_type", evt.EventType,
		"conversation_id", evt.ConversationID)

	if evt.EventType == "system.replica_joined" && !sess.Status.Terminal() {
		inProgress := storage.StatusInProgress
		if sess, err = s.sessions.Update(r.Context(), sessionID, session.Update{Status: &inProgress}); err != nil {
			s.log.Error("applying callback transition", "session_id", sessionID, "error", err)
		}
	}

	s.hub.Broadcast(Event{
		Type:      "provider_event",
		SessionID: sessionID,
		Session:   sess,
		Provider:  &evt,
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	size, _ := s.queue.Status(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"online":     s.monitor == nil || s.monitor.Online(),
		"queue_size": size,
	})
}
