// Package session owns the practice-session state machine: TTL accounting,
// status transitions, completion recording, and the calls out to the
// conversational-AI provider through the retry engine and offline queue.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Lobster444/brevedu/internal/errs"
	"github.com/Lobster444/brevedu/internal/logger"
	"github.com/Lobster444/brevedu/internal/queue"
	"github.com/Lobster444/brevedu/internal/retry"
	"github.com/Lobster444/brevedu/internal/settings"
	"github.com/Lobster444/brevedu/internal/storage"
	"github.com/Lobster444/brevedu/internal/tavus"
)

const (
	// DefaultTTLSeconds is applied when the caller does not pick a TTL.
	DefaultTTLSeconds = 180

	// MaxTTLSeconds bounds how long a session may stay open.
	MaxTTLSeconds = 3600

	createTimeout = 30 * time.Second
	endTimeout    = 15 * time.Second
)

// ProviderClient is the slice of the Tavus client the manager needs.
type ProviderClient interface {
	CreateConversation(ctx context.Context, req *tavus.CreateConversationRequest) (*tavus.Conversation, error)
	EndConversation(ctx context.Context, conversationID string) error
}

// ClientFactory builds a provider client for the API key resolved from the
// admin settings at call time.
type ClientFactory func(apiKey string) ProviderClient

// Options configures a Manager.
type Options struct {
	Store    storage.Store
	Resolver *settings.Resolver
	Queue    *queue.Queue
	Clients  ClientFactory
	Online   func() bool // nil means always online
	Origin   string      // public base URL used to build callback URLs
	Log      *logger.Logger
	Now      func() time.Time // nil means time.Now
	Retry    retry.Config     // zero value means retry.DefaultConfig()
}

// Manager drives session lifecycle and provider interaction. Session writes
// are last-write-wins; callers must not update the same session from
// concurrent flows.
type Manager struct {
	store    storage.Store
	resolver *settings.Resolver
	queue    *queue.Queue
	clients  ClientFactory
	online   func() bool
	origin   string
	log      *logger.Logger
	now      func() time.Time
	retryCfg retry.Config
}

// NewManager creates a Manager and registers its queue replay handlers.
func NewManager(opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	m := &Manager{
		store:    opts.Store,
		resolver: opts.Resolver,
		queue:    opts.Queue,
		clients:  opts.Clients,
		online:   opts.Online,
		origin:   strings.TrimRight(opts.Origin, "/"),
		log:      opts.Log,
		now:      opts.Now,
		retryCfg: opts.Retry,
	}
	if m.queue != nil {
		m.queue.Register(queue.OpStartSession, m.replayStartSession)
		m.queue.Register(queue.OpCreateConversation, m.replayCreateConversation)
		m.queue.Register(queue.OpEndConversation, m.replayEndConversation)
		m.queue.Register(queue.OpUpdateCompletion, m.replayUpdateCompletion)
	}
	return m
}

// StartParams describes a new session request.
type StartParams struct {
	UserID      string
	CourseID    string
	TTLSeconds  int // 0 means DefaultTTLSeconds
	UserAgent   string
	DeviceClass string // derived from UserAgent when empty
}

// Start validates the request and persists a new session in the confirmed
// state. When the store write fails the request is queued for replay instead
// of being lost; the returned session carries the id either way.
func (m *Manager) Start(ctx context.Context, p StartParams) (*storage.Session, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return nil, errs.Config("user id is required")
	}
	if strings.TrimSpace(p.CourseID) == "" {
		return nil, errs.Config("course id is required")
	}
	ttl := p.TTLSeconds
	if ttl == 0 {
		ttl = DefaultTTLSeconds
	}
	if ttl < 0 || ttl > MaxTTLSeconds {
		return nil, errs.Config("ttl must be within (0, %d] seconds, got %d", MaxTTLSeconds, ttl)
	}

	deviceClass := p.DeviceClass
	if deviceClass == "" {
		deviceClass = deviceClassFor(p.UserAgent)
	}

	now := m.now().UTC()
	sess := &storage.Session{
		ID:          uuid.New().String(),
		UserID:      p.UserID,
		CourseID:    p.CourseID,
		Status:      storage.StatusConfirmed,
		ConfirmedAt: now,
		ExpiresAt:   now.Add(time.Duration(ttl) * time.Second),
		TTLSeconds:  ttl,
		Metadata: storage.SessionMetadata{
			UserAgent:   p.UserAgent,
			DeviceClass: deviceClass,
		},
		UpdatedAt: now,
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		if m.queue == nil {
			return nil, fmt.Errorf("persisting session: %w", err)
		}
		itemID, qerr := m.queue.Enqueue(ctx, queue.OpStartSession, sess)
		if qerr != nil {
			return nil, fmt.Errorf("persisting session: %w", err)
		}
		m.log.Warn("session creation deferred to queue",
			"session_id", sess.ID, "item_id", itemID, "error", err)
	}
	return sess, nil
}

// ConversationResult reports what happened to a conversation request.
// Conversation is set only for an ok outcome.
type ConversationResult struct {
	Outcome      retry.Status
	QueueItemID  string
	Conversation *tavus.Conversation
}

// conversationRequest is the queue payload for a deferred create.
type conversationRequest struct {
	UserID    string `json:"user_id"`
	CourseID  string `json:"course_id"`
	SessionID string `json:"session_id"`
}

// CreateConversation resolves provider settings and course context, then
// creates the remote conversation. Offline or retry-exhausted requests are
// handed to the queue and reported as deferred; non-retryable failures mark
// the session failed and propagate.
func (m *Manager) CreateConversation(ctx context.Context, courseID, userID, sessionID string) (*ConversationResult, error) {
	reqPayload := conversationRequest{UserID: userID, CourseID: courseID, SessionID: sessionID}

	var conv *tavus.Conversation
	out := retry.DoOrDefer(ctx, m.retryCfg, m.online,
		func() (string, error) {
			return m.queue.Enqueue(ctx, queue.OpCreateConversation, reqPayload)
		},
		func(ctx context.Context) error {
			var err error
			conv, err = m.createOnce(ctx, courseID, userID, sessionID)
			return err
		},
	)

	switch out.Status {
	case retry.StatusOK:
		return &ConversationResult{Outcome: retry.StatusOK, Conversation: conv}, nil

	case retry.StatusDeferred:
		m.log.Warn("conversation creation deferred",
			"session_id", sessionID, "item_id", out.QueueItemID, "error", out.Err)
		m.recordRetry(ctx, sessionID, out.Err)
		return &ConversationResult{Outcome: retry.StatusDeferred, QueueItemID: out.QueueItemID}, nil

	default:
		m.markFailed(ctx, sessionID, out.Err)
		return nil, out.Err
	}
}

// createOnce performs a single conversation-creation attempt: settings,
// context, remote call, session update. The retry engine wraps it.
func (m *Manager) createOnce(ctx context.Context, courseID, userID, sessionID string) (*tavus.Conversation, error) {
	ps, err := m.resolver.ProviderSettings(ctx)
	if err != nil {
		return nil, err
	}
	courseCtx, err := m.resolver.CourseContext(ctx, courseID)
	if err != nil {
		return nil, err
	}

	callbackURL := m.callbackURL(userID, sessionID)
	client := m.clients(ps.APIKey)

	callCtx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	conv, err := client.CreateConversation(callCtx, &tavus.CreateConversationRequest{
		ReplicaID:             ps.ReplicaID,
		PersonaID:             ps.PersonaID,
		ConversationName:      "practice-" + sessionID,
		ConversationalContext: courseCtx,
		CallbackURL:           callbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	_, err = m.Update(ctx, sessionID, Update{
		ConversationID:  &conv.ConversationID,
		ConversationURL: &conv.ConversationURL,
		CallbackURL:     &callbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("recording conversation on session: %w", err)
	}
	return conv, nil
}

// Update is a partial session update; nil fields are left unchanged. The
// persistence layer never sees an unset field as anything but an explicit
// omission.
type Update struct {
	Status          *storage.SessionStatus
	ConversationID  *string
	ConversationURL *string
	AccuracyScore   *float64
	DurationSeconds *int
	CallbackURL     *string
	LastError       *string
}

// Update loads the session, applies the partial update, and enforces the
// expiry invariant: once the deadline has passed, a session that is not
// already completed can only move to expired, whatever status was requested.
func (m *Manager) Update(ctx context.Context, sessionID string, upd Update) (*storage.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, errs.Config("unknown session status %q", *upd.Status)
		}
		if sess.Status.Terminal() && *upd.Status != sess.Status {
			return nil, errs.Config("session %s is already %s", sessionID, sess.Status)
		}
	}

	if sess.Expired(now) && sess.Status != storage.StatusCompleted {
		if upd.Status == nil || *upd.Status != storage.StatusExpired {
			expired := storage.StatusExpired
			upd.Status = &expired
			m.log.Warn("forcing expired status on overdue session", "session_id", sessionID)
		}
	}

	if upd.Status != nil {
		if *upd.Status == storage.StatusStarted && sess.StartedAt == nil {
			started := now
			sess.StartedAt = &started
			if !sess.ConfirmedAt.IsZero() {
				delay := int(now.Sub(sess.ConfirmedAt).Seconds())
				sess.Metadata.ConfirmationDelay = &delay
			}
		}
		if *upd.Status == storage.StatusCompleted && sess.CompletedAt == nil {
			completedAt := now
			sess.CompletedAt = &completedAt
		}
		sess.Status = *upd.Status
	}
	if upd.ConversationID != nil {
		sess.ConversationID = *upd.ConversationID
	}
	if upd.ConversationURL != nil {
		sess.ConversationURL = *upd.ConversationURL
	}
	if upd.AccuracyScore != nil {
		sess.AccuracyScore = upd.AccuracyScore
	}
	if upd.DurationSeconds != nil {
		sess.DurationSeconds = upd.DurationSeconds
	}
	if upd.CallbackURL != nil {
		sess.Metadata.CallbackURL = *upd.CallbackURL
	}
	if upd.LastError != nil {
		sess.Metadata.LastError = *upd.LastError
	}
	sess.UpdatedAt = now

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session update: %w", err)
	}
	return sess, nil
}

// CompleteParams carries the optional outcome of a finished conversation.
type CompleteParams struct {
	AccuracyScore   *float64
	DurationSeconds *int
	ConversationID  string
}

// Complete marks the session completed and writes the denormalized
// completion record, overwriting any prior record for the same course. An
// overdue session is forced to expired and reported as a timeout instead.
func (m *Manager) Complete(ctx context.Context, sessionID string, p CompleteParams) (*storage.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID == "" || sess.CourseID == "" {
		return nil, errs.Config("session %s has no user/course linkage", sessionID)
	}

	now := m.now().UTC()
	if sess.Expired(now) && sess.Status != storage.StatusCompleted {
		expired := storage.StatusExpired
		if _, uerr := m.Update(ctx, sessionID, Update{Status: &expired}); uerr != nil {
			m.log.Error("marking overdue session expired", "session_id", sessionID, "error", uerr)
		}
		return nil, errs.Timeout("session %s expired before completion", sessionID)
	}

	accuracy := p.AccuracyScore
	if accuracy != nil {
		if clamped := clamp(*accuracy, 0, 100); clamped != *accuracy {
			m.log.Warn("clamping out-of-range accuracy score",
				"session_id", sessionID, "score", *accuracy)
			accuracy = &clamped
		}
	}

	duration := p.DurationSeconds
	if duration == nil {
		from := sess.ConfirmedAt
		if sess.StartedAt != nil {
			from = *sess.StartedAt
		}
		d := int(now.Sub(from).Seconds())
		duration = &d
	}

	conversationID := p.ConversationID
	if conversationID == "" {
		conversationID = sess.ConversationID
	}

	completed := storage.StatusCompleted
	upd := Update{
		Status:          &completed,
		AccuracyScore:   accuracy,
		DurationSeconds: duration,
	}
	if conversationID != "" {
		upd.ConversationID = &conversationID
	}
	sess, err = m.Update(ctx, sessionID, upd)
	if err != nil {
		return nil, err
	}

	rec := &storage.CompletionRecord{
		UserID:         sess.UserID,
		CourseID:       sess.CourseID,
		Completed:      true,
		AccuracyScore:  accuracy,
		ConversationID: conversationID,
		CompletedAt:    now,
	}
	if err := m.store.UpsertCompletion(ctx, rec); err != nil {
		// The session is completed; the denormalized record can catch up
		// through the queue.
		if m.queue != nil {
			if itemID, qerr := m.queue.Enqueue(ctx, queue.OpUpdateCompletion, rec); qerr == nil {
				m.log.Warn("completion record deferred to queue",
					"session_id", sessionID, "item_id", itemID, "error", err)
				return sess, nil
			}
		}
		return nil, fmt.Errorf("writing completion record: %w", err)
	}
	return sess, nil
}

// endRequest is the queue payload for a deferred end.
type endRequest struct {
	ConversationID string `json:"conversation_id"`
}

// EndConversation ends the remote conversation. 404/409 responses count as
// success; offline or retry-exhausted requests are queued and reported as
// deferred.
func (m *Manager) EndConversation(ctx context.Context, conversationID string) retry.Outcome {
	if strings.TrimSpace(conversationID) == "" {
		return retry.Outcome{Status: retry.StatusFailed, Err: errs.Config("conversation id is required")}
	}
	payload := endRequest{ConversationID: conversationID}

	out := retry.DoOrDefer(ctx, m.retryCfg, m.online,
		func() (string, error) {
			return m.queue.Enqueue(ctx, queue.OpEndConversation, payload)
		},
		func(ctx context.Context) error {
			return m.endOnce(ctx, conversationID)
		},
	)
	if out.Status == retry.StatusDeferred {
		m.log.Warn("conversation end deferred",
			"conversation_id", conversationID, "item_id", out.QueueItemID, "error", out.Err)
	}
	return out
}

func (m *Manager) endOnce(ctx context.Context, conversationID string) error {
	ps, err := m.resolver.ProviderSettings(ctx)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, endTimeout)
	defer cancel()
	if err := m.clients(ps.APIKey).EndConversation(callCtx, conversationID); err != nil {
		return fmt.Errorf("ending conversation: %w", err)
	}
	return nil
}

// Abandon marks a session abandoned (viewer closed the modal, navigated
// away).
func (m *Manager) Abandon(ctx context.Context, sessionID string) (*storage.Session, error) {
	abandoned := storage.StatusAbandoned
	return m.Update(ctx, sessionID, Update{Status: &abandoned})
}

// ExpireOverdue forces every non-terminal session past its deadline to
// expired and returns how many were transitioned.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	now := m.now().UTC()
	n := 0
	for _, status := range []storage.SessionStatus{
		storage.StatusConfirmed, storage.StatusStarted, storage.StatusInProgress,
	} {
		sessions, err := m.store.ListSessions(ctx, storage.SessionListOptions{
			Status: status,
			Limit:  500,
		})
		if err != nil {
			return n, fmt.Errorf("listing %s sessions: %w", status, err)
		}
		for _, sess := range sessions {
			if !sess.Expired(now) {
				continue
			}
			expired := storage.StatusExpired
			if _, err := m.Update(ctx, sess.ID, Update{Status: &expired}); err != nil {
				m.log.Error("expiring session", "session_id", sess.ID, "error", err)
				continue
			}
			n++
		}
	}
	return n, nil
}

// --- queue replay handlers ---

func (m *Manager) replayStartSession(ctx context.Context, payload json.RawMessage) error {
	var sess storage.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return errs.Config("malformed start-session payload").WithCause(err)
	}
	if _, err := m.store.GetSession(ctx, sess.ID); err == nil {
		return nil // already created
	}
	return m.store.CreateSession(ctx, &sess)
}

func (m *Manager) replayCreateConversation(ctx context.Context, payload json.RawMessage) error {
	var req conversationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errs.Config("malformed create-conversation payload").WithCause(err)
	}
	sess, err := m.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil // too late to be useful; drop silently
	}
	_, err = m.createOnce(ctx, req.CourseID, req.UserID, req.SessionID)
	return err
}

func (m *Manager) replayEndConversation(ctx context.Context, payload json.RawMessage) error {
	var req endRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errs.Config("malformed end-conversation payload").WithCause(err)
	}
	return m.endOnce(ctx, req.ConversationID)
}

func (m *Manager) replayUpdateCompletion(ctx context.Context, payload json.RawMessage) error {
	var rec storage.CompletionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return errs.Config("malformed update-completion payload").WithCause(err)
	}
	return m.store.UpsertCompletion(ctx, &rec)
}

// --- helpers ---

// callbackURL is unique per (user, session, time, nonce) so the provider's
// webhook deliveries can be attributed even across session retries.
func (m *Manager) callbackURL(userID, sessionID string) string {
	nonce := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s/api/tavus/callback/%s/%s/%d/%s",
		m.origin, userID, sessionID, m.now().UTC().UnixMilli(), nonce)
}

func (m *Manager) recordRetry(ctx context.Context, sessionID string, cause error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	sess.Metadata.RetryCount++
	if cause != nil {
		sess.Metadata.LastError = cause.Error()
	}
	sess.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		m.log.Error("recording retry on session", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) markFailed(ctx context.Context, sessionID string, cause error) {
	failed := storage.StatusFailed
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := m.Update(ctx, sessionID, Update{Status: &failed, LastError: &msg}); err != nil {
		m.log.Error("marking session failed", "session_id", sessionID, "error", err)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func deviceClassFor(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return "tablet"
	case strings.Contains(ua, "mobi") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone"):
		return "mobile"
	default:
		return "desktop"
	}
}
