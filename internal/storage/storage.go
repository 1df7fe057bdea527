// Package storage defines the persisted data model for practice sessions,
// course records, provider settings, and completion records, plus the Store
// interfaces the rest of the core depends on. Documents read back from the
// database are always decoded into these explicit structs; nothing downstream
// trusts the persistence layer's shape implicitly.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SessionStatus represents the lifecycle state of a practice session.
type SessionStatus string

const (
	StatusConfirmed  SessionStatus = "confirmed"
	StatusStarted    SessionStatus = "started"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
	StatusAbandoned  SessionStatus = "abandoned"
	StatusExpired    SessionStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAbandoned, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusConfirmed, StatusStarted, StatusInProgress,
		StatusCompleted, StatusFailed, StatusAbandoned, StatusExpired:
		return true
	}
	return false
}

// SessionMetadata is the denormalized diagnostics blob on a session.
type SessionMetadata struct {
	UserAgent         string `json:"user_agent,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	ConfirmationDelay *int   `json:"confirmation_delay_seconds,omitempty"`
	CallbackURL       string `json:"callback_url,omitempty"`
	RetryCount        int    `json:"retry_count,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Session is one attempt at an AI practice conversation. Sessions are never
// deleted; they only transition to a terminal status.
type Session struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	CourseID        string          `json:"course_id"`
	ConversationID  string          `json:"conversation_id,omitempty"`
	ConversationURL string          `json:"conversation_url,omitempty"`
	Status          SessionStatus   `json:"status"`
	ConfirmedAt     time.Time       `json:"confirmed_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at"`
	TTLSeconds      int             `json:"ttl_seconds"`
	AccuracyScore   *float64        `json:"accuracy_score,omitempty"`
	DurationSeconds *int            `json:"duration_seconds,omitempty"`
	Metadata        SessionMetadata `json:"metadata"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Expired reports whether the session's deadline has passed at the given
// instant.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// CompletionRecord is the denormalized outcome attached to a user, one per
// (user, course) pair. Retakes overwrite the previous record.
type CompletionRecord struct {
	UserID         string    `json:"user_id"`
	CourseID       string    `json:"course_id"`
	Completed      bool      `json:"completed"`
	AccuracyScore  *float64  `json:"accuracy_score,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Course is a catalog entry. AIContext is the explicit conversational
// context; LegacyContext is the older free-text field kept for records
// written before AIContext existed.
type Course struct {
	ID            string    `json:"id" yaml:"id"`
	Title         string    `json:"title" yaml:"title"`
	Description   string    `json:"description" yaml:"description"`
	VideoURL      string    `json:"video_url,omitempty" yaml:"video_url"`
	AIContext     string    `json:"ai_context,omitempty" yaml:"ai_context"`
	LegacyContext string    `json:"legacy_context,omitempty" yaml:"legacy_context"`
	CreatedAt     time.Time `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"-"`
}

// ProviderSettings is the single administrator-configured provider record.
type ProviderSettings struct {
	ReplicaID string    `json:"replica_id"`
	PersonaID string    `json:"persona_id"`
	APIKey    string    `json:"api_key"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueueItem is a deferred remote operation awaiting replay.
type QueueItem struct {
	ID         string          `json:"id"`
	Op         string          `json:"op"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
}

// SessionListOptions controls filtering and pagination for ListSessions.
type SessionListOptions struct {
	Status   SessionStatus
	UserID   string
	CourseID string
	Limit    int
	Offset   int
}

// Store is the persistence interface for sessions, courses, settings, and
// completion records. Session writes are last-write-wins; callers must not
// update the same session concurrently from independent flows.
type Store interface {
	// CreateSession inserts a new session. The ID must be set by the caller.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns a session by ID.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession overwrites all mutable fields of an existing session.
	UpdateSession(ctx context.Context, s *Session) error

	// ListSessions returns sessions ordered by updated_at descending.
	ListSessions(ctx context.Context, opts SessionListOptions) ([]Session, error)

	// PutCourse inserts or updates a course record.
	PutCourse(ctx context.Context, c *Course) error

	// GetCourse returns a course by ID.
	GetCourse(ctx context.Context, id string) (*Course, error)

	// ListCourses returns all courses ordered by title.
	ListCourses(ctx context.Context) ([]Course, error)

	// GetSettings returns the provider settings record, or a NotFoundError if
	// the administrator has never configured one.
	GetSettings(ctx context.Context) (*ProviderSettings, error)

	// PutSettings replaces the provider settings record.
	PutSettings(ctx context.Context, s *ProviderSettings) error

	// UpsertCompletion overwrites the completion record for (user, course).
	UpsertCompletion(ctx context.Context, rec *CompletionRecord) error

	// GetCompletion returns the completion record for (user, course), or nil
	// if the user has never completed the course.
	GetCompletion(ctx context.Context, userID, courseID string) (*CompletionRecord, error)

	// Close releases resources.
	Close() error
}

// BlobStore is a string-keyed durable slot store used for the serialized
// operation queue. A single slot holds one opaque byte payload; writers
// replace the whole slot. Concurrent writers race last-write-wins.
type BlobStore interface {
	// GetBlob returns the payload under key, or nil if the slot is empty.
	GetBlob(ctx context.Context, key string) ([]byte, error)

	// PutBlob replaces the payload under key.
	PutBlob(ctx context.Context, key string, data []byte) error
}

// NotFoundError is returned by Store implementations when a requested record
// does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return e.Kind + " not found: " + e.ID
}

// IsNotFound reports whether err's chain contains a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
