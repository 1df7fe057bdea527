// Package sqlite implements storage.Store and storage.BlobStore on a local
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Lobster444/brevedu/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store and storage.BlobStore backed by a
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs
// migrations. Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// --- sessions ---

const sessionColumns = `id, user_id, course_id, conversation_id, conversation_url,
	status, confirmed_at, started_at, completed_at, expires_at, ttl_seconds,
	accuracy_score, duration_seconds, metadata, updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *storage.Session) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CourseID, sess.ConversationID, sess.ConversationURL,
		sess.Status, fmtTime(sess.ConfirmedAt), fmtTimePtr(sess.StartedAt),
		fmtTimePtr(sess.CompletedAt), fmtTime(sess.ExpiresAt), sess.TTLSeconds,
		sess.AccuracyScore, sess.DurationSeconds, string(meta), fmtTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, &storage.NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *storage.Session) error {
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			conversation_id = ?, conversation_url = ?, status = ?,
			started_at = ?, completed_at = ?, expires_at = ?,
			accuracy_score = ?, duration_seconds = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		sess.ConversationID, sess.ConversationURL, sess.Status,
		fmtTimePtr(sess.StartedAt), fmtTimePtr(sess.CompletedAt), fmtTime(sess.ExpiresAt),
		sess.AccuracyScore, sess.DurationSeconds, string(meta), fmtTime(sess.UpdatedAt),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.NotFoundError{Kind: "session", ID: sess.ID}
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts storage.SessionListOptions) ([]storage.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var conds []string
	var args []any

	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.CourseID != "" {
		conds = append(conds, "course_id = ?")
		args = append(args, opts.CourseID)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// --- courses ---

func (s *SQLiteStore) PutCourse(ctx context.Context, c *storage.Course) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, title, description, video_url, ai_context, legacy_context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, description = excluded.description,
			video_url = excluded.video_url, ai_context = excluded.ai_context,
			legacy_context = excluded.legacy_context, updated_at = excluded.updated_at`,
		c.ID, c.Title, c.Description, c.VideoURL, c.AIContext, c.LegacyContext,
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting course: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCourse(ctx context.Context, id string) (*storage.Course, error) {
	var c storage.Course
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, video_url, ai_context, legacy_context, created_at, updated_at
		FROM courses WHERE id = ?`, id).Scan(
		&c.ID, &c.Title, &c.Description, &c.VideoURL, &c.AIContext, &c.LegacyContext,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &storage.NotFoundError{Kind: "course", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying course: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (s *SQLiteStore) ListCourses(ctx context.Context) ([]storage.Course, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, video_url, ai_context, legacy_context, created_at, updated_at
		FROM courses ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("listing courses: %w", err)
	}
	defer rows.Close()

	var courses []storage.Course
	for rows.Next() {
		var c storage.Course
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Title, &c.Description, &c.VideoURL,
			&c.AIContext, &c.LegacyContext, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// --- provider settings ---

func (s *SQLiteStore) GetSettings(ctx context.Context) (*storage.ProviderSettings, error) {
	var ps storage.ProviderSettings
	var enabled int
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT replica_id, persona_id, api_key, enabled, updated_at
		FROM provider_settings WHERE id = 1`).Scan(
		&ps.ReplicaID, &ps.PersonaID, &ps.APIKey, &enabled, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &storage.NotFoundError{Kind: "provider settings", ID: "1"}
	}
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	ps.Enabled = enabled != 0
	ps.UpdatedAt = parseTime(updatedAt)
	return &ps, nil
}

func (s *SQLiteStore) PutSettings(ctx context.Context, ps *storage.ProviderSettings) error {
	ps.UpdatedAt = time.Now().UTC()
	enabled := 0
	if ps.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_settings (id, replica_id, persona_id, api_key, enabled, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			replica_id = excluded.replica_id, persona_id = excluded.persona_id,
			api_key = excluded.api_key, enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		ps.ReplicaID, ps.PersonaID, ps.APIKey, enabled, fmtTime(ps.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting settings: %w", err)
	}
	return nil
}

// --- completions ---

func (s *SQLiteStore) UpsertCompletion(ctx context.Context, rec *storage.CompletionRecord) error {
	completed := 0
	if rec.Completed {
		completed = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completions (user_id, course_id, completed, accuracy_score, conversation_id, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, course_id) DO UPDATE SET
			completed = excluded.completed, accuracy_score = excluded.accuracy_score,
			conversation_id = excluded.conversation_id, completed_at = excluded.completed_at`,
		rec.UserID, rec.CourseID, completed, rec.AccuracyScore, rec.ConversationID,
		fmtTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting completion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCompletion(ctx context.Context, userID, courseID string) (*storage.CompletionRecord, error) {
	var rec storage.CompletionRecord
	var completed int
	var completedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, course_id, completed, accuracy_score, conversation_id, completed_at
		FROM completions WHERE user_id = ? AND course_id = ?`, userID, courseID).Scan(
		&rec.UserID, &rec.CourseID, &completed, &rec.AccuracyScore,
		&rec.ConversationID, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying completion: %w", err)
	}
	rec.Completed = completed != 0
	rec.CompletedAt = parseTime(completedAt)
	return &rec, nil
}

// --- blobs ---

func (s *SQLiteStore) GetBlob(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying blob: %w", err)
	}
	return data, nil
}

func (s *SQLiteStore) PutBlob(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, data, fmtTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- scanning helpers ---

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*storage.Session, error) {
	var sess storage.Session
	var confirmedAt, expiresAt, updatedAt, meta string
	var startedAt, completedAt sql.NullString
	var accuracy sql.NullFloat64
	var duration sql.NullInt64

	err := sc.Scan(&sess.ID, &sess.UserID, &sess.CourseID, &sess.ConversationID,
		&sess.ConversationURL, &sess.Status, &confirmedAt, &startedAt, &completedAt,
		&expiresAt, &sess.TTLSeconds, &accuracy, &duration, &meta, &updatedAt)
	if err != nil {
		return nil, err
	}

	sess.ConfirmedAt = parseTime(confirmedAt)
	sess.ExpiresAt = parseTime(expiresAt)
	sess.UpdatedAt = parseTime(updatedAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		sess.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		sess.CompletedAt = &t
	}
	if accuracy.Valid {
		v := accuracy.Float64
		sess.AccuracyScore = &v
	}
	if duration.Valid {
		v := int(duration.Int64)
		sess.DurationSeconds = &v
	}
	if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
		// Metadata is diagnostic only; a corrupt blob must not hide the row.
		sess.Metadata = storage.SessionMetadata{}
	}
	return &sess, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
