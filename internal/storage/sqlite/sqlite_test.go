package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/Lobster444/brevedu/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id string) *storage.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &storage.Session{
		ID:          id,
		UserID:      "user-1",
		CourseID:    "course-1",
		Status:      storage.StatusConfirmed,
		ConfirmedAt: now,
		ExpiresAt:   now.Add(180 * time.Second),
		TTLSeconds:  180,
		Metadata:    storage.SessionMetadata{UserAgent: "test-agent", DeviceClass: "desktop"},
		UpdatedAt:   now,
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess := testSession("abc12345-0000-0000-0000-000000000000")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	if got.UserID != "user-1" {
		t.Errorf("user = %q, want %q", got.UserID, "user-1")
	}
	if got.Status != storage.StatusConfirmed {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusConfirmed)
	}
	if got.TTLSeconds != 180 {
		t.Errorf("ttl = %d, want 180", got.TTLSeconds)
	}
	if !got.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, sess.ExpiresAt)
	}
	if got.Metadata.UserAgent != "test-agent" {
		t.Errorf("metadata user agent = %q, want test-agent", got.Metadata.UserAgent)
	}
	if got.StartedAt != nil {
		t.Error("started_at should be nil before start")
	}
	if got.AccuracyScore != nil {
		t.Error("accuracy should be nil before completion")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetSession(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if !storage.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestUpdateSessionNullableFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess := testSession("upd1")
	s.CreateSession(ctx, sess)

	started := time.Now().UTC().Truncate(time.Second)
	accuracy := 87.5
	duration := 42
	sess.Status = storage.StatusCompleted
	sess.StartedAt = &started
	sess.CompletedAt = &started
	sess.AccuracyScore = &accuracy
	sess.DurationSeconds = &duration
	sess.ConversationID = "conv-9"
	sess.UpdatedAt = started

	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "upd1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != storage.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, started)
	}
	if got.AccuracyScore == nil || *got.AccuracyScore != 87.5 {
		t.Errorf("accuracy = %v, want 87.5", got.AccuracyScore)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != 42 {
		t.Errorf("duration = %v, want 42", got.DurationSeconds)
	}
	if got.ConversationID != "conv-9" {
		t.Errorf("conversation id = %q, want conv-9", got.ConversationID)
	}
}

func TestUpdateSessionMissing(t *testing.T) {
	s := testStore(t)

	err := s.UpdateSession(context.Background(), testSession("ghost"))
	if !storage.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestListSessionsFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := testSession("a1")
	b := testSession("a2")
	b.Status = storage.StatusCompleted
	c := testSession("a3")
	c.UserID = "user-2"
	for _, sess := range []*storage.Session{a, b, c} {
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	byStatus, err := s.ListSessions(ctx, storage.SessionListOptions{Status: storage.StatusConfirmed})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(byStatus) != 2 {
		t.Errorf("got %d confirmed sessions, want 2", len(byStatus))
	}

	byUser, err := s.ListSessions(ctx, storage.SessionListOptions{UserID: "user-2"})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(byUser) != 1 {
		t.Errorf("got %d sessions for user-2, want 1", len(byUser))
	}

	limited, err := s.ListSessions(ctx, storage.SessionListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d sessions, want 2", len(limited))
	}
}

func TestCourseRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	course := &storage.Course{
		ID:          "course-1",
		Title:       "Spanish Basics",
		Description: "Introductory Spanish conversation.",
		AIContext:   "You are a patient Spanish tutor.",
	}
	if err := s.PutCourse(ctx, course); err != nil {
		t.Fatalf("PutCourse: %v", err)
	}

	got, err := s.GetCourse(ctx, "course-1")
	if err != nil {
		t.Fatalf("GetCourse: %v", err)
	}
	if got.Title != "Spanish Basics" {
		t.Errorf("title = %q", got.Title)
	}
	if got.AIContext != course.AIContext {
		t.Errorf("ai context = %q", got.AIContext)
	}

	// Upsert overwrites
	course.Description = "Updated."
	if err := s.PutCourse(ctx, course); err != nil {
		t.Fatalf("PutCourse update: %v", err)
	}
	got, _ = s.GetCourse(ctx, "course-1")
	if got.Description != "Updated." {
		t.Errorf("description = %q, want Updated.", got.Description)
	}

	courses, err := s.ListCourses(ctx)
	if err != nil {
		t.Fatalf("ListCourses: %v", err)
	}
	if len(courses) != 1 {
		t.Errorf("got %d courses, want 1", len(courses))
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetSettings(ctx); !storage.IsNotFound(err) {
		t.Errorf("expected NotFoundError before configuration, got %v", err)
	}

	ps := &storage.ProviderSettings{
		ReplicaID: "r1",
		PersonaID: "p1",
		APIKey:    "key",
		Enabled:   true,
	}
	if err := s.PutSettings(ctx, ps); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}

	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if !got.Enabled || got.ReplicaID != "r1" || got.PersonaID != "p1" {
		t.Errorf("settings = %+v", got)
	}

	// Single-row table: second write replaces, not appends.
	ps.Enabled = false
	s.PutSettings(ctx, ps)
	got, _ = s.GetSettings(ctx)
	if got.Enabled {
		t.Error("expected enabled=false after second write")
	}
}

func TestCompletionOverwriteOnRetake(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := 60.0
	rec := &storage.CompletionRecord{
		UserID: "u1", CourseID: "c1", Completed: true,
		AccuracyScore: &first, ConversationID: "conv-1",
		CompletedAt: time.Now().UTC(),
	}
	if err := s.UpsertCompletion(ctx, rec); err != nil {
		t.Fatalf("UpsertCompletion: %v", err)
	}

	second := 95.0
	rec.AccuracyScore = &second
	rec.ConversationID = "conv-2"
	if err := s.UpsertCompletion(ctx, rec); err != nil {
		t.Fatalf("UpsertCompletion retake: %v", err)
	}

	got, err := s.GetCompletion(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("GetCompletion: %v", err)
	}
	if got == nil {
		t.Fatal("expected a completion record")
	}
	if *got.AccuracyScore != 95.0 || got.ConversationID != "conv-2" {
		t.Errorf("record = %+v, want retake values", got)
	}
}

func TestGetCompletionMissingIsNil(t *testing.T) {
	s := testStore(t)

	got, err := s.GetCompletion(context.Background(), "nobody", "nothing")
	if err != nil {
		t.Fatalf("GetCompletion: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	got, err := s.GetBlob(ctx, "queue")
	if err != nil {
		t.Fatalf("GetBlob empty: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for empty slot, got %q", got)
	}

	if err := s.PutBlob(ctx, "queue", []byte(`[{"id":"1"}]`)); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	got, err = s.GetBlob(ctx, "queue")
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if string(got) != `[{"id":"1"}]` {
		t.Errorf("blob = %q", got)
	}

	// Slot semantics: second write replaces the payload.
	if err := s.PutBlob(ctx, "queue", []byte(`[]`)); err != nil {
		t.Fatalf("PutBlob replace: %v", err)
	}
	got, _ = s.GetBlob(ctx, "queue")
	if string(got) != `[]` {
		t.Errorf("blob after replace = %q", got)
	}
}
