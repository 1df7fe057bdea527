package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Lobster444/brevedu/internal/config"
	"github.com/Lobster444/brevedu/internal/queue"
	"github.com/Lobster444/brevedu/internal/retry"
	"github.com/Lobster444/brevedu/internal/session"
	"github.com/Lobster444/brevedu/internal/settings"
	"github.com/Lobster444/brevedu/internal/storage"
	"github.com/Lobster444/brevedu/internal/storage/sqlite"
	"github.com/Lobster444/brevedu/internal/tavus"
)

type stubProvider struct {
	conv *tavus.Conversation
	err  error
}

func (p *stubProvider) CreateConversation(ctx context.Context, req *tavus.CreateConversationRequest) (*tavus.Conversation, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.conv, nil
}

func (p *stubProvider) EndConversation(ctx context.Context, conversationID string) error {
	return p.err
}

type serverHarness struct {
	srv    *Server
	store  *sqlite.SQLiteStore
	online *bool
}

func testServer(t *testing.T) *serverHarness {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	store.PutSettings(ctx, &storage.ProviderSettings{
		ReplicaID: "r1", PersonaID: "p1", APIKey: "k1", Enabled: true,
	})
	store.PutCourse(ctx, &storage.Course{ID: "c1", Title: "Knots", AIContext: "Teach the bowline."})

	online := true
	cfg := retry.Config{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     2,
		Sleep:          func(ctx context.Context, d time.Duration) error { return nil },
	}
	q := queue.New(queue.Options{
		Blobs:  store,
		Online: func() bool { return online },
		Retry:  cfg,
	})
	stub := &stubProvider{conv: &tavus.Conversation{
		ConversationID:  "conv-1",
		ConversationURL: "https://tavus.example/conv-1",
		Status:          "active",
	}}
	mgr := session.NewManager(session.Options{
		Store:    store,
		Resolver: settings.NewResolver(store),
		Queue:    q,
		Clients:  func(apiKey string) session.ProviderClient { return stub },
		Online:   func() bool { return online },
		Origin:   "https://brevedu.example",
		Retry:    cfg,
	})

	srv := New(&config.Config{}, store, mgr, q, nil, nil)
	return &serverHarness{srv: srv, store: store, online: &online}
}

func (h *serverHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.srv.router.ServeHTTP(rec, req)
	return rec
}

func (h *serverHarness) startSession(t *testing.T) storage.Session {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"user_id": "u1", "course_id": "c1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start session: status %d, body %s", rec.Code, rec.Body)
	}
	var sess storage.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	return sess
}

func TestStartSessionHandler(t *testing.T) {
	h := testServer(t)
	sess := h.startSession(t)

	if sess.Status != storage.StatusConfirmed {
		t.Errorf("status = %q, want confirmed", sess.Status)
	}
	if _, err := h.store.GetSession(context.Background(), sess.ID); err != nil {
		t.Errorf("session not persisted: %v", err)
	}
}

func TestStartSessionValidation(t *testing.T) {
	h := testServer(t)

	rec := h.do(t, http.MethodPost, "/api/sessions", map[string]any{"course_id": "c1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing user: status %d, want 400", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"user_id": "u1", "course_id": "c1", "ttl_seconds": 7200,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("oversize ttl: status %d, want 400", rec.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	h := testServer(t)

	rec := h.do(t, http.MethodGet, "/api/sessions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}

func TestCreateConversationHandler(t *testing.T) {
	h := testServer(t)
	sess := h.startSession(t)

	rec := h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/conversation", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body)
	}
	var conv tavus.Conversation
	json.Unmarshal(rec.Body.Bytes(), &conv)
	if conv.ConversationID != "conv-1" {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestCreateConversationOfflineReturns202(t *testing.T) {
	h := testServer(t)
	sess := h.startSession(t)
	*h.online = false

	rec := h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/conversation", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "deferred" || resp["queue_item_id"] == "" {
		t.Errorf("response = %v", resp)
	}
}

func TestCompleteSessionHandler(t *testing.T) {
	h := testServer(t)
	sess := h.startSession(t)

	rec := h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/complete", map[string]any{
		"accuracy_score": 88.0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body)
	}
	var got storage.Session
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != storage.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}

	record, err := h.store.GetCompletion(context.Background(), "u1", "c1")
	if err != nil || record == nil {
		t.Fatalf("GetCompletion: rec=%v err=%v", record, err)
	}
	if *record.AccuracyScore != 88 {
		t.Errorf("accuracy = %v", *record.AccuracyScore)
	}
}

func TestTavusCallbackMovesSessionInProgress(t *testing.T) {
	h := testServer(t)
	sess := h.startSession(t)

	path := "/api/tavus/callback/u1/" + sess.ID + "/1717243200000/abcd1234"
	rec := h.do(t, http.MethodPost, path, map[string]any{
		"event_type":      "system.replica_joined",
		"conversation_id": "conv-1",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body)
	}

	got, _ := h.store.GetSession(context.Background(), sess.ID)
	if got.Status != storage.StatusInProgress {
		t.Errorf("status = %q, want in_progress", got.Status)
	}
}

func TestTavusCallbackWrongUser(t *testing.T) {
	h := testServer(t)
	sess := h.startSession(t)

	path := "/api/tavus/callback/intruder/" + sess.ID + "/1717243200000/abcd1234"
	rec := h.do(t, http.MethodPost, path, map[string]any{
		"event_type": "system.replica_joined",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}

func TestGetSettingsRedactsKey(t *testing.T) {
	h := testServer(t)

	rec := h.do(t, http.MethodGet, "/api/settings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("k1")) {
		t.Errorf("settings response leaks the api key: %s", rec.Body)
	}
	var resp settingsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.APIKeySet {
		t.Error("api_key_set = false, want true")
	}
}

func TestPutSettingsKeepsKeyWhenOmitted(t *testing.T) {
	h := testServer(t)

	rec := h.do(t, http.MethodPut, "/api/settings", map[string]any{
		"replica_id": "r2", "persona_id": "p2", "enabled": true,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body)
	}

	ps, err := h.store.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if ps.ReplicaID != "r2" || ps.APIKey != "k1" {
		t.Errorf("settings = %+v, want replica r2 with preserved key", ps)
	}
}

func TestQueueStatusHandler(t *testing.T) {
	h := testServer(t)
	sess := h.startSession(t)
	*h.online = false
	h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/conversation", nil)

	rec := h.do(t, http.MethodGet, "/api/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["size"].(float64) != 1 {
		t.Errorf("queue size = %v, want 1", resp["size"])
	}
}

func TestHealthHandler(t *testing.T) {
	h := testServer(t)

	rec := h.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("health = %v", resp)
	}
}
