package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"voicecanvas/api/internal/authpw"
	"voicecanvas/api/internal/config"
	"voicecanvas/api/internal/outbox"
	"voicecanvas/api/internal/session"
	"voicecanvas/api/internal/speech"
	"voicecanvas/api/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	pingErr error
	docs    map[string]store.DocumentRecord
	users   map[string]store.User
	saves   int
	creates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:  map[string]store.DocumentRecord{},
		users: map[string]store.User{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) Load(_ context.Context, ownerID, id string) (store.DocumentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.docs[id]
	if !ok || record.OwnerID != ownerID {
		return store.DocumentRecord{}, store.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) Save(_ context.Context, ownerID string, req store.SaveRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.docs[req.ID]
	if !ok || record.OwnerID != ownerID {
		return store.ErrNotFound
	}
	record.Snapshot = append(json.RawMessage(nil), req.Snapshot...)
	record.UpdatedAt = req.UpdatedAt
	record.Version = req.Version
	f.docs[req.ID] = record
	f.saves++
	return nil
}

func (f *fakeStore) UpdateThumbnail(_ context.Context, ownerID, id, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.docs[id]
	if !ok || record.OwnerID != ownerID {
		return store.ErrNotFound
	}
	record.Thumbnail = image
	f.docs[id] = record
	return nil
}

func (f *fakeStore) List(_ context.Context, ownerID string) ([]store.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Summary{}
	for _, record := range f.docs {
		if record.OwnerID == ownerID {
			out = append(out, summaryOf(record))
		}
	}
	return out, nil
}

func (f *fakeStore) SearchTitles(_ context.Context, ownerID, query string, _ int) ([]store.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Summary{}
	for _, record := range f.docs {
		if record.OwnerID == ownerID && strings.Contains(strings.ToLower(record.Title), strings.ToLower(query)) {
			out = append(out, summaryOf(record))
		}
	}
	return out, nil
}

func (f *fakeStore) Create(ctx context.Context, record store.DocumentRecord) (store.DocumentRecord, error) {
	if err := ctx.Err(); err != nil {
		return store.DocumentRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if record.Title == "" {
		record.Title = store.DefaultTitle
	}
	now := time.Now().UTC()
	record.CreatedAt, record.UpdatedAt = now, now
	record.Version = store.SnapshotVersion
	f.docs[record.ID] = record
	f.creates++
	return record, nil
}

func (f *fakeStore) Rename(_ context.Context, ownerID, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.docs[id]
	if !ok || record.OwnerID != ownerID {
		return store.ErrNotFound
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return store.ErrInvalidInput
	}
	record.Title = title
	f.docs[id] = record
	return nil
}

func (f *fakeStore) Delete(_ context.Context, ownerID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.docs[id]
	if !ok || record.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeStore) Touch(_ context.Context, ownerID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.docs[id]
	if !ok || record.OwnerID != ownerID {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	record.OpenedAt = &now
	f.docs[id] = record
	return nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.Email]; ok {
		return store.ErrEmailTaken
	}
	f.users[user.Email] = user
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[email]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.ID == id {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeStore) record(id string) store.DocumentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

type fakeSpeech struct {
	mu          sync.Mutex
	transcript  string
	transcribe  error
	interpret   error
	suggestions []string
	suggestErr  error
	healthErr   error
	audio       []byte
}

func (f *fakeSpeech) Transcribe(_ context.Context, audio []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append([]byte(nil), audio...)
	if f.transcribe != nil {
		return "", f.transcribe
	}
	return f.transcript, nil
}

func (f *fakeSpeech) Interpret(_ context.Context, text string) (speech.Interpretation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interpret != nil {
		return speech.Interpretation{}, f.interpret
	}
	return speech.Interpretation{Transcript: text, Actions: json.RawMessage(`[{"op":"draw"}]`)}, nil
}

func (f *fakeSpeech) Suggestions(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.suggestions...), f.suggestErr
}

func (f *fakeSpeech) Health(context.Context) error { return f.healthErr }

type testEnv struct {
	service *Service
	handler http.Handler
	store   *fakeStore
	speech  *fakeSpeech
	redis   *miniredis.Miniredis
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:        "test-secret",
		AccessTTL:        time.Hour,
		RefreshTTL:       24 * time.Hour,
		CORSOrigin:       "*",
		AutosaveDelay:    10 * time.Millisecond,
		ThumbnailDelay:   10 * time.Millisecond,
		ThumbnailWidth:   300,
		VoiceMinBytes:    4,
		VoiceMaxBytes:    1024,
		VoiceMaxDuration: time.Minute,
		SpeechTimeout:    time.Second,
		WorkspaceIdleTTL: time.Minute,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fs := newFakeStore()
	sp := &fakeSpeech{transcript: "draw a red circle"}
	svc := New(testConfig(), Deps{
		Store:    fs,
		Sessions: session.NewRedisStoreWithClient(client),
		Commands: outbox.NewRedisOutbox(client),
		Speech:   sp,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	svc.authpw = authpw.NewServiceWithCost(fs, bcrypt.MinCost)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	return &testEnv{
		service: svc,
		handler: NewHTTPServer(svc, "*").Handler(),
		store:   fs,
		speech:  sp,
		redis:   mr,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// signUp registers an account and returns its access token.
func (e *testEnv) signUp(t *testing.T, email string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":    email,
		"password": "correct horse",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	token, _ := payload["accessToken"].(string)
	if token == "" {
		t.Fatalf("signup returned no access token")
	}
	return token
}

func (e *testEnv) createCanvas(t *testing.T, token, title string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/canvases", token, map[string]string{"title": title})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create canvas: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	canvas, _ := decodeMap(t, rr)["canvas"].(map[string]any)
	id, _ := canvas["id"].(string)
	if id == "" {
		t.Fatalf("create canvas returned no id")
	}
	return id
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
