package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/testutil"
)

const testSecret = "test-secret"

type testServer struct {
	*Server
	broker *queue.MemoryBroker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Server.Mode = "test"
	cfg.Auth.JWTSecret = testSecret
	require.NoError(t, cfg.Validate())

	db := testutil.NewDB(t)
	broker := queue.NewMemoryBroker(16)
	t.Cleanup(func() { _ = broker.Close() })

	srv, err := New(cfg, zap.NewNop(), db, broker, queue.NewMemoryResultBackend(time.Hour))
	require.NoError(t, err)

	require.NoError(t, db.Create(&models.Post{ID: 1, Title: "Hello World", ContentMarkdown: "# Hello", AuthorID: 7}).Error)
	require.NoError(t, db.Create(&models.PlatformCredential{UserID: 7, PlatformName: "dev.to", APIKey: "key"}).Error)

	return &testServer{Server: srv, broker: broker}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		Subject:   subject,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token(t, "7"))

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	payload := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresValidToken(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/platforms", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{Subject: "7"}).SignedString([]byte("other"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/platforms", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPublishQueuesJobs(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodPost, "/api/v1/posts/publish", map[string]any{
		"post_id":   1,
		"platforms": []string{"dev.to", "medium"},
		"tags":      []string{"go"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	taskIDs, ok := body["task_ids"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, taskIDs, 2)
	assert.Equal(t, 2, s.broker.Len())

	rec, body = s.do(t, http.MethodGet, "/api/v1/tasks/status/"+taskIDs["dev.to"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "QUEUED", body["status"])
	assert.Equal(t, false, body["ready"])

	rec, body = s.do(t, http.MethodGet, "/api/v1/tasks/status/post/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello World", body["post_title"])
	platforms, ok := body["platforms"].([]any)
	require.True(t, ok)
	require.Len(t, platforms, 2)

	pending, ok := platforms[0].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"platform_post_id", "platform_post_url", "published_at", "error_message"} {
		value, present := pending[key]
		assert.True(t, present, key)
		assert.Nil(t, value, key)
	}
}

func TestPublishErrors(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/posts/publish", map[string]any{"post_id": 1, "platforms": []string{"myspace"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/posts/publish", map[string]any{"post_id": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := s.do(t, http.MethodPost, "/api/v1/posts/publish", map[string]any{"post_id": 2, "platforms": []string{"dev.to"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Post not found", body["error"])

	require.NoError(t, s.broker.Close())
	rec, _ = s.do(t, http.MethodPost, "/api/v1/posts/publish", map[string]any{"post_id": 1, "platforms": []string{"dev.to"}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPublishConnectedFiltersPlatforms(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodPost, "/api/v1/posts/1/publish", map[string]any{"platforms": []string{"dev.to", "hashnode"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []any{"dev.to"}, body["platforms_queued"])
	assert.Equal(t, 1, s.broker.Len())

	rec, _ = s.do(t, http.MethodPost, "/api/v1/posts/1/publish", map[string]any{"platforms": []string{"medium"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishConnectedIgnoresNonCanonicalCredentials(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.DB.Create(&models.PlatformCredential{UserID: 7, PlatformName: "Medium", AccessToken: "token"}).Error)

	rec, body := s.do(t, http.MethodPost, "/api/v1/posts/1/publish", map[string]any{"platforms": []string{"medium"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "None of the requested platforms are connected", body["error"])
	assert.Zero(t, s.broker.Len())
}

func TestTaskStatusUnknown(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodGet, "/api/v1/tasks/status/nope", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "UNKNOWN", body["status"])
}

func TestPublishHistoryNotFound(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodGet, "/api/v1/posts/9/publish-history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := s.do(t, http.MethodGet, "/api/v1/posts/1/publish-history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["publish_history"])
}

func TestListPlatforms(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodGet, "/api/v1/platforms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"dev.to", "hashnode", "medium"}, body["platforms"])
}
