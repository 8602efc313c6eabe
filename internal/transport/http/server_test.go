package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	appsvc "gopherai-context/internal/app"
	"gopherai-context/internal/config"
	"gopherai-context/internal/metrics"
	"gopherai-context/internal/model"
	"gopherai-context/internal/repository"
	"gopherai-context/internal/storage"
	"gopherai-context/internal/transport/http/handler"
)

const testSecret = "test-secret"

type syncQueue struct {
	repo *repository.MessageRepository
}

func (q syncQueue) Publish(_ context.Context, msg model.Message) error {
	return q.repo.Create(&msg)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
}

func newTestServer(t *testing.T, storageHealthy bool) *testServer {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Session{}, &model.Message{}, &model.Artifact{}))

	root := t.TempDir()
	require.NoError(t, storage.Init(root))
	store, err := storage.NewLocal(root)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg)
	log := zap.NewNop()

	sessionRepo := repository.NewSessionRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	artifacts := appsvc.NewArtifactService(sessionRepo, repository.NewArtifactRepository(db), store, nil, collector, config.ArtifactConfig{
		MaxFileBytes:        1 << 20,
		MaxFiles:            50,
		MaxUploadBytes:      1 << 20,
		MaxUnpackedBytes:    4 << 20,
		MaxCompressionRatio: 100,
		CloneTimeoutSeconds: 5,
		GitBinary:           "git",
	}, log)

	router := buildRouter(Services{
		Auth:      appsvc.NewAuthService(repository.NewUserRepository(db), testSecret, time.Hour, log),
		Sessions:  appsvc.NewSessionService(sessionRepo, messageRepo, artifacts, nil, log),
		Chat:      appsvc.NewChatService(sessionRepo, messageRepo, syncQueue{repo: messageRepo}, nil, nil, artifacts, appsvc.ChatOptions{}, log),
		Artifacts: artifacts,
	}, RouterOptions{
		GinMode:        gin.TestMode,
		JWTSecret:      testSecret,
		MaxUploadBytes: 1 << 20,
		Log:            log,
		Metrics:        collector,
		Gatherer:       reg,
		Health:         handler.HealthInfo{App: "test", Env: "test", StartedAt: time.Now()},
		Checks: map[string]handler.Checker{
			"storage": func(ctx context.Context) error {
				if !storageHealthy {
					return errors.New("storage offline")
				}
				return store.Ping(ctx)
			},
		},
	})
	return &testServer{t: t, router: router}
}

func (s *testServer) do(req *nethttp.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) json(method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := s.do(req, token)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (s *testServer) register(username string) string {
	s.t.Helper()
	rec, env := s.json(nethttp.MethodPost, "/api/v1/auth/register", "", gin.H{
		"username": username,
		"email":    username + "@example.com",
		"password": "password123",
	})
	require.Equal(s.t, nethttp.StatusCreated, rec.Code, rec.Body.String())
	var data struct {
		Token string `json:"token"`
	}
	require.NoError(s.t, json.Unmarshal(env.Data, &data))
	return data.Token
}

func (s *testServer) createSession(token string) uint {
	s.t.Helper()
	rec, env := s.json(nethttp.MethodPost, "/api/v1/sessions", token, gin.H{"title": "work"})
	require.Equal(s.t, nethttp.StatusCreated, rec.Code, rec.Body.String())
	var session model.Session
	require.NoError(s.t, json.Unmarshal(env.Data, &session))
	return session.ID
}

func (s *testServer) upload(token string, sessionID uint, filename, content string) *httptest.ResponseRecorder {
	s.t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(s.t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(s.t, err)
	require.NoError(s.t, mw.Close())

	req := httptest.NewRequest(nethttp.MethodPost, fmt.Sprintf("/api/v1/sessions/%d/artifacts/upload", sessionID), &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(req, token)
}

func TestRouter_AuthFlow(t *testing.T) {
	s := newTestServer(t, true)
	token := s.register("alice")

	rec, env := s.json(nethttp.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice@example.com", "password": "password123"})
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, 0, env.Code)

	rec, env = s.json(nethttp.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "wrong-password"})
	assert.Equal(t, nethttp.StatusUnauthorized, rec.Code)
	assert.Equal(t, 40101, env.Code)

	rec, env = s.json(nethttp.MethodGet, "/api/v1/auth/me", token, nil)
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"username":"alice"`)

	rec, _ = s.json(nethttp.MethodGet, "/api/v1/sessions", "", nil)
	assert.Equal(t, nethttp.StatusUnauthorized, rec.Code)
	rec, _ = s.json(nethttp.MethodGet, "/api/v1/sessions", "garbage", nil)
	assert.Equal(t, nethttp.StatusUnauthorized, rec.Code)

	rec, env = s.json(nethttp.MethodPost, "/api/v1/auth/register", "", gin.H{
		"username": "alice", "email": "other@example.com", "password": "password123",
	})
	assert.Equal(t, nethttp.StatusConflict, rec.Code)
	assert.Equal(t, 40001, env.Code)
}

func TestRouter_ArtifactLifecycle(t *testing.T) {
	s := newTestServer(t, true)
	token := s.register("alice")
	sessionID := s.createSession(token)
	base := fmt.Sprintf("/api/v1/sessions/%d/artifacts", sessionID)

	rec := s.upload(token, sessionID, "notes.md", "# notes\nhello")
	require.Equal(t, nethttp.StatusCreated, rec.Code, rec.Body.String())
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var created model.Artifact
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, model.ArtifactTypeText, created.Type)

	rec, env = s.json(nethttp.MethodGet, base, token, nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	var list []model.Artifact
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)

	rec, env = s.json(nethttp.MethodGet, base+"/"+created.ID+"/files?limit=10&offset=0", token, nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	var page appsvc.FilePage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.TotalFiles)
	require.Len(t, page.Files, 1)
	assert.Equal(t, "notes.md", page.Files[0].Path)

	rec, env = s.json(nethttp.MethodGet, base+"/"+created.ID+"/files/notes.md", token, nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"content":"# notes\nhello"`)

	rec, env = s.json(nethttp.MethodGet, base+"/"+created.ID+"/files/..%2F..%2Fetc%2Fpasswd", token, nil)
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, 40013, env.Code)

	rec, _ = s.json(nethttp.MethodGet, base+"/"+created.ID+"/files?offset=-1", token, nil)
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)

	rec = s.do(httptest.NewRequest(nethttp.MethodGet, base+"/"+created.ID+"/download", nil), token)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "# notes\nhello", rec.Body.String())
	assert.Equal(t, `attachment; filename=notes.md`, rec.Header().Get("Content-Disposition"))

	rec, env = s.json(nethttp.MethodPut, base+"/"+created.ID, token, gin.H{})
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, 40014, env.Code)

	rec, _ = s.json(nethttp.MethodPut, base+"/"+created.ID, token, gin.H{"name": "Notes", "metadata": gin.H{"label": "x"}})
	assert.Equal(t, nethttp.StatusOK, rec.Code)

	rec, _ = s.json(nethttp.MethodDelete, base+"/"+created.ID, token, nil)
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	rec, _ = s.json(nethttp.MethodDelete, base+"/"+created.ID, token, nil)
	assert.Equal(t, nethttp.StatusOK, rec.Code)

	rec, env = s.json(nethttp.MethodGet, base+"/"+created.ID, token, nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, 40402, env.Code)
}

func TestRouter_ArtifactRejections(t *testing.T) {
	s := newTestServer(t, true)
	alice := s.register("alice")
	bob := s.register("bob")
	sessionID := s.createSession(alice)
	base := fmt.Sprintf("/api/v1/sessions/%d/artifacts", sessionID)

	rec, env := s.json(nethttp.MethodGet, base, bob, nil)
	assert.Equal(t, nethttp.StatusForbidden, rec.Code)
	assert.Equal(t, 40300, env.Code)

	rec, env = s.json(nethttp.MethodPost, base, alice, gin.H{"type": "pdf", "source": "https://example.com/a.pdf"})
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, 40010, env.Code)

	rec, env = s.json(nethttp.MethodPost, base+"/repository", alice, gin.H{"repo_url": "ftp://example.com/x"})
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, 40010, env.Code)

	rec = s.upload(alice, sessionID, "image.png", "png")
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)

	rec = s.upload(alice, sessionID, "fake.zip", "not a zip")
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, 40011, env.Code)

	rec, env = s.json(nethttp.MethodGet, "/api/v1/sessions/9999/artifacts", alice, nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, 40401, env.Code)

	rec, _ = s.json(nethttp.MethodGet, "/api/v1/sessions/abc/artifacts", alice, nil)
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
}

func TestRouter_SessionsAndMessages(t *testing.T) {
	s := newTestServer(t, true)
	token := s.register("alice")
	sessionID := s.createSession(token)
	base := fmt.Sprintf("/api/v1/sessions/%d", sessionID)

	rec, env := s.json(nethttp.MethodPost, base+"/messages", token, gin.H{"content": "hello"})
	require.Equal(t, nethttp.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, string(env.Data), `"replied":false`)

	rec, env = s.json(nethttp.MethodGet, base+"/messages?limit=10", token, nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	var history []model.Message
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history, 1)

	rec, _ = s.json(nethttp.MethodDelete, fmt.Sprintf("%s/messages/%d", base, history[0].ID), token, nil)
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	rec, env = s.json(nethttp.MethodDelete, fmt.Sprintf("%s/messages/%d", base, history[0].ID), token, nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, 40404, env.Code)

	rec, env = s.json(nethttp.MethodPut, base, token, gin.H{"title": "renamed"})
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"title":"renamed"`)

	require.Equal(t, nethttp.StatusCreated, s.upload(token, sessionID, "a.txt", "a").Code)
	require.Equal(t, nethttp.StatusCreated, s.upload(token, sessionID, "b.txt", "b").Code)

	rec, env = s.json(nethttp.MethodDelete, base, token, nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	var res appsvc.DeleteSessionResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, sessionID, res.DeletedSessionID)
	assert.Equal(t, int64(2), res.ArtifactsDisabled)

	rec, _ = s.json(nethttp.MethodGet, base, token, nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, true)
	rec := s.do(httptest.NewRequest(nethttp.MethodGet, "/healthz", nil), "")
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"storage":{"ok":true}`)

	rec = s.do(httptest.NewRequest(nethttp.MethodGet, "/metrics", nil), "")
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_requests_total{method="GET",path="/healthz",status="200"} 1`)

	down := newTestServer(t, false)
	rec = down.do(httptest.NewRequest(nethttp.MethodGet, "/healthz", nil), "")
	assert.Equal(t, nethttp.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "storage offline")
}
