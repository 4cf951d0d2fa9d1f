package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgchat/apiserver/config"
	"github.com/tgchat/apiserver/internal/logging"
	"github.com/tgchat/apiserver/internal/mq"
	"github.com/tgchat/apiserver/internal/storage"
	"github.com/tgchat/apiserver/internal/store"
)

func testConfig() config.Config {
	cfg := config.LoadConfig()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Server.AllowedOrigins = []string{"https://chat.example"}
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config, d deps) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	d.db = conn
	d.users = store.NewUserRepository(conn)

	srv, err := assemble(cfg, logging.Nop(), d)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, mock
}

func TestAssemble_MemoryBackends(t *testing.T) {
	cfg := testConfig()
	cfg.Backends.Codes = config.BackendMemory
	cfg.Backends.Sessions = config.BackendMemory
	srv, _ := newTestServer(t, cfg, deps{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ":8080", srv.Addr())
}

func TestAssemble_RedisBackendsRequireClient(t *testing.T) {
	cfg := testConfig()
	_, err := assemble(cfg, logging.Nop(), deps{})
	assert.Error(t, err)
}

func TestAssemble_RedisBackedCodeIssue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := testConfig()
	srv, mock := newTestServer(t, cfg, deps{redis: client, queue: mq.New(mq.NewMemoryBackend())})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`)).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	req := httptest.NewRequest(http.MethodPost, "/auth/generate_registration_code",
		strings.NewReader(`{"username":"alice","password":"p1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, mr.Keys(), 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssemble_CORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.Backends.Codes = config.BackendMemory
	cfg.Backends.Sessions = config.BackendMemory
	srv, _ := newTestServer(t, cfg, deps{})

	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://chat.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, "https://chat.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestAssemble_ArchivesEventsInProcess(t *testing.T) {
	cfg := testConfig()
	cfg.Backends.Codes = config.BackendMemory
	cfg.Backends.Sessions = config.BackendMemory
	cfg.Auth.BcryptCost = 4

	backend := mq.NewMemoryBackend()
	objects := storage.NewMemoryStorage("audit")
	srv, mock := newTestServer(t, cfg, deps{queue: mq.New(backend), objects: storage.NewStorage(objects)})
	require.Eventually(t, func() bool { return backend.Subscribers(cfg.Audit.Channel) == 1 }, time.Second, 5*time.Millisecond)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`)).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`INSERT\s+INTO\s+users`).
		WithArgs("alice", sqlmock.AnyArg(), int64(555)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	req := httptest.NewRequest(http.MethodPost, "/auth/generate_registration_code",
		strings.NewReader(`{"username":"alice","password":"p1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/auth/activate_registration_code?tg_chat_id=555&code="+body.Code, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool { return len(objects.Keys()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, strings.HasPrefix(objects.Keys()[0], cfg.Audit.KeyPrefix+"/"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
