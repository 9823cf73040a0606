package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/balanced/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubFlusher struct {
	calls int
	err   error
}

func (f *stubFlusher) Flush(context.Context) error {
	f.calls++
	return f.err
}

func newTestServer(t *testing.T, flusher Flusher) (*Server, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	s := NewServer(ServerParams{
		Cfg:     config.Config{Environment: "development", OpsAddr: ":0"},
		DB:      conn,
		Redis:   client,
		Flusher: flusher,
		Log:     zap.NewNop(),
	})
	return s, mr
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := serve(s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzReportsDegradedRedis(t *testing.T) {
	s, mr := newTestServer(t, nil)

	w := serve(s, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"ok"`)

	mr.Close()
	w = serve(s, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"degraded"`)
}

func TestFlushSync(t *testing.T) {
	flusher := &stubFlusher{}
	s, _ := newTestServer(t, flusher)

	w := serve(s, http.MethodPost, "/internal/sync/flush")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, flusher.calls)

	flusher.err = errors.New("emit failed")
	w = serve(s, http.MethodPost, "/internal/sync/flush")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
}

func TestFlushSyncWithoutManager(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := serve(s, http.MethodPost, "/internal/sync/flush")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := serve(s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
}
