package webapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestWebServerReadiness(t *testing.T) {
	w := newWebServer(WebServerOptions{Logger: zap.NewNop()})
	h := w.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	w.healthy.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	w.shuttingDown.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebServerLogLevel(t *testing.T) {
	level := zap.NewAtomicLevel()
	w := newWebServer(WebServerOptions{Logger: zap.NewNop(), LogLevel: &level})
	h := w.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/loglevel", bytes.NewBufferString(`{"level":"debug"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, zapcore.DebugLevel, level.Level())
}

func TestWebServerMetrics(t *testing.T) {
	w := newWebServer(WebServerOptions{Logger: zap.NewNop()})

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
