package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/triarb/internal/server/handler"
)

func testHandler(apiKey string) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"noop": handler.PingFunc(func(context.Context) error { return nil }),
		}, logger),
		Status: handler.NewStatusHandler("paper", nil, nil),
	}
	return NewHandler(Config{APIKey: apiKey}, handlers, nil, logger)
}

func do(h http.Handler, path string, header map[string]string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestAuthGuardsAPIButNotHealth(t *testing.T) {
	h := testHandler("secret")

	assert.Equal(t, http.StatusOK, do(h, "/api/health", nil))
	assert.Equal(t, http.StatusUnauthorized, do(h, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, do(h, "/api/status", map[string]string{"X-API-Key": "wrong"}))
	assert.Equal(t, http.StatusOK, do(h, "/api/status", map[string]string{"X-API-Key": "secret"}))
	assert.Equal(t, http.StatusOK, do(h, "/api/status", map[string]string{"Authorization": "Bearer secret"}))
}

func TestQueryTokenOnlyForUpgrades(t *testing.T) {
	h := testHandler("secret")

	assert.Equal(t, http.StatusUnauthorized, do(h, "/api/status?token=secret", nil))
	// Authorized, then 404 because no hub is registered.
	assert.Equal(t, http.StatusNotFound, do(h, "/ws?token=secret", map[string]string{"Upgrade": "websocket"}))
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	h := testHandler("")
	assert.Equal(t, http.StatusOK, do(h, "/api/status", nil))
}

func TestOptionalRoutesAbsent(t *testing.T) {
	h := testHandler("")
	assert.Equal(t, http.StatusNotFound, do(h, "/api/ledger", nil))
	assert.Equal(t, http.StatusNotFound, do(h, "/api/executions", nil))
	assert.Equal(t, http.StatusNotFound, do(h, "/api/books", nil))
}
