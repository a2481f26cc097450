package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/health"
)

func probe(t *testing.T, e *echo.Echo, path string) (int, health.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var resp health.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestReadiness(t *testing.T) {
	e := echo.New()
	checker := health.NewChecker("test")
	checker.RegisterRoutes(e)

	code, _ := probe(t, e, "/api/v1/health/live")
	assert.Equal(t, http.StatusOK, code)

	code, resp := probe(t, e, "/api/v1/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code, "not ready before SetReady")
	assert.Equal(t, health.StatusUnhealthy, resp.Status)

	checker.SetReady(true)
	checker.AddCheck("database", health.PingFunc(func(context.Context) error { return nil }), true)
	checker.AddCheck("redis", health.PingFunc(func(context.Context) error { return errors.New("down") }), false)

	code, resp = probe(t, e, "/api/v1/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, health.StatusDegraded, resp.Status)
	assert.Equal(t, "down", resp.Checks["redis"].Message)

	checker.AddCheck("database", health.PingFunc(func(context.Context) error { return errors.New("gone") }), true)
	code, resp = probe(t, e, "/api/v1/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, health.StatusUnhealthy, resp.Status)
}
