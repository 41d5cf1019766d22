package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth_AllOK(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	h := NewHealthHandler(map[string]Pinger{"database": ok, "broker": ok})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	data := parseOK(t, rec)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, map[string]any{"database": "ok", "broker": "ok"}, data["checks"])
}

func TestHealth_Degraded(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"database": pingFunc(func(context.Context) error { return nil }),
		"broker":   pingFunc(func(context.Context) error { return errors.New("broker closed") }),
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DEGRADED", parseErr(t, rec))
}

func TestHealth_SkipsNilChecks(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{"cache": nil})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
