package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/runbridge/internal/auth"
)

type countingValidator struct {
	calls  atomic.Int32
	result auth.Result
}

func (v *countingValidator) Validate(ctx context.Context, endpoint, token string) auth.Result {
	v.calls.Add(1)
	return v.result
}

func getAuthStatus(t *testing.T, app *fiber.App) AuthStatusResponse {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", "/v1/auth/status", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var result AuthStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func newAuthApp(h *AuthHandler) *fiber.App {
	app := fiber.New()
	app.Get("/v1/auth/status", h.GetAuthStatus)
	return app
}

func TestAuthHandler_GetAuthStatus(t *testing.T) {
	t.Run("no credential", func(t *testing.T) {
		h := NewAuthHandler(&memCreds{}, &countingValidator{}, "")
		defer h.Close()

		result := getAuthStatus(t, newAuthApp(h))
		assert.False(t, result.Authenticated)
		assert.Equal(t, "not authenticated", result.Message)
	})

	t.Run("unreadable credential", func(t *testing.T) {
		h := NewAuthHandler(&memCreds{err: errors.New("permission denied")}, nil, "")
		defer h.Close()

		result := getAuthStatus(t, newAuthApp(h))
		assert.False(t, result.Authenticated)
		assert.Contains(t, result.Message, "permission denied")
	})

	t.Run("expired credential", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		h := NewAuthHandler(&memCreds{cred: &auth.Credential{AccessToken: "t", ExpiresAt: &past}}, nil, "")
		defer h.Close()

		result := getAuthStatus(t, newAuthApp(h))
		assert.False(t, result.Authenticated)
		assert.Contains(t, result.Message, "expired")
	})

	t.Run("no endpoint skips validation", func(t *testing.T) {
		v := &countingValidator{}
		h := NewAuthHandler(&memCreds{cred: &auth.Credential{AccessToken: "t"}}, v, "")
		defer h.Close()

		result := getAuthStatus(t, newAuthApp(h))
		assert.True(t, result.Authenticated)
		assert.Zero(t, v.calls.Load())
	})

	t.Run("validated against override endpoint", func(t *testing.T) {
		v := &countingValidator{result: auth.Result{OK: false, Message: "credential rejected (HTTP 401)"}}
		creds := &memCreds{cred: &auth.Credential{AccessToken: "t", Endpoint: "https://stored.example.com"}}
		h := NewAuthHandler(creds, v, "https://override.example.com")
		defer h.Close()

		result := getAuthStatus(t, newAuthApp(h))
		assert.False(t, result.Authenticated)
		assert.Equal(t, "https://override.example.com", result.Endpoint)
		assert.Equal(t, "credential rejected (HTTP 401)", result.Message)
	})
}

func TestAuthHandler_CachesAndInvalidates(t *testing.T) {
	v := &countingValidator{result: auth.Result{OK: true}}
	creds := &memCreds{cred: &auth.Credential{AccessToken: "t", Endpoint: "https://api.example.com"}}
	h := NewAuthHandler(creds, v, "")
	defer h.Close()
	app := newAuthApp(h)

	first := getAuthStatus(t, app)
	second := getAuthStatus(t, app)
	assert.True(t, first.Authenticated)
	assert.Equal(t, first.CheckedAt.Unix(), second.CheckedAt.Unix())
	assert.Equal(t, int32(1), v.calls.Load(), "second poll should be served from cache")

	creds.set(nil)
	h.Invalidate()

	third := getAuthStatus(t, app)
	assert.False(t, third.Authenticated)
	assert.Equal(t, int32(1), v.calls.Load())
}
