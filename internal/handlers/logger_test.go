package handlers

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLoggerSamplesPolledPaths(t *testing.T) {
	var out bytes.Buffer
	app := fiber.New()
	app.Use(requestLogger(&out, false, "/health"))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/v1/sessions", func(c *fiber.Ctx) error { return c.SendString("[]") })

	for i := 0; i < sampleEvery-1; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
	}
	assert.Empty(t, out.String())

	_, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "[sampled: 10 calls]")
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))

	_, err = app.Test(httptest.NewRequest("GET", "/v1/sessions", nil))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "/v1/sessions")
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
	assert.NotContains(t, out.String(), cReset)
}

func TestStatusColor(t *testing.T) {
	assert.Equal(t, cGreen, statusColor(200))
	assert.Equal(t, cBlue, statusColor(302))
	assert.Equal(t, cYellow, statusColor(404))
	assert.Equal(t, cRed, statusColor(500))
}
