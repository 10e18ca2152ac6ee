package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/runbridge/internal/broker"
	"github.com/vanpelt/runbridge/internal/config"
	"github.com/vanpelt/runbridge/internal/handlers"
)

func TestApplyServeFlags(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, serveCmd.Flags().Set("listen", "0.0.0.0:9000"))
	require.NoError(t, serveCmd.Flags().Set("local", "true"))
	require.NoError(t, serveCmd.Flags().Set("idle-timeout", "30s"))
	require.NoError(t, serveCmd.Flags().Set("dev", "true"))
	t.Cleanup(func() {
		for _, name := range []string{"listen", "local", "idle-timeout", "dev"} {
			serveCmd.Flags().Lookup(name).Changed = false
		}
	})

	applyServeFlags(serveCmd, cfg)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.True(t, cfg.Worker.Local)
	assert.Equal(t, 30*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, "debug", cfg.LogLevel, "dev mode defaults to debug logging")
	assert.Equal(t, config.DefaultWorkerCommand, cfg.Worker.Command)
}

func TestRenderStatus(t *testing.T) {
	var out bytes.Buffer
	renderStatus(&out, handlers.AuthStatusResponse{
		Authenticated: false,
		Message:       "not authenticated",
	}, []broker.Status{
		{ID: "default", Phase: broker.PhaseIdle, AuthBlocked: true},
		{ID: "work", Phase: broker.PhaseRunning, PID: 42, Viewers: 2, ControlConnected: true, BacklogBytes: 10},
	})

	text := out.String()
	assert.Contains(t, text, "not authenticated")
	assert.Contains(t, text, "blocked on credentials")
	assert.Contains(t, text, "pid 42")
	assert.Contains(t, text, "2 viewer(s)")
	assert.Contains(t, text, "control connected")
}

func TestRenderStatusNoSessions(t *testing.T) {
	var out bytes.Buffer
	renderStatus(&out, handlers.AuthStatusResponse{Authenticated: true, Endpoint: "https://api.example.com"}, nil)
	assert.Contains(t, out.String(), "https://api.example.com")
	assert.Contains(t, out.String(), "none")
}
