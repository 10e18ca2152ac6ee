package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/vanpelt/runbridge/internal/auth"
	"github.com/vanpelt/runbridge/internal/broker"
	"github.com/vanpelt/runbridge/internal/middleware"
)

// Deps is everything the HTTP surface is built from.
type Deps struct {
	Registry    *broker.Registry
	Credentials broker.CredentialSource
	Validator   auth.Validator
	// Endpoint overrides the endpoint stored with the credential.
	Endpoint string
	// APISecret enables token auth on every route except /health.
	APISecret string
}

// Server bundles the fiber app with the handlers that need lifecycle hooks.
type Server struct {
	App  *fiber.App
	Auth *AuthHandler
}

// NewServer builds the broker's HTTP and WebSocket routes.
func NewServer(deps Deps) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "runbridge",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(RequestLogger("/v1/auth/status", "/health"))
	app.Use(middleware.NewAuthMiddleware(deps.APISecret).RequireAuth)

	authHandler := NewAuthHandler(deps.Credentials, deps.Validator, deps.Endpoint)
	sessionsHandler := NewSessionsHandler(deps.Registry)
	viewerHandler := NewViewerHandler(deps.Registry)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/v1")
	v1.Get("/ws", viewerHandler.HandleWebSocket)
	v1.Get("/sessions", sessionsHandler.ListSessions)
	v1.Post("/sessions/:id/restart", sessionsHandler.RestartSession)
	v1.Get("/sessions/:id/screen", sessionsHandler.GetScreen)
	v1.Get("/auth/status", authHandler.GetAuthStatus)

	return &Server{App: app, Auth: authHandler}
}

// CredentialsChanged drops cached auth status so the next poll re-checks.
func (s *Server) CredentialsChanged() {
	s.Auth.Invalidate()
}

// Close releases handler resources. The fiber app is shut down separately.
func (s *Server) Close() {
	s.Auth.Close()
}
