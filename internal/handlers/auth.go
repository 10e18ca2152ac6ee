package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/vanpelt/runbridge/internal/auth"
	"github.com/vanpelt/runbridge/internal/broker"
	"github.com/vanpelt/runbridge/internal/cache"
)

// authStatusTTL bounds how often polling clients trigger a remote validation.
const authStatusTTL = 2 * time.Second

const authStatusKey = "auth:status"

// AuthHandler reports whether the stored credential is usable
type AuthHandler struct {
	store     broker.CredentialSource
	validator auth.Validator
	endpoint  string
	cache     cache.Cache[AuthStatusResponse]
	now       func() time.Time
}

// AuthStatusResponse represents the auth status response
// @Description Whether a usable credential is stored, and why not otherwise
type AuthStatusResponse struct {
	Authenticated bool      `json:"authenticated" example:"true"`
	Endpoint      string    `json:"endpoint,omitempty" example:"https://api.example.com"`
	Message       string    `json:"message,omitempty" example:"credential rejected (HTTP 401); sign in again"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// NewAuthHandler creates a new auth handler. endpoint, when set, overrides
// the endpoint stored with the credential.
func NewAuthHandler(store broker.CredentialSource, validator auth.Validator, endpoint string) *AuthHandler {
	return &AuthHandler{
		store:     store,
		validator: validator,
		endpoint:  endpoint,
		cache:     cache.NewLRUCache[AuthStatusResponse](cache.ShortLivedConfig(authStatusTTL)),
		now:       time.Now,
	}
}

// GetAuthStatus returns the cached or freshly checked credential status
// @Summary Get auth status
// @Description Validates the stored credential against its endpoint (cached for 2 seconds)
// @Tags auth
// @Produce json
// @Success 200 {object} AuthStatusResponse
// @Router /v1/auth/status [get]
func (h *AuthHandler) GetAuthStatus(c *fiber.Ctx) error {
	if status, ok := h.cache.Get(authStatusKey); ok {
		return c.JSON(status)
	}

	status := h.check(c)
	h.cache.Set(authStatusKey, status)
	return c.JSON(status)
}

func (h *AuthHandler) check(c *fiber.Ctx) AuthStatusResponse {
	status := AuthStatusResponse{CheckedAt: h.now()}

	cred, err := h.store.Load()
	switch {
	case err != nil:
		status.Message = "could not read credentials: " + err.Error()
		return status
	case cred == nil:
		status.Message = "not authenticated"
		return status
	case cred.Expired(status.CheckedAt):
		status.Message = "stored credential has expired"
		return status
	}

	status.Endpoint = h.endpoint
	if status.Endpoint == "" {
		status.Endpoint = cred.Endpoint
	}
	if status.Endpoint == "" || h.validator == nil {
		status.Authenticated = true
		status.Message = "credential stored; no endpoint to validate against"
		return status
	}

	res := h.validator.Validate(c.UserContext(), status.Endpoint, cred.AccessToken)
	status.Authenticated = res.OK
	status.Message = res.Message
	return status
}

// Invalidate drops the cached status, e.g. after the credential file changed.
func (h *AuthHandler) Invalidate() {
	h.cache.Clear("")
}

// Close releases the status cache.
func (h *AuthHandler) Close() error {
	return h.cache.Close()
}
