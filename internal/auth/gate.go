package auth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	DefaultProbePath = "/api/v1/me"
	defaultTimeout   = 10 * time.Second
)

// Result is the outcome of one validation. Failures never escape as errors;
// they are described in Message for display in a terminal.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Validator checks a token against an endpoint.
type Validator interface {
	Validate(ctx context.Context, endpoint, token string) Result
}

// Gate validates credentials with one authenticated GET against the remote
// endpoint. It does not cache; callers that poll own their caching.
type Gate struct {
	client    *fasthttp.Client
	probePath string
	timeout   time.Duration
}

func NewGate(probePath string, timeout time.Duration) *Gate {
	if probePath == "" {
		probePath = DefaultProbePath
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Gate{
		client: &fasthttp.Client{
			Name:                "runbridge",
			MaxIdleConnDuration: 30 * time.Second,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
		},
		probePath: probePath,
		timeout:   timeout,
	}
}

// ProbeURL joins the endpoint and the probe path.
func ProbeURL(endpoint, probePath string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid endpoint %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(probePath, "/")
	return u.String(), nil
}

func (g *Gate) Validate(ctx context.Context, endpoint, token string) Result {
	if strings.TrimSpace(token) == "" {
		return Result{Message: "no access token stored"}
	}
	probe, err := ProbeURL(endpoint, g.probePath)
	if err != nil {
		return Result{Message: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return Result{Message: fmt.Sprintf("validation cancelled: %v", err)}
	}

	deadline := time.Now().Add(g.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(probe)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")

	if err := g.client.DoDeadline(req, resp, deadline); err != nil {
		return Result{Message: fmt.Sprintf("could not reach %s: %v", endpoint, err)}
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return Result{OK: true}
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return Result{Message: fmt.Sprintf("credential rejected by %s (HTTP %d); sign in again", endpoint, status)}
	default:
		return Result{Message: fmt.Sprintf("unexpected response from %s (HTTP %d)", endpoint, status)}
	}
}
