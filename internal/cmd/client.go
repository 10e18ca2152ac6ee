package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/vanpelt/runbridge/internal/config"
)

const requestTimeout = 10 * time.Second

var (
	serverURL string
	apiToken  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://"+config.DefaultListen, "Broker base URL for client commands")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("RUNBRIDGE_API_TOKEN"), "API token when the broker requires one")
}

// apiError is the error body every handler returns.
type apiError struct {
	Error string `json:"error"`
}

// doRequest performs a broker API call and returns the response body. Non-2xx
// statuses are turned into errors carrying the server's message.
func doRequest(method, path string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(serverURL, "/") + path)
	req.Header.SetMethod(method)
	if apiToken != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+apiToken)
	}

	if err := fasthttp.DoTimeout(req, resp, requestTimeout); err != nil {
		return nil, fmt.Errorf("failed to reach broker at %s: %w", serverURL, err)
	}

	body := append([]byte(nil), resp.Body()...)
	if status := resp.StatusCode(); status < 200 || status >= 300 {
		var e apiError
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s %s: %s (HTTP %d)", method, path, e.Error, status)
		}
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, status)
	}
	return body, nil
}

func getJSON(path string, out interface{}) error {
	body, err := doRequest(fasthttp.MethodGet, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
