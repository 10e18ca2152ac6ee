package handlers

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/mattn/go-isatty"
)

// Color constants for terminal output
const (
	cBlue    = "\u001b[94m"
	cCyan    = "\u001b[96m"
	cGreen   = "\u001b[92m"
	cMagenta = "\u001b[95m"
	cRed     = "\u001b[91m"
	cYellow  = "\u001b[93m"
	cReset   = "\u001b[0m"
)

// sampleEvery is how many requests to a sampled path go by per log line.
const sampleEvery = 10

func statusColor(status int) string {
	switch {
	case status >= 200 && status < 300:
		return cGreen
	case status >= 300 && status < 400:
		return cBlue
	case status >= 400 && status < 500:
		return cYellow
	default:
		return cRed
	}
}

func methodColor(method string) string {
	switch method {
	case fiber.MethodGet:
		return cCyan
	case fiber.MethodPost:
		return cGreen
	case fiber.MethodDelete:
		return cRed
	case fiber.MethodPut, fiber.MethodPatch:
		return cMagenta
	default:
		return cReset
	}
}

// RequestLogger logs every request except those to the sampled paths, which
// are polled by clients and only logged once per sampleEvery calls.
func RequestLogger(sampled ...string) fiber.Handler {
	return requestLogger(os.Stdout, colorsEnabled(os.Stdout), sampled...)
}

func colorsEnabled(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") == "" && os.Getenv("TERM") != "dumb"
}

func requestLogger(out io.Writer, colors bool, sampled ...string) fiber.Handler {
	var mu sync.Mutex
	counts := make(map[string]int, len(sampled))
	for _, p := range sampled {
		counts[p] = 0
	}

	defaultLogger := logger.New(logger.Config{
		Format:        "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		TimeFormat:    "15:04:05",
		Output:        out,
		DisableColors: !colors,
	})

	return func(c *fiber.Ctx) error {
		path := c.Path()

		mu.Lock()
		count, isSampled := counts[path]
		if isSampled {
			count++
			if count >= sampleEvery {
				counts[path] = 0
			} else {
				counts[path] = count
			}
		}
		mu.Unlock()

		if !isSampled {
			return defaultLogger(c)
		}
		if count < sampleEvery {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		method := c.Method()

		sc, mc, reset := "", "", ""
		if colors {
			sc, mc, reset = statusColor(status), methodColor(method), cReset
		}
		fmt.Fprintf(out, "%s | %s%d%s | %13s | %s | %s%s%s | %s | - [sampled: %d calls]\n",
			time.Now().Format("15:04:05"),
			sc, status, reset,
			time.Since(start),
			c.IP(),
			mc, method, reset,
			path,
			sampleEvery)
		return err
	}
}
