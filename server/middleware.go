package server

import (
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/marketapi"
)

const adminTokenHeader = "X-Admin-Token"

// requestLogger logs every request, at warn for 4xx and error for 5xx.
func requestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		level := slog.LevelInfo
		if status >= 400 && status < 500 {
			level = slog.LevelWarn
		} else if status >= 500 {
			level = slog.LevelError
		}

		attrs := []slog.Attr{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("ip", c.IP()),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		logger.LogAttrs(c.UserContext(), level, "HTTP request processed", attrs...)
		return err
	}
}

// workerSlots bounds the number of requests in flight. A request that finds
// every slot taken is turned away at once instead of queueing.
func workerSlots(max int, logger *slog.Logger) fiber.Handler {
	if max <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	slots := make(chan struct{}, max)
	return func(c *fiber.Ctx) error {
		select {
		case slots <- struct{}{}:
			defer func() { <-slots }()
			return c.Next()
		default:
			logger.Warn("request rejected, all worker slots busy",
				slog.String("path", c.Path()),
				slog.Int("max_in_flight", max))
			return c.Status(fiber.StatusServiceUnavailable).JSON(marketapi.Response{
				Outcome: marketapi.OutcomeUnavailable,
				Error: &marketapi.ErrorBody{
					Kind:    core.KindInternal,
					Code:    "server_busy",
					Message: "server busy, retry later",
				},
			})
		}
	}
}

// adminOnly guards admin routes with a shared token. Without a configured
// token the routes are disabled.
func adminOnly(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Status(fiber.StatusNotFound).JSON(marketapi.Response{
				Outcome: marketapi.OutcomeNotFound,
				Error:   &marketapi.ErrorBody{Kind: core.KindNotFound, Code: "admin_disabled", Message: "admin routes are disabled"},
			})
		}
		got := c.Get(adminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(marketapi.Response{
				Outcome: marketapi.OutcomeRestricted,
				Error:   &marketapi.ErrorBody{Kind: core.KindRestriction, Code: "unauthorized", Message: "admin token required"},
			})
		}
		return c.Next()
	}
}
