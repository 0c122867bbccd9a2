package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that serves a download request. value
// is the decoded path remainder after the download prefix. It allows injecting
// fake handlers during tests.
type ProxyHandler interface {
	Handle(c fiber.Ctx, value string) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, string) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, value string) error {
	return f(c, value)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger         *logrus.Logger
	Proxy          ProxyHandler
	DownloadPrefix string
}

const contextKeyRequestID = "_anystream_request_id"

// NewApp builds a Fiber application with request id middleware, panic
// recovery and the download route mounted under DownloadPrefix.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	prefix := strings.TrimRight(opts.DownloadPrefix, "/")
	if !strings.HasPrefix(prefix, "/") {
		return nil, errors.New("download prefix must start with /")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All(prefix+"/*", func(c fiber.Ctx) error {
		method := c.Method()
		if method != http.MethodGet && method != http.MethodHead {
			c.Set("Allow", "GET, HEAD")
			return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "method_not_allowed"})
		}
		value, ok := downloadValue(c, prefix)
		if !ok || value == "" {
			c.Status(fiber.StatusNotFound)
			return nil
		}
		return opts.Proxy.Handle(c, value)
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// errorHandler 统一以 JSON 返回 Fiber 错误，并记录 5xx。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "http_error",
				"path":       c.Path(),
				"request_id": RequestID(c),
			}).WithError(err).Error("request_failed")
		}
		code := "internal_error"
		if status < fiber.StatusInternalServerError {
			code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		}
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

// downloadValue 从原始（未归一化）路径中取出前缀之后的部分并做一次解码。
// 直链形如 /dl/https://host/path，归一化后的路径会把 // 折叠为 /。
func downloadValue(c fiber.Ctx, prefix string) (string, bool) {
	raw := string(c.Request().URI().PathOriginal())
	if !strings.HasPrefix(raw, prefix+"/") {
		return "", false
	}
	raw = raw[len(prefix)+1:]
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded, true
	}
	return raw, true
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
