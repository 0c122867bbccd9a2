package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-stream/internal/entry"
	"github.com/any-hub/any-stream/internal/logging"
	"github.com/any-hub/any-stream/internal/server"
	"github.com/any-hub/any-stream/internal/stream"
)

// Handler 把 Service 的结果写回 Fiber 响应，并把领域错误翻译为 HTTP 状态。
type Handler struct {
	service *Service
	logger  *logrus.Logger
}

// NewHandler constructs a download handler around the shared Service.
func NewHandler(service *Service, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。value 为下载前缀之后、已解码的路径值。
func (h *Handler) Handle(c fiber.Ctx, value string) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)

	defer func() {
		if r := recover(); r != nil {
			err = h.respondHandlerPanic(c, r, requestID)
		}
	}()

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := Request{
		Value:    value,
		RawQuery: string(c.Request().URI().QueryString()),
		Header:   fiberHeadersAsHTTP(c),
	}
	result, serveErr := h.service.Serve(ctx, req)
	if serveErr != nil {
		h.logResult(result, requestID, 0, started, serveErr)
		return h.writeServeError(c, serveErr)
	}
	return h.writeResult(c, result, requestID, started)
}

func (h *Handler) writeResult(c fiber.Ctx, result *Result, requestID string, started time.Time) error {
	resp := result.Response

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Any-Stream-Cache-Hit", strconv.FormatBool(result.CacheHit))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	size := contentLength(resp)
	h.logResult(result, requestID, resp.Status, started, nil)

	if c.Method() == http.MethodHead {
		resp.Close()
		if size >= 0 {
			c.Response().Header.SetContentLength(size)
		}
		return nil
	}
	// fasthttp 写完（或连接断开）后会关闭实现了 io.Closer 的 Body。
	return c.SendStream(resp.Body, size)
}

func (h *Handler) writeServeError(c fiber.Ctx, err error) error {
	var rangeErr *stream.RangeError
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, entry.ErrNotFound),
		errors.Is(err, entry.ErrExpired):
		c.Status(fiber.StatusNotFound)
		return nil
	case errors.Is(err, stream.ErrMalformedRange):
		return writeError(c, fiber.StatusBadRequest, "malformed_range")
	case errors.As(err, &rangeErr):
		c.Set("Content-Range", fmt.Sprintf("bytes */%d", rangeErr.Size))
		c.Status(fiber.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, stream.ErrOriginUnreachable):
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	default:
		return writeError(c, fiber.StatusInternalServerError, "download_failed")
	}
}

func (h *Handler) respondHandlerPanic(c fiber.Ctx, recovered any, requestID string) error {
	fields := logrus.Fields{"action": "download"}
	if requestID != "" {
		fields["request_id"] = requestID
		c.Set("X-Request-ID", requestID)
	}
	h.logger.WithFields(fields).Error(fmt.Sprintf("handler_panic: %v", recovered))
	return writeError(c, fiber.StatusInternalServerError, "handler_panic")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(result *Result, requestID string, status int, started time.Time, err error) {
	if result == nil {
		result = &Result{}
	}
	fields := logging.RequestFields(result.Kind.String(), result.EntryID, result.CacheHit)
	fields["action"] = "download"
	fields["upstream"] = result.Upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		if errors.Is(err, stream.ErrOriginUnreachable) {
			h.logger.WithFields(fields).Error("download_failed")
			return
		}
		h.logger.WithFields(fields).Warn("download_rejected")
		return
	}
	h.logger.WithFields(fields).Info("download_started")
}

// contentLength 返回响应的正文长度；未知时返回 -1，由 fasthttp 使用分块传输。
// 上游返回错误状态时正文为空，长度为 0。
func contentLength(resp *stream.Response) int {
	if raw := resp.Header.Get("Content-Length"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	if resp.Status >= http.StatusBadRequest || resp.Status == http.StatusNoContent || resp.Status == http.StatusNotModified {
		return 0
	}
	return -1
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			// 多值头（Set-Cookie、Link 等）逐个追加。
			c.Response().Header.Add(key, value)
		}
	}
}
