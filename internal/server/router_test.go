package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterPassesValueAfterPrefix(t *testing.T) {
	app := newTestApp(t, "/dl")

	resp, err := app.Test(httptest.NewRequest("GET", "/dl/3f2a9c01be", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.recorder.value != "3f2a9c01be" {
		t.Fatalf("expected identifier value, got %q", app.recorder.value)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if app.recorder.requestID == "" {
		t.Fatalf("expected request id to be visible to the handler")
	}
}

func TestRouterKeepsDoubleSlashInDirectURL(t *testing.T) {
	app := newTestApp(t, "/dl")

	resp, err := app.Test(httptest.NewRequest("GET", "/dl/https://example.test/media/a%20b.mp4", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if want := "https://example.test/media/a b.mp4"; app.recorder.value != want {
		t.Fatalf("expected %q, got %q", want, app.recorder.value)
	}
}

func TestRouterHonoursCustomPrefix(t *testing.T) {
	app := newTestApp(t, "/files/")

	resp, err := app.Test(httptest.NewRequest("GET", "/files/abc", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent || app.recorder.value != "abc" {
		t.Fatalf("expected handler to receive abc, got status=%d value=%q", resp.StatusCode, app.recorder.value)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/dl/abc", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 outside the prefix, got %d", resp.StatusCode)
	}
}

func TestRouterRejectsEmptyValue(t *testing.T) {
	app := newTestApp(t, "/dl")

	resp, err := app.Test(httptest.NewRequest("GET", "/dl/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	if app.recorder.calls != 0 {
		t.Fatalf("handler should not be called for an empty value")
	}
}

func TestRouterRejectsUnsupportedMethod(t *testing.T) {
	app := newTestApp(t, "/dl")

	resp, err := app.Test(httptest.NewRequest("POST", "/dl/abc", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusMethodNotAllowed {
		t.Fatalf("expected 405 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"method_not_allowed"`)) {
		t.Fatalf("expected method_not_allowed error, got %s", string(body))
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	handler := ProxyHandlerFunc(func(fiber.Ctx, string) error { return nil })

	if _, err := NewApp(AppOptions{Proxy: handler, DownloadPrefix: "/dl"}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logger, DownloadPrefix: "/dl"}); err == nil {
		t.Fatalf("expected error without proxy handler")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Proxy: handler, DownloadPrefix: "dl"}); err == nil {
		t.Fatalf("expected error for relative prefix")
	}
}

type testApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newTestApp(t *testing.T, prefix string) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:         logger,
		Proxy:          recorder,
		DownloadPrefix: prefix,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type proxyRecorder struct {
	value     string
	requestID string
	calls     int
}

func (p *proxyRecorder) Handle(c fiber.Ctx, value string) error {
	p.calls++
	p.value = value
	p.requestID = RequestID(c)
	c.Status(fiber.StatusNoContent)
	return nil
}
