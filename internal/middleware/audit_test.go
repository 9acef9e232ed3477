package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func auditApp(buf *bytes.Buffer) *fiber.App {
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	app := fiber.New()
	app.Use(RequestID(), Audit(logger))
	app.Post("/wallet/withdrawals", func(c *fiber.Ctx) error {
		c.Locals(AccountIDLocal, "acct-7")
		return c.SendStatus(fiber.StatusCreated)
	})
	app.Post("/denied", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusUnauthorized, "missing token")
	})
	return app
}

func lastAuditLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("decode audit line %q: %v", lines[len(lines)-1], err)
	}
	return entry
}

func TestAuditRecordsAccountAndIdempotencyKey(t *testing.T) {
	var buf bytes.Buffer
	app := auditApp(&buf)

	req := httptest.NewRequest(fiber.MethodPost, "/wallet/withdrawals", nil)
	req.Header.Set(idempotencyKeyHeader, "w-42")
	req.Header.Set(requestIDHeader, "trace-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if got := resp.Header.Get(requestIDHeader); got != "trace-1" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	entry := lastAuditLine(t, &buf)
	want := map[string]any{
		"account_id":      "acct-7",
		"idempotency_key": "w-42",
		"request_id":      "trace-1",
		"status":          float64(fiber.StatusCreated),
		"level":           "INFO",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("%s: expected %v got %v", k, v, entry[k])
		}
	}
}

func TestAuditLogsClientErrorsWithTheirStatus(t *testing.T) {
	var buf bytes.Buffer
	app := auditApp(&buf)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/denied", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.StatusCode)
	}

	entry := lastAuditLine(t, &buf)
	if entry["status"] != float64(fiber.StatusUnauthorized) || entry["level"] != "WARN" {
		t.Fatalf("unexpected audit line %v", entry)
	}
	if _, ok := entry["account_id"]; ok {
		t.Fatalf("unauthenticated request must not carry an account: %v", entry)
	}
}

func TestRequestIDReplacesUnsafeValues(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(RequestIDFrom(c))
	})

	for _, supplied := range []string{"", "bad id\nwith newline", strings.Repeat("a", maxRequestIDLen+1)} {
		req := httptest.NewRequest(fiber.MethodGet, "/", nil)
		if supplied != "" {
			req.Header.Set(requestIDHeader, supplied)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		got := resp.Header.Get(requestIDHeader)
		if got == "" || got == supplied || len(got) != 26 {
			t.Fatalf("supplied %q: expected a fresh ULID, got %q", supplied, got)
		}
	}
}
