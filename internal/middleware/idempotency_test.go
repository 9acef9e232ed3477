package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/staykeep/payouts/internal/logging"
)

type counter struct{ calls int }

func setupTestApp(t *testing.T, status int) (*fiber.App, *counter, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	app := fiber.New()
	hits := &counter{}
	logger := logging.Discard()
	app.Use(func(c *fiber.Ctx) error {
		if acct := c.Get("X-Test-Account"); acct != "" {
			c.Locals(AccountIDLocal, acct)
		}
		return c.Next()
	})
	app.Use(Idempotency(cache, time.Minute, logger))
	app.Post("/resource", func(c *fiber.Ctx) error {
		hits.calls++
		return c.Status(status).JSON(fiber.Map{"ok": true, "call": hits.calls})
	})

	cleanup := func() {
		cache.Close()
		mr.Close()
	}

	return app, hits, cleanup
}

func post(t *testing.T, app *fiber.App, account, key string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/resource", strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	if account != "" {
		req.Header.Set("X-Test-Account", account)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app, hits, cleanup := setupTestApp(t, fiber.StatusCreated)
	defer cleanup()

	status, _ := post(t, app, "acct-1", "")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
	if hits.calls != 0 {
		t.Fatalf("expected handler not to run, ran %d", hits.calls)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, hits, cleanup := setupTestApp(t, fiber.StatusCreated)
	defer cleanup()

	status, payload := post(t, app, "acct-1", "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, status)
	}

	// Second request should return the cached response without invoking handler again.
	status, cachedPayload := post(t, app, "acct-1", "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status)
	}
	if cachedPayload != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cachedPayload)
	}
	if hits.calls != 1 {
		t.Fatalf("expected a single handler call, got %d", hits.calls)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cachedPayload), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencyKeysAreScopedPerAccount(t *testing.T) {
	app, hits, cleanup := setupTestApp(t, fiber.StatusCreated)
	defer cleanup()

	post(t, app, "acct-1", "same-key")
	post(t, app, "acct-2", "same-key")

	if hits.calls != 2 {
		t.Fatalf("expected each account to reach the handler, got %d calls", hits.calls)
	}
}

func TestIdempotencyDoesNotCacheAcceptedResponses(t *testing.T) {
	app, hits, cleanup := setupTestApp(t, fiber.StatusAccepted)
	defer cleanup()

	post(t, app, "acct-1", "pending-key")
	status, _ := post(t, app, "acct-1", "pending-key")

	if status != fiber.StatusAccepted {
		t.Fatalf("expected %d got %d", fiber.StatusAccepted, status)
	}
	if hits.calls != 2 {
		t.Fatalf("expected retry to reach the handler, got %d calls", hits.calls)
	}
}

func TestIdempotencyWithoutRedisIsNoop(t *testing.T) {
	app := fiber.New()
	app.Use(Idempotency(nil, time.Minute, logging.Discard()))
	app.Post("/resource", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })

	status, _ := post(t, app, "", "abc")
	if status != fiber.StatusCreated {
		t.Fatalf("expected %d got %d", fiber.StatusCreated, status)
	}
}
