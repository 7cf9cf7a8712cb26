package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func limitedApp(rl *RateLimiter, prefix string, max int) *fiber.App {
	app := fiber.New()
	app.Post("/submit", rl.Limit(prefix, max, time.Minute), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})
	return app
}

func post(t *testing.T, app *fiber.App) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/submit", nil), -1)
	require.NoError(t, err)
	return resp
}

func TestLimitRejectsOverLimit(t *testing.T) {
	client := newTestRedis(t)
	prefix := "test-" + uuid.New().String()
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), "ratelimit:"+prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	})
	app := limitedApp(NewRateLimiter(client), prefix, 2)

	first := post(t, app)
	assert.Equal(t, fiber.StatusAccepted, first.StatusCode)
	assert.Equal(t, "2", first.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header.Get("X-RateLimit-Remaining"))

	second := post(t, app)
	assert.Equal(t, fiber.StatusAccepted, second.StatusCode)
	assert.Equal(t, "0", second.Header.Get("X-RateLimit-Remaining"))

	third := post(t, app)
	require.Equal(t, fiber.StatusTooManyRequests, third.StatusCode)
	retryAfter, err := strconv.Atoi(third.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 60)

	body, err := io.ReadAll(third.Body)
	require.NoError(t, err)
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "RATE_LIMITED", envelope.Error.Code)
}

func TestLimitDisabled(t *testing.T) {
	app := limitedApp(NewRateLimiter(nil), "off", 1)
	for i := 0; i < 3; i++ {
		assert.Equal(t, fiber.StatusAccepted, post(t, app).StatusCode)
	}

	client := newTestRedis(t)
	app = limitedApp(NewRateLimiter(client), "zero", 0)
	for i := 0; i < 3; i++ {
		assert.Equal(t, fiber.StatusAccepted, post(t, app).StatusCode)
	}
}
