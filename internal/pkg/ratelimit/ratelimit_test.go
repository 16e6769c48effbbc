package ratelimit

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

func TestRedisConfigFollowsCacheClient(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "cache:6380", Password: "pw"})
	defer client.Close()

	cfg := redisConfig(client)
	assert.Equal(t, "cache", cfg.Host)
	assert.Equal(t, 6380, cfg.Port)
	assert.Equal(t, "pw", cfg.Password)
	assert.Equal(t, storageDB, cfg.Database)

	assert.Nil(t, NewStorage(nil))
}

func TestLimiterReturns429Envelope(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if c.Get("X-User") == "1" {
			usercontext.SetPrincipal(c, usercontext.Principal{UserID: 1})
		}
		return c.Next()
	})
	app.Post("/quote", New(2, time.Minute, nil), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/quote", nil), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest("POST", "/quote", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "too many requests", body["error"])

	req := httptest.NewRequest("POST", "/quote", nil)
	req.Header.Set("X-User", "1")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "authenticated callers have their own bucket")
}
