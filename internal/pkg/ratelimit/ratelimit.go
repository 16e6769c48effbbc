// Package ratelimit builds fiber limiters whose counters are shared across
// instances through Redis.
package ratelimit

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"

	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/env"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

// storageDB keeps limiter keys apart from the cache (DB 0).
const storageDB = 1

// redisConfig derives limiter storage settings from the cache client.
func redisConfig(client *goredis.Client) redis.Config {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client != nil {
		addr := client.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}
	return redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: storageDB,
		Reset:    false,
	}
}

// NewStorage returns Redis-backed limiter storage, or nil (in-memory
// counters) when no cache client is configured.
func NewStorage(client *goredis.Client) fiber.Storage {
	if client == nil {
		log.Warn("[RateLimit] No cache client, using in-memory counters")
		return nil
	}
	return redis.New(redisConfig(client))
}

// Key identifies the caller: the user when authenticated, else the IP.
func Key(c *fiber.Ctx) string {
	if id := usercontext.GetUserID(c); id != 0 {
		return fmt.Sprintf("user:%d", id)
	}
	return "ip:" + c.IP()
}

// New limits each caller to max requests per window.
func New(max int, window time.Duration, storage fiber.Storage) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:          max,
		Expiration:   window,
		KeyGenerator: Key,
		Storage:      storage,
		LimitReached: func(c *fiber.Ctx) error {
			return apperror.Respond(c, apperror.RateLimited("too many requests").
				WithDetail("retry_after", c.GetRespHeader(fiber.HeaderRetryAfter)))
		},
	})
}
