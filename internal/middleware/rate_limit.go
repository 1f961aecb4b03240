package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimit caps requests per key and minute using a Redis counter. keyFn picks
// the bucket; an empty key falls back to the client IP. The limiter fails open
// without Redis or on cache errors.
func RateLimit(cache *redis.Client, name string, maxPerMin int, keyFn func(c *fiber.Ctx) string, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		key := ""
		if keyFn != nil {
			key = keyFn(c)
		}
		if key == "" {
			key = c.IP()
		}
		bucket := "rl:" + name + ":" + key + ":" + strconv.FormatInt(time.Now().Unix()/60, 10)

		cnt, err := cache.Incr(c.UserContext(), bucket).Result()
		if err != nil {
			logger.Warn("rate limit lookup failed", slog.String("bucket", bucket), slog.Any("error", err))
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), bucket, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			c.Set(fiber.HeaderRetryAfter, "60")
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}

// WalletFromBody buckets by the wallet_id field of a JSON body.
func WalletFromBody(c *fiber.Ctx) string {
	var req struct {
		WalletID string `json:"wallet_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return ""
	}
	return req.WalletID
}
