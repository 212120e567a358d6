package middleware

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"mailcore/utils"
)

// RateLimiter allows requests per duration for each caller. Authenticated
// callers are keyed by user id, everyone else by IP.
func RateLimiter(requests int, duration time.Duration) fiber.Handler {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		clients = make(map[string]*client)
		mu      sync.Mutex
	)

	if requests <= 0 {
		requests = 1
	}
	every := rate.Every(duration / time.Duration(requests))

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for key, c := range clients {
				if time.Since(c.lastSeen) > 10*time.Minute {
					delete(clients, key)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *fiber.Ctx) error {
		key := "ip:" + c.IP()
		if id := UserID(c); id != "" {
			key = "user:" + id
		}

		mu.Lock()
		cl, exists := clients[key]
		if !exists {
			cl = &client{limiter: rate.NewLimiter(every, requests)}
			clients[key] = cl
		}
		cl.lastSeen = time.Now()
		mu.Unlock()

		if !cl.limiter.Allow() {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": fiber.Map{
					"kind":   "RateLimited",
					"detail": utils.T(Localizer(c), "error_rate_limited"),
				},
			})
		}

		return c.Next()
	}
}
