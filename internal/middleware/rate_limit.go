package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/bizdash-realtime/internal/utils"
)

// RateLimit throttles outbound chat sends per agent, falling back to the client IP.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			agentID, _ := c.Locals("agent_id").(string)
			if agentID == "" {
				agentID = c.IP()
			}
			return fmt.Sprintf("%s:%s", identifier, agentID)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many messages, slow down")
		},
	})
}
