package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/bizdash-realtime/internal/config"
	"github.com/noah-isme/bizdash-realtime/internal/utils"
)

// RealtimeStatus summarises the agent's sockets and leadership.
type RealtimeStatus struct {
	Leader              bool   `json:"leader"`
	TabID               string `json:"tab_id,omitempty"`
	MessagesSocket      string `json:"messages_socket"`
	NotificationsSocket string `json:"notifications_socket"`
	UnreadCount         int    `json:"unread_count"`
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Service     string          `json:"service"`
	Environment string          `json:"environment"`
	Realtime    *RealtimeStatus `json:"realtime,omitempty"`
}

// HealthCheck reports agent health. status may be nil.
func HealthCheck(cfg config.Config, status func() RealtimeStatus) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}
		if status != nil {
			snapshot := status()
			payload.Realtime = &snapshot
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
