package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bizdash-realtime/internal/dto"
	"github.com/noah-isme/bizdash-realtime/internal/models"
	"github.com/noah-isme/bizdash-realtime/internal/service"
	"github.com/noah-isme/bizdash-realtime/internal/utils"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// NotificationActions forwards read acknowledgements to the platform.
type NotificationActions interface {
	MarkAsRead(notificationID int64) bool
	MarkAllAsRead() bool
}

// NotificationHistory reads the offline notification queue.
type NotificationHistory interface {
	GetAll(ctx context.Context, limit int) []models.QueuedNotification
}

// NotificationHandler serves the notification list, queue history and SSE stream.
type NotificationHandler struct {
	center    service.NotificationCenter
	actions   NotificationActions
	history   NotificationHistory
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewNotificationHandler constructs a handler instance.
func NewNotificationHandler(center service.NotificationCenter, actions NotificationActions, history NotificationHistory, logger zerolog.Logger, keepAlive time.Duration) *NotificationHandler {
	return &NotificationHandler{
		center:    center,
		actions:   actions,
		history:   history,
		logger:    logger.With().Str("component", "notification_handler").Logger(),
		keepAlive: keepAlive,
	}
}

// Register binds the notification routes.
func (h *NotificationHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Get("/history", h.listHistory)
	router.Get("/stream", h.stream)
	router.Post("/read-all", h.markAllRead)
	router.Post("/:id/read", h.markRead)
}

func (h *NotificationHandler) list(c *fiber.Ctx) error {
	return utils.OK(c, h.center.List(), "notifications", fiber.Map{"unread_count": h.center.UnreadCount()})
}

func (h *NotificationHandler) listHistory(c *fiber.Ctx) error {
	if h.history == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "notification queue disabled")
	}

	limit, err := parseQueryInt(c, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records := h.history.GetAll(requestContext(c), limit)
	return utils.OK(c, dto.NewQueuedNotificationResponseSlice(records), "notification history", fiber.Map{"limit": limit})
}

func (h *NotificationHandler) stream(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(requestContext(c))
	events, cleanup := h.center.Subscribe()
	snapshot := service.NotificationEvent{Kind: service.NotificationEventCount, UnreadCount: h.center.UnreadCount()}

	keepAliveInterval := h.keepAlive
	if keepAliveInterval <= 0 {
		keepAliveInterval = 30 * time.Second
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
		}()

		if err := writeNotificationEvent(w, snapshot); err != nil {
			return
		}

		ticker := time.NewTicker(keepAliveInterval / 2)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := writeNotificationEvent(w, event); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write notification event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write notification keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func (h *NotificationHandler) markRead(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid notification id")
	}
	if h.actions == nil || !h.actions.MarkAsRead(id) {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "notifications socket not connected")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "read acknowledgement sent", fiber.Map{"id": id})
}

func (h *NotificationHandler) markAllRead(c *fiber.Ctx) error {
	if h.actions == nil || !h.actions.MarkAllAsRead() {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "notifications socket not connected")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "read acknowledgement sent", nil)
}

func writeNotificationEvent(w *bufio.Writer, event service.NotificationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", event.Kind); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
