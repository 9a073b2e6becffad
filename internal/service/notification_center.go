package service

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bizdash-realtime/internal/broadcast"
	"github.com/noah-isme/bizdash-realtime/internal/models"
	"github.com/noah-isme/bizdash-realtime/internal/observability"
)

const (
	notificationBufferSize   = 16
	notificationHistoryLimit = 100
)

// NotificationEventKind names a change published by the notification center.
type NotificationEventKind string

// Notification center events.
const (
	NotificationEventReceived NotificationEventKind = "received"
	NotificationEventRead     NotificationEventKind = "read"
	NotificationEventAllRead  NotificationEventKind = "all_read"
	NotificationEventCount    NotificationEventKind = "count"
)

// NotificationEvent is delivered to stream subscribers.
type NotificationEvent struct {
	Kind           NotificationEventKind `json:"kind"`
	Notification   *models.Notification  `json:"notification,omitempty"`
	NotificationID int64                 `json:"notification_id,omitempty"`
	UnreadCount    int                   `json:"unread_count"`
}

// BroadcastSource delivers sibling agent envelopes.
type BroadcastSource interface {
	On(messageType broadcast.MessageType, fn broadcast.Listener) func()
}

// NotificationCenter keeps the in-process notification list and unread counter.
// The leader agent feeds it from the notifications socket; followers feed it
// from broadcast envelopes.
type NotificationCenter interface {
	NotificationReceived(notification models.Notification, unreadCount int)
	NotificationRead(notificationID int64, unreadCount int)
	AllNotificationsRead(unreadCount int)
	UnreadCountChanged(unreadCount int)

	Follow(source BroadcastSource) func()
	List() []models.Notification
	UnreadCount() int
	Subscribe() (<-chan NotificationEvent, func())
}

type notificationCenter struct {
	logger    zerolog.Logger
	sanitizer *bluemonday.Policy

	mu            sync.RWMutex
	notifications []models.Notification
	unread        int

	broker *notificationBroker
}

type notificationBroker struct {
	mu          sync.RWMutex
	subscribers map[chan NotificationEvent]struct{}
}

// NewNotificationCenter constructs an empty notification center.
func NewNotificationCenter(logger zerolog.Logger) NotificationCenter {
	return &notificationCenter{
		logger:    logger.With().Str("component", "notification_center").Logger(),
		sanitizer: bluemonday.StrictPolicy(),
		broker: &notificationBroker{
			subscribers: make(map[chan NotificationEvent]struct{}),
		},
	}
}

func (c *notificationCenter) NotificationReceived(notification models.Notification, unreadCount int) {
	notification.Title = strings.TrimSpace(c.sanitizer.Sanitize(notification.Title))
	notification.Message = strings.TrimSpace(c.sanitizer.Sanitize(notification.Message))

	c.mu.Lock()
	c.upsertLocked(notification)
	c.unread = clampUnread(unreadCount)
	unread := c.unread
	c.mu.Unlock()

	c.broker.broadcast(NotificationEvent{Kind: NotificationEventReceived, Notification: &notification, UnreadCount: unread})
}

func (c *notificationCenter) NotificationRead(notificationID int64, unreadCount int) {
	c.mu.Lock()
	for i := range c.notifications {
		if c.notifications[i].ID == notificationID {
			c.notifications[i].Read = true
		}
	}
	c.unread = clampUnread(unreadCount)
	unread := c.unread
	c.mu.Unlock()

	c.broker.broadcast(NotificationEvent{Kind: NotificationEventRead, NotificationID: notificationID, UnreadCount: unread})
}

func (c *notificationCenter) AllNotificationsRead(unreadCount int) {
	c.mu.Lock()
	for i := range c.notifications {
		c.notifications[i].Read = true
	}
	c.unread = clampUnread(unreadCount)
	unread := c.unread
	c.mu.Unlock()

	c.broker.broadcast(NotificationEvent{Kind: NotificationEventAllRead, UnreadCount: unread})
}

func (c *notificationCenter) UnreadCountChanged(unreadCount int) {
	c.mu.Lock()
	c.unread = clampUnread(unreadCount)
	unread := c.unread
	c.mu.Unlock()

	c.broker.broadcast(NotificationEvent{Kind: NotificationEventCount, UnreadCount: unread})
}

// Follow mirrors notification envelopes broadcast by the leader agent.
func (c *notificationCenter) Follow(source BroadcastSource) func() {
	if source == nil {
		return func() {}
	}

	releases := []func(){
		source.On(broadcast.TypeNotificationReceived, func(msg broadcast.Message) {
			if msg.Notification == nil {
				c.logger.Warn().Str("tab_id", msg.TabID).Msg("notification broadcast without payload")
				return
			}
			observability.NotificationsReceived().WithLabelValues("broadcast").Inc()
			c.NotificationReceived(*msg.Notification, msg.Count)
		}),
		source.On(broadcast.TypeNotificationRead, func(msg broadcast.Message) {
			c.NotificationRead(msg.NotificationID, msg.Count)
		}),
		source.On(broadcast.TypeCountUpdated, func(msg broadcast.Message) {
			c.UnreadCountChanged(msg.Count)
		}),
	}

	return func() {
		for _, release := range releases {
			release()
		}
	}
}

// List returns the retained notifications, newest first.
func (c *notificationCenter) List() []models.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Notification(nil), c.notifications...)
}

func (c *notificationCenter) UnreadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread
}

func (c *notificationCenter) Subscribe() (<-chan NotificationEvent, func()) {
	channel := make(chan NotificationEvent, notificationBufferSize)

	c.broker.subscribe(channel)
	observability.StreamSubscribers().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			c.broker.unsubscribe(channel)
			observability.StreamSubscribers().Dec()
		})
	}

	return channel, cleanup
}

func (c *notificationCenter) upsertLocked(notification models.Notification) {
	for i := range c.notifications {
		if c.notifications[i].ID == notification.ID {
			c.notifications = append(c.notifications[:i], c.notifications[i+1:]...)
			break
		}
	}

	next := make([]models.Notification, 0, len(c.notifications)+1)
	next = append(next, notification)
	next = append(next, c.notifications...)
	if len(next) > notificationHistoryLimit {
		next = next[:notificationHistoryLimit]
	}
	c.notifications = next
}

func clampUnread(count int) int {
	if count < 0 {
		return 0
	}
	return count
}

func (b *notificationBroker) subscribe(ch chan NotificationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[ch] = struct{}{}
}

func (b *notificationBroker) unsubscribe(ch chan NotificationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

func (b *notificationBroker) broadcast(event NotificationEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
