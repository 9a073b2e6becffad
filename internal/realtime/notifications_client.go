package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bizdash-realtime/internal/models"
	"github.com/noah-isme/bizdash-realtime/internal/observability"
	"github.com/noah-isme/bizdash-realtime/internal/repository"
)

// ErrTokenExpired is returned when the configured auth token is already expired.
var ErrTokenExpired = errors.New("auth token expired")

// NotificationSink receives notification events from the socket.
type NotificationSink interface {
	NotificationReceived(notification models.Notification, unreadCount int)
	NotificationRead(notificationID int64, unreadCount int)
	AllNotificationsRead(unreadCount int)
	UnreadCountChanged(unreadCount int)
}

// Broadcaster relays notification events to sibling agents.
type Broadcaster interface {
	BroadcastNotificationReceived(notification models.Notification, unreadCount int) bool
	BroadcastNotificationRead(notificationID int64, unreadCount int) bool
	BroadcastCountUpdated(unreadCount int) bool
}

// NotificationsOptions configures the notifications socket.
type NotificationsOptions struct {
	URL              string
	Token            string
	PingInterval     time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	AutoReconnect    bool
	HandshakeTimeout time.Duration
}

// NotificationsClient keeps the notifications socket and feeds the queue,
// broadcast channel and sink.
type NotificationsClient struct {
	conn        *Connection
	sink        NotificationSink
	queue       repository.NotificationQueue
	broadcaster Broadcaster
	logger      zerolog.Logger

	mu          sync.Mutex
	baseURL     string
	token       string
	unreadCount int
}

type notificationFrame struct {
	Type           string               `json:"type"`
	Notification   *models.Notification `json:"notification"`
	NotificationID int64                `json:"notification_id"`
	UnreadCount    *int                 `json:"unread_count"`
	Count          *int                 `json:"count"`
}

func (f notificationFrame) count() (int, bool) {
	switch {
	case f.UnreadCount != nil:
		return *f.UnreadCount, true
	case f.Count != nil:
		return *f.Count, true
	default:
		return 0, false
	}
}

// NewNotificationsClient wires the notifications socket. queue and broadcaster may be nil.
func NewNotificationsClient(opts NotificationsOptions, sink NotificationSink, queue repository.NotificationQueue, broadcaster Broadcaster, logger zerolog.Logger) *NotificationsClient {
	client := &NotificationsClient{
		sink:        sink,
		queue:       queue,
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "notifications_client").Logger(),
		baseURL:     opts.URL,
		token:       opts.Token,
	}

	client.conn = NewConnection(ConnectionOptions{
		Name:             "notifications",
		URL:              client.dialURL,
		Backoff:          ExponentialBackoff{Base: opts.ReconnectBase, Max: opts.ReconnectMax},
		PingInterval:     opts.PingInterval,
		AutoReconnect:    opts.AutoReconnect,
		HandshakeTimeout: opts.HandshakeTimeout,
	}, logger)

	client.conn.Handle("connection_established", client.handleEstablished)
	client.conn.Handle("notification_created", client.handleCreated)
	client.conn.Handle("notification_read", client.handleRead)
	client.conn.Handle("all_notifications_read", client.handleAllRead)
	client.conn.Handle("unread_count", client.handleUnreadCount)
	client.conn.Handle("pong", func(Envelope) {})
	client.conn.Handle("error", client.handleError)
	client.conn.OnOpen(client.replayUnsynced)

	return client
}

// Connect opens the socket.
func (c *NotificationsClient) Connect() error {
	return c.conn.Connect()
}

// Disconnect closes the socket and cancels pending reconnects.
func (c *NotificationsClient) Disconnect() {
	c.conn.Disconnect()
}

// SetTenant reconnects under a different tenant identity.
func (c *NotificationsClient) SetTenant(tenantID string) error {
	return c.conn.SetIdentity(tenantID)
}

// SetToken replaces the auth token used by the next dial.
func (c *NotificationsClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// IsConnected reports whether the socket is open.
func (c *NotificationsClient) IsConnected() bool {
	return c.conn.IsConnected()
}

// Connection exposes the underlying connection for status subscriptions.
func (c *NotificationsClient) Connection() *Connection {
	return c.conn
}

// UnreadCount returns the counter maintained from socket events.
func (c *NotificationsClient) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unreadCount
}

// SendMessage writes a raw envelope.
func (c *NotificationsClient) SendMessage(v interface{}) bool {
	return c.conn.SendMessage(v)
}

// MarkAsRead asks the server to mark a notification as read.
func (c *NotificationsClient) MarkAsRead(notificationID int64) bool {
	return c.conn.SendMessage(map[string]interface{}{"type": "mark_read", "notification_id": notificationID})
}

// MarkAllAsRead asks the server to mark every notification as read.
func (c *NotificationsClient) MarkAllAsRead() bool {
	return c.conn.SendMessage(map[string]string{"type": "mark_all_read"})
}

// GetUnreadCount asks the server to push the current unread count.
func (c *NotificationsClient) GetUnreadCount() bool {
	return c.conn.SendMessage(map[string]string{"type": "get_unread_count"})
}

func (c *NotificationsClient) dialURL(tenantID string) (string, error) {
	c.mu.Lock()
	base := c.baseURL
	token := c.token
	c.mu.Unlock()

	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: missing auth token", ErrFatalAuth)
	}
	if err := checkTokenExpiry(token, time.Now()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFatalAuth, err)
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse notifications url: %w", err)
	}
	query := parsed.Query()
	query.Set("token", token)
	if tenantID != "" {
		query.Set("tenant_id", tenantID)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// checkTokenExpiry inspects the exp claim without verifying the signature.
// Opaque tokens pass through untouched.
func checkTokenExpiry(token string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if now.After(exp.Time) {
		return ErrTokenExpired
	}
	return nil
}

func (c *NotificationsClient) setUnread(count int) {
	if count < 0 {
		count = 0
	}
	c.mu.Lock()
	c.unreadCount = count
	c.mu.Unlock()
}

func (c *NotificationsClient) decode(envelope Envelope) (notificationFrame, bool) {
	var frame notificationFrame
	if err := envelope.Decode(&frame); err != nil {
		c.logger.Warn().Err(err).Str("type", envelope.Type).Msg("invalid notifications payload")
		return frame, false
	}
	return frame, true
}

func (c *NotificationsClient) handleEstablished(envelope Envelope) {
	frame, ok := c.decode(envelope)
	if !ok {
		return
	}
	if count, ok := frame.count(); ok {
		c.setUnread(count)
		if c.sink != nil {
			c.sink.UnreadCountChanged(count)
		}
	}
}

func (c *NotificationsClient) handleCreated(envelope Envelope) {
	frame, ok := c.decode(envelope)
	if !ok || frame.Notification == nil {
		c.logger.Warn().Msg("notification_created without notification")
		return
	}
	notification := *frame.Notification
	if notification.ID == 0 {
		notification.ID = time.Now().UnixMilli()
	}

	c.mu.Lock()
	c.unreadCount++
	unread := c.unreadCount
	c.mu.Unlock()

	observability.NotificationsReceived().WithLabelValues("socket").Inc()

	ctx := context.Background()
	queued := false
	if c.queue != nil {
		queued = c.queue.Enqueue(ctx, notification)
	}

	delivered := false
	if c.sink != nil {
		c.sink.NotificationReceived(notification, unread)
		delivered = true
	}
	if c.broadcaster != nil && c.broadcaster.BroadcastNotificationReceived(notification, unread) {
		delivered = true
	}

	// A record that reached a local or remote listener must not be replayed.
	if queued && delivered {
		c.queue.MarkSynced(ctx, notification.ID)
	}
}

func (c *NotificationsClient) handleRead(envelope Envelope) {
	frame, ok := c.decode(envelope)
	if !ok {
		return
	}

	c.mu.Lock()
	if count, ok := frame.count(); ok {
		c.unreadCount = count
	} else if c.unreadCount > 0 {
		c.unreadCount--
	}
	unread := c.unreadCount
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.NotificationRead(frame.NotificationID, unread)
	}
	if c.broadcaster != nil {
		c.broadcaster.BroadcastNotificationRead(frame.NotificationID, unread)
	}
}

func (c *NotificationsClient) handleAllRead(envelope Envelope) {
	if _, ok := c.decode(envelope); !ok {
		return
	}
	c.setUnread(0)

	if c.sink != nil {
		c.sink.AllNotificationsRead(0)
	}
	if c.broadcaster != nil {
		c.broadcaster.BroadcastCountUpdated(0)
	}
}

func (c *NotificationsClient) handleUnreadCount(envelope Envelope) {
	frame, ok := c.decode(envelope)
	if !ok {
		return
	}
	count, ok := frame.count()
	if !ok {
		return
	}
	c.setUnread(count)

	if c.sink != nil {
		c.sink.UnreadCountChanged(count)
	}
	if c.broadcaster != nil {
		c.broadcaster.BroadcastCountUpdated(count)
	}
}

func (c *NotificationsClient) handleError(envelope Envelope) {
	handleServerError(c.conn, c.logger, envelope)
}

// replayUnsynced hands queued notifications that never reached a listener to the
// sink after every successful open.
func (c *NotificationsClient) replayUnsynced() {
	if c.queue == nil {
		return
	}

	ctx := context.Background()
	pending := c.queue.GetUnsynced(ctx)
	if len(pending) == 0 {
		return
	}

	unread := c.UnreadCount()
	for _, entry := range pending {
		if c.sink != nil {
			c.sink.NotificationReceived(entry.Payload(), unread)
		}
		c.queue.MarkSynced(ctx, entry.ID)
	}
	observability.NotificationsReceived().WithLabelValues("replay").Add(float64(len(pending)))
	c.logger.Info().Int("count", len(pending)).Msg("replayed queued notifications")
}
