package realtime

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bizdash-realtime/internal/models"
)

// MessageSink receives chat events from the messages socket.
type MessageSink interface {
	HandleIncoming(chatID string, message models.Message, senderName string)
	HandleStatus(chatID, messageID string, status models.MessageStatus)
	HandleTyping(chatID string, user models.User, typing bool)
}

// MessagesOptions configures the messages socket.
type MessagesOptions struct {
	URL              string
	Token            string
	PingInterval     time.Duration
	RetryInterval    time.Duration
	AutoReconnect    bool
	HandshakeTimeout time.Duration
}

// MessagesClient keeps the chat messages socket. It reconnects on a fixed
// interval and resubscribes to open conversations after every reconnect.
type MessagesClient struct {
	conn      *Connection
	sink      MessageSink
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger

	mu            sync.Mutex
	baseURL       string
	token         string
	conversations map[string]struct{}
}

type messageFrame struct {
	Type       string          `json:"type"`
	ChatID     string          `json:"chat_id"`
	SenderName string          `json:"sender_name"`
	Message    *models.Message `json:"message"`
	MessageID  string          `json:"message_id"`
	Status     string          `json:"status"`
	User       models.User     `json:"user"`
	IsTyping   bool            `json:"is_typing"`
}

// NewMessagesClient wires the messages socket to sink.
func NewMessagesClient(opts MessagesOptions, sink MessageSink, logger zerolog.Logger) *MessagesClient {
	client := &MessagesClient{
		sink:          sink,
		sanitizer:     bluemonday.UGCPolicy(),
		logger:        logger.With().Str("component", "messages_client").Logger(),
		baseURL:       opts.URL,
		token:         opts.Token,
		conversations: make(map[string]struct{}),
	}

	client.conn = NewConnection(ConnectionOptions{
		Name:             "messages",
		URL:              client.dialURL,
		Backoff:          FixedBackoff{Interval: opts.RetryInterval},
		PingInterval:     opts.PingInterval,
		AutoReconnect:    opts.AutoReconnect,
		HandshakeTimeout: opts.HandshakeTimeout,
	}, logger)

	client.conn.Handle("connection_established", func(Envelope) {
		client.logger.Debug().Msg("messages socket acknowledged")
	})
	client.conn.Handle("new_message", client.handleNewMessage)
	client.conn.Handle("message_status", client.handleStatus)
	client.conn.Handle("typing", client.handleTyping)
	client.conn.Handle("pong", func(Envelope) {})
	client.conn.Handle("error", client.handleError)
	client.conn.OnOpen(client.resubscribe)

	return client
}

// Connect opens the socket.
func (c *MessagesClient) Connect() error {
	return c.conn.Connect()
}

// Disconnect closes the socket and cancels pending reconnects.
func (c *MessagesClient) Disconnect() {
	c.conn.Disconnect()
}

// SetTenant reconnects under a different tenant identity.
func (c *MessagesClient) SetTenant(tenantID string) error {
	return c.conn.SetIdentity(tenantID)
}

// IsConnected reports whether the socket is open.
func (c *MessagesClient) IsConnected() bool {
	return c.conn.IsConnected()
}

// Connection exposes the underlying connection for status subscriptions.
func (c *MessagesClient) Connection() *Connection {
	return c.conn
}

// SendMessage writes a raw envelope.
func (c *MessagesClient) SendMessage(v interface{}) bool {
	return c.conn.SendMessage(v)
}

// SubscribeToConversation asks the server for events of one chat.
func (c *MessagesClient) SubscribeToConversation(chatID string) bool {
	c.mu.Lock()
	c.conversations[chatID] = struct{}{}
	c.mu.Unlock()
	return c.conn.SendMessage(map[string]string{"type": "subscribe", "conversation_id": chatID})
}

// UnsubscribeFromConversation stops events of one chat.
func (c *MessagesClient) UnsubscribeFromConversation(chatID string) bool {
	c.mu.Lock()
	delete(c.conversations, chatID)
	c.mu.Unlock()
	return c.conn.SendMessage(map[string]string{"type": "unsubscribe", "conversation_id": chatID})
}

// SendChatMessage forwards a locally authored message.
func (c *MessagesClient) SendChatMessage(chatID string, message models.Message) bool {
	return c.conn.SendMessage(map[string]interface{}{
		"type":    "send_message",
		"chat_id": chatID,
		"message": message,
	})
}

// Conversations lists the chats currently subscribed to.
func (c *MessagesClient) Conversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.conversations))
	for id := range c.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *MessagesClient) dialURL(tenantID string) (string, error) {
	c.mu.Lock()
	base := c.baseURL
	token := c.token
	c.mu.Unlock()

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse messages url: %w", err)
	}
	query := parsed.Query()
	if token != "" {
		query.Set("token", token)
	}
	if tenantID != "" {
		query.Set("tenant_id", tenantID)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *MessagesClient) resubscribe() {
	for _, chatID := range c.Conversations() {
		c.conn.SendMessage(map[string]string{"type": "subscribe", "conversation_id": chatID})
	}
}

func (c *MessagesClient) decode(envelope Envelope) (messageFrame, bool) {
	var frame messageFrame
	if err := envelope.Decode(&frame); err != nil {
		c.logger.Warn().Err(err).Str("type", envelope.Type).Msg("invalid messages payload")
		return frame, false
	}
	return frame, true
}

func (c *MessagesClient) handleNewMessage(envelope Envelope) {
	frame, ok := c.decode(envelope)
	if !ok || frame.ChatID == "" || frame.Message == nil {
		c.logger.Warn().Msg("new_message without chat or message")
		return
	}

	message := *frame.Message
	if err := message.Validate(); err != nil {
		c.logger.Warn().Err(err).Str("chat_id", frame.ChatID).Msg("discarding invalid chat message")
		return
	}
	if message.Metadata != nil && message.Metadata.EmailHTML != "" {
		metadata := *message.Metadata
		metadata.EmailHTML = c.sanitizer.Sanitize(metadata.EmailHTML)
		message.Metadata = &metadata
	}

	if c.sink != nil {
		c.sink.HandleIncoming(frame.ChatID, message, frame.SenderName)
	}
}

func (c *MessagesClient) handleStatus(envelope Envelope) {
	frame, ok := c.decode(envelope)
	if !ok || frame.ChatID == "" || frame.MessageID == "" {
		return
	}
	if c.sink != nil {
		c.sink.HandleStatus(frame.ChatID, frame.MessageID, models.MessageStatus(frame.Status))
	}
}

func (c *MessagesClient) handleTyping(envelope Envelope) {
	frame, ok := c.decode(envelope)
	if !ok || frame.ChatID == "" {
		return
	}
	if c.sink != nil {
		c.sink.HandleTyping(frame.ChatID, frame.User, frame.IsTyping)
	}
}

func (c *MessagesClient) handleError(envelope Envelope) {
	handleServerError(c.conn, c.logger, envelope)
}
