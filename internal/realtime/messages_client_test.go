package realtime

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bizdash-realtime/internal/models"
)

type incomingCall struct {
	chatID     string
	message    models.Message
	senderName string
}

type recordingMessageSink struct {
	mu       sync.Mutex
	incoming []incomingCall
	statuses []models.MessageStatus
	typing   []bool
}

func (s *recordingMessageSink) HandleIncoming(chatID string, message models.Message, senderName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming = append(s.incoming, incomingCall{chatID: chatID, message: message, senderName: senderName})
}

func (s *recordingMessageSink) HandleStatus(_ string, _ string, status models.MessageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *recordingMessageSink) HandleTyping(_ string, _ models.User, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, typing)
}

func (s *recordingMessageSink) snapshot() ([]incomingCall, []models.MessageStatus, []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]incomingCall(nil), s.incoming...), append([]models.MessageStatus(nil), s.statuses...), append([]bool(nil), s.typing...)
}

func newTestMessagesClient(t *testing.T, backend *fakeBackend, sink MessageSink) *MessagesClient {
	t.Helper()
	client := NewMessagesClient(MessagesOptions{
		URL:           backend.url("/ws"),
		RetryInterval: 20 * time.Millisecond,
		AutoReconnect: true,
	}, sink, zerolog.Nop())
	t.Cleanup(client.Disconnect)
	return client
}

func TestMessagesClientDeliversChatEvents(t *testing.T) {
	backend := newFakeBackend(t, `{"type":"connection_established"}`)
	sink := &recordingMessageSink{}
	client := newTestMessagesClient(t, backend, sink)

	require.NoError(t, client.Connect())
	backend.waitConnected(t)

	backend.push(t, `{"type":"new_message","chat_id":"c7","sender_name":"Alice","message":{"id":"m1","sender_id":"u9","text":"hello there","created_at":"2025-03-01T10:00:00Z"}}`)
	backend.push(t, `{"type":"message_status","chat_id":"c7","message_id":"m1","status":"READ"}`)
	backend.push(t, `{"type":"typing","chat_id":"c7","user":{"id":"u9","name":"Alice"},"is_typing":true}`)

	require.Eventually(t, func() bool {
		_, _, typing := sink.snapshot()
		return len(typing) == 1
	}, 2*time.Second, 10*time.Millisecond)

	incoming, statuses, typing := sink.snapshot()
	require.Len(t, incoming, 1)
	require.Equal(t, "c7", incoming[0].chatID)
	require.Equal(t, "Alice", incoming[0].senderName)
	require.Equal(t, "hello there", incoming[0].message.Text)
	require.Equal(t, []models.MessageStatus{models.MessageStatusRead}, statuses)
	require.Equal(t, []bool{true}, typing)
}

func TestMessagesClientSanitizesEmailBodies(t *testing.T) {
	backend := newFakeBackend(t)
	sink := &recordingMessageSink{}
	client := newTestMessagesClient(t, backend, sink)

	require.NoError(t, client.Connect())
	backend.waitConnected(t)

	backend.push(t, `{"type":"new_message","chat_id":"mail-1","sender_name":"billing@example.com","message":{"id":"e1","sender_id":"billing","text":"Invoice","metadata":{"email_subject":"Invoice","email_html":"<p>Pay now</p><script>alert(1)</script>"}}}`)

	require.Eventually(t, func() bool {
		incoming, _, _ := sink.snapshot()
		return len(incoming) == 1
	}, 2*time.Second, 10*time.Millisecond)

	incoming, _, _ := sink.snapshot()
	html := incoming[0].message.Metadata.EmailHTML
	require.Contains(t, html, "<p>Pay now</p>")
	require.False(t, strings.Contains(html, "<script>"))
}

func TestMessagesClientDropsMessagesWithSeveralPayloads(t *testing.T) {
	backend := newFakeBackend(t)
	sink := &recordingMessageSink{}
	client := newTestMessagesClient(t, backend, sink)

	require.NoError(t, client.Connect())
	backend.waitConnected(t)

	backend.push(t, `{"type":"new_message","chat_id":"c1","message":{"id":"bad","text":"x","images":[{"url":"https://cdn.example.com/a.png"}]}}`)
	backend.push(t, `{"type":"new_message","chat_id":"c1","message":{"id":"good","text":"y"}}`)

	require.Eventually(t, func() bool {
		incoming, _, _ := sink.snapshot()
		return len(incoming) == 1
	}, 2*time.Second, 10*time.Millisecond)
	incoming, _, _ := sink.snapshot()
	require.Equal(t, "good", incoming[0].message.ID)
}

func TestMessagesClientConversationSubscriptions(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestMessagesClient(t, backend, &recordingMessageSink{})

	require.NoError(t, client.Connect())
	backend.waitConnected(t)

	require.True(t, client.SubscribeToConversation("c1"))
	msg := backend.expectInbound(t, "subscribe")
	require.Equal(t, "c1", msg["conversation_id"])

	require.True(t, client.SubscribeToConversation("c2"))
	backend.expectInbound(t, "subscribe")
	require.True(t, client.UnsubscribeFromConversation("c2"))
	msg = backend.expectInbound(t, "unsubscribe")
	require.Equal(t, "c2", msg["conversation_id"])
	require.Equal(t, []string{"c1"}, client.Conversations())

	require.True(t, client.SendChatMessage("c1", models.Message{ID: "local-1", SenderID: models.LocalUserID, Text: "on my way"}))
	msg = backend.expectInbound(t, "send_message")
	require.Equal(t, "c1", msg["chat_id"])
	require.Equal(t, "on my way", msg["message"].(map[string]interface{})["text"])

	backend.dropConnection()
	backend.waitConnected(t)
	msg = backend.expectInbound(t, "subscribe")
	require.Equal(t, "c1", msg["conversation_id"], "open conversations are resubscribed after reconnect")
}
