package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bizdash-realtime/internal/database"
	"github.com/noah-isme/bizdash-realtime/internal/models"
	"github.com/noah-isme/bizdash-realtime/internal/repository"
)

type recordingSink struct {
	mu       sync.Mutex
	received []models.Notification
	read     []int64
	counts   []int
	allRead  int
}

func (s *recordingSink) NotificationReceived(notification models.Notification, unreadCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, notification)
	s.counts = append(s.counts, unreadCount)
}

func (s *recordingSink) NotificationRead(notificationID int64, unreadCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = append(s.read, notificationID)
	s.counts = append(s.counts, unreadCount)
}

func (s *recordingSink) AllNotificationsRead(unreadCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allRead++
	s.counts = append(s.counts, unreadCount)
}

func (s *recordingSink) UnreadCountChanged(unreadCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = append(s.counts, unreadCount)
}

func (s *recordingSink) receivedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.received))
	for _, notification := range s.received {
		ids = append(ids, notification.ID)
	}
	return ids
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	accept   bool
	received []int64
	read     []int64
	counts   []int
}

func (b *fakeBroadcaster) BroadcastNotificationReceived(notification models.Notification, unreadCount int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, notification.ID)
	b.counts = append(b.counts, unreadCount)
	return b.accept
}

func (b *fakeBroadcaster) BroadcastNotificationRead(notificationID int64, unreadCount int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = append(b.read, notificationID)
	b.counts = append(b.counts, unreadCount)
	return b.accept
}

func (b *fakeBroadcaster) BroadcastCountUpdated(unreadCount int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = append(b.counts, unreadCount)
	return b.accept
}

func (b *fakeBroadcaster) snapshot() (received, read []int64, counts []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.received...), append([]int64(nil), b.read...), append([]int(nil), b.counts...)
}

func newTestQueue(t *testing.T) repository.NotificationQueue {
	t.Helper()
	db, err := database.ConnectSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return repository.NewNotificationQueueFromDB(db, zerolog.Nop())
}

func newTestNotificationsClient(t *testing.T, backend *fakeBackend, sink NotificationSink, queue repository.NotificationQueue, broadcaster Broadcaster) *NotificationsClient {
	t.Helper()
	client := NewNotificationsClient(NotificationsOptions{
		URL:           backend.url("/ws"),
		Token:         "opaque-session-token",
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  40 * time.Millisecond,
		AutoReconnect: true,
	}, sink, queue, broadcaster, zerolog.Nop())
	t.Cleanup(client.Disconnect)
	return client
}

func TestNotificationsClientSendsTokenAndInitialCount(t *testing.T) {
	backend := newFakeBackend(t, `{"type":"connection_established","unread_count":5}`)
	sink := &recordingSink{}
	client := newTestNotificationsClient(t, backend, sink, nil, nil)

	require.NoError(t, client.Connect())
	backend.waitConnected(t)

	require.Equal(t, "opaque-session-token", backend.lastQuery()["token"])
	require.Eventually(t, func() bool { return client.UnreadCount() == 5 }, 2*time.Second, 10*time.Millisecond)
}

func TestNotificationsClientCreatedEventFansOut(t *testing.T) {
	backend := newFakeBackend(t, `{"type":"connection_established","unread_count":1}`)
	sink := &recordingSink{}
	queue := newTestQueue(t)
	broadcaster := &fakeBroadcaster{accept: true}
	client := newTestNotificationsClient(t, backend, sink, queue, broadcaster)

	require.NoError(t, client.Connect())
	backend.waitConnected(t)
	require.Eventually(t, func() bool { return client.UnreadCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	backend.push(t, `{"type":"notification_created","notification":{"id":101,"type":"ticket","title":"Ticket assigned","message":"Ticket #88 is yours","ticket_id":88}}`)

	require.Eventually(t, func() bool { return len(sink.receivedIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, client.UnreadCount())

	require.Eventually(t, func() bool {
		all := queue.GetAll(context.Background(), 10)
		return len(all) == 1 && all[0].Synced
	}, 2*time.Second, 10*time.Millisecond, "a delivered broadcast marks the record synced")

	received, _, counts := broadcaster.snapshot()
	require.Equal(t, []int64{101}, received)
	require.Equal(t, []int{2}, counts)
	require.Equal(t, "Ticket assigned", queue.GetAll(context.Background(), 1)[0].Payload().Title)
}

func TestNotificationsClientMarksRecordSyncedOnceSinkHasIt(t *testing.T) {
	backend := newFakeBackend(t)
	sink := &recordingSink{}
	queue := newTestQueue(t)
	client := newTestNotificationsClient(t, backend, sink, queue, &fakeBroadcaster{accept: false})

	require.NoError(t, client.Connect())
	backend.waitConnected(t)

	backend.push(t, `{"type":"notification_created","notification":{"id":7,"title":"Invoice overdue"}}`)
	require.Eventually(t, func() bool { return len(sink.receivedIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		records := queue.GetAll(ctx, 10)
		return len(records) == 1 && records[0].Synced
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, queue.GetUnsynced(ctx))

	backend.dropConnection()
	backend.waitConnected(t)
	require.Eventually(t, client.IsConnected, 2*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return len(sink.receivedIDs()) > 1 }, 200*time.Millisecond, 20*time.Millisecond)
	require.Equal(t, []int64{7}, sink.receivedIDs())
}

func TestNotificationsClientStampsMissingIDBeforeDelivery(t *testing.T) {
	backend := newFakeBackend(t)
	sink := &recordingSink{}
	queue := newTestQueue(t)
	client := newTestNotificationsClient(t, backend, sink, queue, &fakeBroadcaster{accept: false})

	require.NoError(t, client.Connect())
	backend.waitConnected(t)

	backend.push(t, `{"type":"notification_created","notification":{"title":"No id"}}`)
	require.Eventually(t, func() bool { return len(sink.receivedIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	var records []models.QueuedNotification
	require.Eventually(t, func() bool {
		records = queue.GetAll(ctx, 10)
		return len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	delivered := sink.receivedIDs()[0]
	require.NotZero(t, delivered)
	require.Equal(t, delivered, records[0].ID)
	require.Equal(t, delivered, records[0].Payload().ID)

	backend.dropConnection()
	backend.waitConnected(t)
	require.Eventually(t, client.IsConnected, 2*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return len(sink.receivedIDs()) > 1 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestNotificationsClientKeepsRecordUnsyncedWithoutListeners(t *testing.T) {
	backend := newFakeBackend(t)
	queue := newTestQueue(t)
	broadcaster := &fakeBroadcaster{accept: false}
	client := newTestNotificationsClient(t, backend, nil, queue, broadcaster)

	require.NoError(t, client.Connect())
	backend.waitConnected(t)

	backend.push(t, `{"type":"notification_created","notification":{"id":9,"title":"Nobody listening"}}`)
	require.Eventually(t, func() bool {
		received, _, _ := broadcaster.snapshot()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.Eventually(t, func() bool { return len(queue.GetUnsynced(ctx)) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "Nobody listening", queue.GetUnsynced(ctx)[0].Payload().Title)
}

func TestNotificationsClientReplaysUnsyncedOnOpen(t *testing.T) {
	backend := newFakeBackend(t)
	sink := &recordingSink{}
	queue := newTestQueue(t)
	ctx := context.Background()

	require.True(t, queue.Enqueue(ctx, models.Notification{ID: 1, Title: "missed while offline"}))
	require.True(t, queue.Enqueue(ctx, models.Notification{ID: 2, Title: "already seen"}))
	require.True(t, queue.MarkSynced(ctx, 2))

	client := newTestNotificationsClient(t, backend, sink, queue, nil)
	require.NoError(t, client.Connect())
	backend.waitConnected(t)

	require.Eventually(t, func() bool { return len(sink.receivedIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []int64{1}, sink.receivedIDs())
	require.Empty(t, queue.GetUnsynced(ctx))

	backend.dropConnection()
	backend.waitConnected(t)
	require.Eventually(t, client.IsConnected, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []int64{1}, sink.receivedIDs(), "synced records are not replayed twice")
}

func TestNotificationsClientReadEventsDoNotEnqueue(t *testing.T) {
	backend := newFakeBackend(t, `{"type":"connection_established","unread_count":3}`)
	sink := &recordingSink{}
	queue := newTestQueue(t)
	broadcaster := &fakeBroadcaster{accept: true}
	client := newTestNotificationsClient(t, backend, sink, queue, broadcaster)

	require.NoError(t, client.Connect())
	backend.waitConnected(t)
	require.Eventually(t, func() bool { return client.UnreadCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	backend.push(t, `{"type":"notification_read","notification_id":12}`)
	require.Eventually(t, func() bool { return client.UnreadCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	backend.push(t, `{"type":"unread_count","count":9}`)
	require.Eventually(t, func() bool { return client.UnreadCount() == 9 }, 2*time.Second, 10*time.Millisecond)

	backend.push(t, `{"type":"all_notifications_read"}`)
	require.Eventually(t, func() bool {
		_, _, counts := broadcaster.snapshot()
		return len(counts) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, client.UnreadCount())

	_, read, counts := broadcaster.snapshot()
	require.Equal(t, []int64{12}, read)
	require.Equal(t, []int{2, 9, 0}, counts)
	require.Empty(t, queue.GetAll(context.Background(), 10))
}

func TestNotificationsClientOutboundEnvelopes(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestNotificationsClient(t, backend, &recordingSink{}, nil, nil)

	require.False(t, client.MarkAsRead(1), "nothing is queued while offline")

	require.NoError(t, client.Connect())
	backend.waitConnected(t)

	require.True(t, client.MarkAsRead(44))
	msg := backend.expectInbound(t, "mark_read")
	require.Equal(t, float64(44), msg["notification_id"])

	require.True(t, client.MarkAllAsRead())
	backend.expectInbound(t, "mark_all_read")

	require.True(t, client.GetUnreadCount())
	backend.expectInbound(t, "get_unread_count")
}

func TestNotificationsClientExpiredTokenIsFatal(t *testing.T) {
	backend := newFakeBackend(t)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "agent-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	client := newTestNotificationsClient(t, backend, &recordingSink{}, nil, nil)
	client.SetToken(expired)

	err = client.Connect()
	require.ErrorIs(t, err, ErrFatalAuth)
	require.False(t, client.IsConnected())
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, backend.dials.Load())
}

func TestNotificationsClientFatalServerErrorStopsReconnects(t *testing.T) {
	backend := newFakeBackend(t, `{"type":"error","code":"auth_failed","message":"token revoked"}`)
	client := newTestNotificationsClient(t, backend, &recordingSink{}, nil, nil)

	require.NoError(t, client.Connect())
	backend.waitConnected(t)

	require.Eventually(t, func() bool { return client.Connection().FatalError() != nil }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), backend.dials.Load())
	require.False(t, client.IsConnected())
}

func TestCheckTokenExpiry(t *testing.T) {
	now := time.Now()
	valid, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)

	require.NoError(t, checkTokenExpiry(valid, now))
	require.NoError(t, checkTokenExpiry(noExp, now))
	require.NoError(t, checkTokenExpiry("opaque", now))
	require.ErrorIs(t, checkTokenExpiry(valid, now.Add(2*time.Hour)), ErrTokenExpired)
}
