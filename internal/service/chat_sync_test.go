package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bizdash-realtime/internal/models"
)

type stubSnapshot struct {
	calls atomic.Int32
	chats []models.Chat
	err   error
}

func (s *stubSnapshot) ListChats(context.Context) ([]models.Chat, error) {
	s.calls.Add(1)
	return s.chats, s.err
}

type stubAssignments struct {
	assignments []models.Assignment
	err         error
}

func (s *stubAssignments) MyAssignments(context.Context) ([]models.Assignment, error) {
	return s.assignments, s.err
}

func TestChatSyncerAppliesSnapshot(t *testing.T) {
	session := NewChatSession(seedChats(), ChatSessionOptions{UserID: "agent-1"}, testLogger())
	require.NoError(t, session.SelectChat(context.Background(), "mail-1"))

	snapshot := &stubSnapshot{chats: []models.Chat{{ID: "mail-1", Name: "Billing"}, {ID: "ig-1", Name: "Dana", Platform: models.PlatformInstagram}}}
	assignments := &stubAssignments{assignments: []models.Assignment{{ChatID: "ig-1", UserID: "agent-1"}}}
	syncer := NewChatSyncer(session, snapshot, assignments, 0, testLogger())

	require.NoError(t, syncer.SyncOnce(context.Background()))

	state := session.State()
	require.Len(t, state.Chats, 2)
	require.Equal(t, "mail-1", state.SelectedID, "selection survives a snapshot by id")
	require.Contains(t, session.AssignedChatIDs(), "ig-1")
}

func TestChatSyncerKeepsStateOnFailure(t *testing.T) {
	session := NewChatSession(seedChats(), ChatSessionOptions{}, testLogger())
	syncer := NewChatSyncer(session, &stubSnapshot{err: errors.New("boom")}, &stubAssignments{err: errors.New("nope")}, 0, testLogger())

	err := syncer.SyncOnce(context.Background())
	require.ErrorContains(t, err, "list chats")
	require.ErrorContains(t, err, "list assignments")
	require.Len(t, session.State().Chats, len(seedChats()))
}

func TestChatSyncerPollsUntilCancelled(t *testing.T) {
	session := NewChatSession(nil, ChatSessionOptions{}, testLogger())
	snapshot := &stubSnapshot{}
	syncer := NewChatSyncer(session, snapshot, nil, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return snapshot.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("syncer did not stop")
	}
}
