package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/bizdash-realtime/internal/models"
)

// ChatsSnapshotProvider lists the chats visible to the agent.
type ChatsSnapshotProvider interface {
	ListChats(ctx context.Context) ([]models.Chat, error)
}

// AssignmentsProvider lists the chat assignments of the agent.
type AssignmentsProvider interface {
	MyAssignments(ctx context.Context) ([]models.Assignment, error)
}

// ChatSyncer keeps a ChatSession aligned with the platform snapshot.
type ChatSyncer struct {
	session     ChatSession
	chats       ChatsSnapshotProvider
	assignments AssignmentsProvider
	interval    time.Duration
	logger      zerolog.Logger
}

// NewChatSyncer creates a syncer. Either provider may be nil.
func NewChatSyncer(session ChatSession, chats ChatsSnapshotProvider, assignments AssignmentsProvider, interval time.Duration, logger zerolog.Logger) *ChatSyncer {
	return &ChatSyncer{
		session:     session,
		chats:       chats,
		assignments: assignments,
		interval:    interval,
		logger:      logger.With().Str("component", "chat_sync").Logger(),
	}
}

// SyncOnce pulls one snapshot of chats and assignments.
func (s *ChatSyncer) SyncOnce(ctx context.Context) error {
	var errs []error

	if s.chats != nil {
		chats, err := s.chats.ListChats(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list chats: %w", err))
		} else {
			s.session.SyncChats(chats)
		}
	}

	if s.assignments != nil {
		assignments, err := s.assignments.MyAssignments(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list assignments: %w", err))
		} else {
			s.session.SetAssignments(assignments)
		}
	}

	return errors.Join(errs...)
}

// Run syncs immediately and then on every interval until ctx is done. A
// non-positive interval syncs once.
func (s *ChatSyncer) Run(ctx context.Context) {
	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial chat sync failed")
	}
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn().Err(err).Msg("chat sync failed")
			}
		}
	}
}
