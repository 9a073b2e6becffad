package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/bizdash-realtime/internal/chatstate"
	"github.com/noah-isme/bizdash-realtime/internal/models"
	"github.com/noah-isme/bizdash-realtime/internal/observability"
)

var (
	// ErrChatNotFound indicates the chat id is not part of the current collection.
	ErrChatNotFound = errors.New("chat not found")
	// ErrNoSelection indicates an action that needs a selected chat ran without one.
	ErrNoSelection = errors.New("no chat selected")
	// ErrEmptyMessage indicates a send without any payload.
	ErrEmptyMessage = errors.New("message payload is empty")
)

// AssignmentTab narrows the chat list by ownership.
type AssignmentTab string

// Assignment tabs.
const (
	AssignmentTabAll        AssignmentTab = "all"
	AssignmentTabMine       AssignmentTab = "mine"
	AssignmentTabUnassigned AssignmentTab = "unassigned"
)

// HistoryLoader fetches the message history of a chat on first selection.
type HistoryLoader interface {
	LoadMessages(ctx context.Context, chatID string) ([]models.Message, error)
}

// MessageSender forwards locally authored messages to the platform.
type MessageSender interface {
	SendChatMessage(chatID string, message models.Message) bool
}

// ChatFilter is the active list filter.
type ChatFilter struct {
	Search      string          `json:"search"`
	Tab         AssignmentTab   `json:"tab"`
	Platform    models.Platform `json:"platform,omitempty"`
	EmailFolder string          `json:"email_folder,omitempty"`
}

// ChatSessionOptions wires the collaborators of a ChatSession.
type ChatSessionOptions struct {
	Loader         HistoryLoader
	Sender         MessageSender
	OnChatSelected func(chat models.Chat)
	UserID         string
}

// ChatSession is the goroutine safe owner of the chat view state.
type ChatSession interface {
	State() chatstate.State
	Dispatch(action chatstate.Action) chatstate.State
	Subscribe(fn func(chatstate.State)) func()

	SelectChat(ctx context.Context, chatID string) error
	ClearSelection()
	WaitIdle()
	SyncChats(chats []models.Chat)

	SetAssignments(assignments []models.Assignment)
	AssignedChatIDs() map[string]struct{}

	SetSearch(query string)
	SetAssignmentTab(tab AssignmentTab)
	SetPlatform(platform models.Platform)
	SetEmailFolder(folder string)
	Filter() ChatFilter
	FilteredChats() []models.Chat

	SendText(ctx context.Context, text string) (models.Message, error)
	SendImages(ctx context.Context, images []models.Attachment) (models.Message, error)
	SendFiles(ctx context.Context, files []models.Attachment) (models.Message, error)

	HandleIncoming(chatID string, message models.Message, senderName string)
	HandleStatus(chatID, messageID string, status models.MessageStatus)
	HandleTyping(chatID string, user models.User, typing bool)
}

type chatSession struct {
	opts   ChatSessionOptions
	logger zerolog.Logger
	tracer trace.Tracer

	mu          sync.Mutex
	state       chatstate.State
	subscribers map[int]func(chatstate.State)
	nextSubID   int

	filter      ChatFilter
	assignments []models.Assignment
	assigned    map[string]struct{}

	loadMu         sync.Mutex
	loadGeneration uint64
	cancelLoad     context.CancelFunc
	loads          sync.WaitGroup
}

// NewChatSession creates a session seeded with chats.
func NewChatSession(chats []models.Chat, opts ChatSessionOptions, logger zerolog.Logger) ChatSession {
	return &chatSession{
		opts:        opts,
		logger:      logger.With().Str("component", "chat_session").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/bizdash-realtime/internal/service/chat"),
		state:       chatstate.NewState(chats),
		subscribers: make(map[int]func(chatstate.State)),
		filter:      ChatFilter{Tab: AssignmentTabAll},
		assigned:    map[string]struct{}{},
	}
}

func (s *chatSession) State() chatstate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatch is the single entry point for state changes. Subscribers are
// notified outside the lock with the resulting state.
func (s *chatSession) Dispatch(action chatstate.Action) chatstate.State {
	s.mu.Lock()
	s.state = chatstate.Reduce(s.state, action)
	next := s.state
	subscribers := make([]func(chatstate.State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subscribers = append(subscribers, fn)
	}
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(next)
	}
	return next
}

func (s *chatSession) Subscribe(fn func(chatstate.State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// SelectChat selects a chat, clears its unread counter and, when its history
// has not been fetched yet, loads it in the background. Only the most recent
// selection may commit a loaded history.
func (s *chatSession) SelectChat(ctx context.Context, chatID string) error {
	chat, ok := s.State().Chat(chatID)
	if !ok {
		return ErrChatNotFound
	}

	s.Dispatch(chatstate.SelectChat(chat))
	next := s.Dispatch(chatstate.SetUnreadCount())

	if s.opts.OnChatSelected != nil {
		if selected := next.Selected(); selected != nil {
			s.opts.OnChatSelected(*selected)
		}
	}

	s.loadMu.Lock()
	s.loadGeneration++
	generation := s.loadGeneration
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	if chat.MessagesLoaded || s.opts.Loader == nil {
		s.loadMu.Unlock()
		return nil
	}
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelLoad = cancel
	s.loads.Add(1)
	s.loadMu.Unlock()

	go s.loadHistory(loadCtx, cancel, chatID, generation)
	return nil
}

func (s *chatSession) loadHistory(ctx context.Context, cancel context.CancelFunc, chatID string, generation uint64) {
	defer s.loads.Done()
	defer cancel()

	spanCtx, span := s.tracer.Start(ctx, "chat.load_history", trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer span.End()

	start := time.Now()
	messages, err := s.opts.Loader.LoadMessages(spanCtx, chatID)
	observability.HistoryLoadLatency().Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("failed to load chat history")
		}
		return
	}

	s.loadMu.Lock()
	current := generation == s.loadGeneration
	s.loadMu.Unlock()
	if !current {
		s.logger.Debug().Str("chat_id", chatID).Msg("discarding stale chat history")
		return
	}

	s.Dispatch(chatstate.UpdateChatMessages(chatID, messages))
}

func (s *chatSession) ClearSelection() {
	s.loadMu.Lock()
	s.loadGeneration++
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	s.loadMu.Unlock()

	s.Dispatch(chatstate.ClearSelection())
}

// WaitIdle blocks until every background history load has finished.
func (s *chatSession) WaitIdle() {
	s.loads.Wait()
}

// SyncChats applies a server snapshot of the chat list without discarding
// histories that were already loaded.
func (s *chatSession) SyncChats(chats []models.Chat) {
	s.Dispatch(chatstate.MergeChats(chats))
}

func (s *chatSession) SetAssignments(assignments []models.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sameAssignments(s.assignments, assignments) {
		return
	}
	s.assignments = append([]models.Assignment(nil), assignments...)

	assigned := make(map[string]struct{}, len(assignments))
	for _, assignment := range assignments {
		if s.opts.UserID == "" || assignment.UserID == s.opts.UserID {
			assigned[assignment.ChatID] = struct{}{}
		}
	}
	s.assigned = assigned
}

func (s *chatSession) AssignedChatIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]struct{}, len(s.assigned))
	for id := range s.assigned {
		out[id] = struct{}{}
	}
	return out
}

func (s *chatSession) SetSearch(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter.Search = strings.TrimSpace(query)
}

func (s *chatSession) SetAssignmentTab(tab AssignmentTab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch tab {
	case AssignmentTabMine, AssignmentTabUnassigned:
		s.filter.Tab = tab
	default:
		s.filter.Tab = AssignmentTabAll
	}
}

func (s *chatSession) SetPlatform(platform models.Platform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !platform.Valid() {
		platform = ""
	}
	s.filter.Platform = platform
}

func (s *chatSession) SetEmailFolder(folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter.EmailFolder = strings.ToLower(strings.TrimSpace(folder))
}

func (s *chatSession) Filter() ChatFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// FilteredChats applies search, assignment tab, platform and email folder in order.
func (s *chatSession) FilteredChats() []models.Chat {
	s.mu.Lock()
	state := s.state
	filter := s.filter
	assigned := s.assigned
	s.mu.Unlock()

	query := strings.ToLower(filter.Search)
	out := make([]models.Chat, 0, len(state.Chats))
	for _, chat := range state.Chats {
		if query != "" &&
			!strings.Contains(strings.ToLower(chat.Name), query) &&
			!strings.Contains(strings.ToLower(chat.LastMessage.Content), query) {
			continue
		}

		_, mine := assigned[chat.ID]
		switch filter.Tab {
		case AssignmentTabMine:
			if !mine {
				continue
			}
		case AssignmentTabUnassigned:
			if mine || chat.AssigneeID != "" {
				continue
			}
		}

		if filter.Platform != "" && chat.Platform != filter.Platform {
			continue
		}
		if filter.EmailFolder != "" && (chat.Platform != models.PlatformEmail || !strings.EqualFold(chat.EmailFolder, filter.EmailFolder)) {
			continue
		}
		out = append(out, chat.Clone())
	}
	return out
}

func (s *chatSession) SendText(ctx context.Context, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	return s.send(ctx, chatstate.AddTextMessage(text))
}

func (s *chatSession) SendImages(ctx context.Context, images []models.Attachment) (models.Message, error) {
	if len(images) == 0 {
		return models.Message{}, ErrEmptyMessage
	}
	return s.send(ctx, chatstate.AddImagesMessage(images))
}

func (s *chatSession) SendFiles(ctx context.Context, files []models.Attachment) (models.Message, error) {
	if len(files) == 0 {
		return models.Message{}, ErrEmptyMessage
	}
	return s.send(ctx, chatstate.AddFilesMessage(files))
}

func (s *chatSession) send(ctx context.Context, action chatstate.Action) (models.Message, error) {
	if s.State().Selected() == nil {
		return models.Message{}, ErrNoSelection
	}

	_, span := s.tracer.Start(ctx, "chat.send_message")
	defer span.End()

	next := s.Dispatch(action)
	selected := next.Selected()
	if selected == nil || len(selected.Messages) == 0 {
		return models.Message{}, ErrNoSelection
	}
	message := selected.Messages[0]
	span.SetAttributes(attribute.String("chat.id", selected.ID), attribute.String("message.kind", string(message.Kind)))

	if s.opts.Sender != nil && !s.opts.Sender.SendChatMessage(selected.ID, message) {
		s.logger.Warn().Str("chat_id", selected.ID).Str("message_id", message.ID).Msg("messages socket offline, message kept locally")
	}
	return message, nil
}

func (s *chatSession) HandleIncoming(chatID string, message models.Message, senderName string) {
	s.Dispatch(chatstate.AddIncomingMessage(chatID, message, senderName))
}

func (s *chatSession) HandleStatus(chatID, messageID string, status models.MessageStatus) {
	s.Dispatch(chatstate.UpdateMessageStatus(chatID, messageID, status))
}

func (s *chatSession) HandleTyping(chatID string, user models.User, typing bool) {
	s.Dispatch(chatstate.SetTyping(chatID, user, typing))
}

func sameAssignments(a, b []models.Assignment) bool {
	if len(a) != len(b) {
		return false
	}
	left := append([]models.Assignment(nil), a...)
	right := append([]models.Assignment(nil), b...)
	less := func(list []models.Assignment) func(i, j int) bool {
		return func(i, j int) bool {
			if list[i].ChatID == list[j].ChatID {
				return list[i].UserID < list[j].UserID
			}
			return list[i].ChatID < list[j].ChatID
		}
	}
	sort.Slice(left, less(left))
	sort.Slice(right, less(right))
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}
