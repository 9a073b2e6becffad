package chatstate

import (
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/bizdash-realtime/internal/models"
)

// Action is a state transition understood by Reduce.
type Action interface {
	apply(State) State
}

// Reduce returns the state that results from applying action to state.
// The input state is never modified.
func Reduce(state State, action Action) State {
	if action == nil {
		return state
	}
	return action.apply(state)
}

type addLocalMessage struct {
	message models.Message
	summary string
}

// AddTextMessage appends a text message authored by the local user to the selected chat.
func AddTextMessage(text string) Action {
	message := newLocalMessage()
	message.Kind = models.MessageKindText
	message.Text = text
	return addLocalMessage{message: message, summary: text}
}

// AddImagesMessage appends an image set authored by the local user to the selected chat.
func AddImagesMessage(images []models.Attachment) Action {
	message := newLocalMessage()
	message.Kind = models.MessageKindImages
	message.Images = append([]models.Attachment(nil), images...)
	return addLocalMessage{message: message, summary: pluralLabel("Image", len(images))}
}

// AddFilesMessage appends a file set authored by the local user to the selected chat.
func AddFilesMessage(files []models.Attachment) Action {
	message := newLocalMessage()
	message.Kind = models.MessageKindFiles
	message.Files = append([]models.Attachment(nil), files...)
	return addLocalMessage{message: message, summary: pluralLabel("File", len(files))}
}

// AddLocalMessage appends a prebuilt local message; the summary is derived from its payload.
func AddLocalMessage(message models.Message) Action {
	summary := message.Text
	switch message.PayloadKind() {
	case models.MessageKindImages:
		summary = pluralLabel("Image", len(message.Images))
	case models.MessageKindFiles:
		summary = pluralLabel("File", len(message.Files))
	case models.MessageKindVoice:
		summary = "Voice message"
	}
	return addLocalMessage{message: message, summary: summary}
}

func (a addLocalMessage) apply(s State) State {
	next, ok := s.updateSelected(func(chat *models.Chat) {
		chat.Messages = prepend(chat.Messages, a.message)
		chat.LastMessage = models.LastMessage{Content: a.summary, Timestamp: a.message.CreatedAt}
	})
	if !ok {
		return s
	}
	return next
}

type setUnreadCount struct{}

// SetUnreadCount resets the unread counter of the selected chat.
func SetUnreadCount() Action {
	return setUnreadCount{}
}

func (setUnreadCount) apply(s State) State {
	next, ok := s.updateSelected(func(chat *models.Chat) {
		chat.UnreadCount = 0
	})
	if !ok {
		return s
	}
	return next
}

type selectChat struct {
	chat models.Chat
}

// SelectChat replaces the selection with chat. Membership is not validated.
func SelectChat(chat models.Chat) Action {
	return selectChat{chat: chat.Clone()}
}

func (a selectChat) apply(s State) State {
	s.SelectedID = a.chat.ID
	if s.indexOf(a.chat.ID) >= 0 {
		s.detached = nil
		return s
	}
	chat := a.chat.Clone()
	s.detached = &chat
	return s
}

type clearSelection struct{}

// ClearSelection drops the current selection.
func ClearSelection() Action {
	return clearSelection{}
}

func (clearSelection) apply(s State) State {
	s.SelectedID = ""
	s.detached = nil
	return s
}

type updateChats struct {
	chats []models.Chat
}

// UpdateChats replaces the collection and re-derives the selection by id.
func UpdateChats(chats []models.Chat) Action {
	return updateChats{chats: cloneChats(chats)}
}

func (a updateChats) apply(s State) State {
	s.Chats = cloneChats(a.chats)
	s.detached = nil
	if s.SelectedID != "" && s.indexOf(s.SelectedID) < 0 {
		s.SelectedID = ""
	}
	return s
}

type mergeChats struct {
	chats []models.Chat
}

// MergeChats replaces the collection with a server snapshot. Chats the snapshot
// carries without history keep the history already loaded locally, and the
// selected chat stays read.
func MergeChats(chats []models.Chat) Action {
	return mergeChats{chats: cloneChats(chats)}
}

func (a mergeChats) apply(s State) State {
	chats := cloneChats(a.chats)
	for i := range chats {
		incoming := &chats[i]
		if incoming.MessagesLoaded || len(incoming.Messages) > 0 {
			continue
		}
		idx := s.indexOf(incoming.ID)
		if idx < 0 || !s.Chats[idx].MessagesLoaded {
			continue
		}
		existing := s.Chats[idx].Clone()
		incoming.Messages = existing.Messages
		incoming.MessagesLoaded = true
	}

	next := updateChats{chats: chats}.apply(s)
	return setUnreadCount{}.apply(next)
}

type updateChatMessages struct {
	chatID   string
	messages []models.Message
}

// UpdateChatMessages commits a lazily loaded message history.
func UpdateChatMessages(chatID string, messages []models.Message) Action {
	return updateChatMessages{chatID: chatID, messages: append([]models.Message(nil), messages...)}
}

func (a updateChatMessages) apply(s State) State {
	fill := func(chat *models.Chat) {
		chat.Messages = append([]models.Message(nil), a.messages...)
		chat.MessagesLoaded = true
	}
	if idx := s.indexOf(a.chatID); idx >= 0 {
		return s.replaceAt(idx, fill)
	}
	if s.detached != nil && s.detached.ID == a.chatID {
		chat := s.detached.Clone()
		fill(&chat)
		s.detached = &chat
	}
	return s
}

type addIncomingMessage struct {
	chatID     string
	message    models.Message
	senderName string
}

// AddIncomingMessage ingests a message pushed by the server and moves its chat to the front.
func AddIncomingMessage(chatID string, message models.Message, senderName string) Action {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Kind == models.MessageKindNone {
		message.Kind = message.PayloadKind()
	}
	return addIncomingMessage{chatID: chatID, message: message, senderName: senderName}
}

func (a addIncomingMessage) apply(s State) State {
	summary := models.LastMessage{Content: incomingLabel(a.message), Timestamp: a.message.CreatedAt}
	selected := s.SelectedID != "" && s.SelectedID == a.chatID

	idx := s.indexOf(a.chatID)
	if idx < 0 {
		chat := models.Chat{
			ID:             a.chatID,
			Name:           a.senderName,
			LastMessage:    summary,
			Messages:       []models.Message{a.message},
			Participants:   []models.User{},
			Typing:         []models.User{},
			UnreadCount:    1,
			MessagesLoaded: true,
		}
		if selected {
			chat.UnreadCount = 0
			if s.detached != nil {
				chat = s.detached.Clone()
				chat.Messages = prepend(chat.Messages, a.message)
				chat.LastMessage = summary
			}
		}
		chats := make([]models.Chat, 0, len(s.Chats)+1)
		chats = append(chats, chat)
		chats = append(chats, s.Chats...)
		s.Chats = chats
		s.detached = nil
		return s
	}

	chat := s.Chats[idx].Clone()
	chat.Messages = prepend(chat.Messages, a.message)
	chat.LastMessage = summary
	if !selected {
		chat.UnreadCount++
	}

	chats := make([]models.Chat, 0, len(s.Chats))
	chats = append(chats, chat)
	chats = append(chats, s.Chats[:idx]...)
	chats = append(chats, s.Chats[idx+1:]...)
	s.Chats = chats
	return s
}

type updateMessageStatus struct {
	chatID    string
	messageID string
	status    models.MessageStatus
}

// UpdateMessageStatus records a delivery receipt. The chat order is left untouched.
func UpdateMessageStatus(chatID, messageID string, status models.MessageStatus) Action {
	return updateMessageStatus{chatID: chatID, messageID: messageID, status: status}
}

func (a updateMessageStatus) apply(s State) State {
	idx := s.indexOf(a.chatID)
	if idx < 0 {
		return s
	}
	found := false
	for _, message := range s.Chats[idx].Messages {
		if message.ID == a.messageID {
			found = true
			break
		}
	}
	if !found {
		return s
	}
	return s.replaceAt(idx, func(chat *models.Chat) {
		for i := range chat.Messages {
			if chat.Messages[i].ID == a.messageID {
				chat.Messages[i].Status = a.status
			}
		}
	})
}

type setTyping struct {
	chatID string
	user   models.User
	typing bool
}

// SetTyping adds or removes a user from the typing set of a chat.
func SetTyping(chatID string, user models.User, typing bool) Action {
	return setTyping{chatID: chatID, user: user, typing: typing}
}

func (a setTyping) apply(s State) State {
	idx := s.indexOf(a.chatID)
	if idx < 0 {
		return s
	}
	return s.replaceAt(idx, func(chat *models.Chat) {
		filtered := make([]models.User, 0, len(chat.Typing)+1)
		for _, user := range chat.Typing {
			if user.ID != a.user.ID {
				filtered = append(filtered, user)
			}
		}
		if a.typing {
			filtered = append(filtered, a.user)
		}
		chat.Typing = filtered
	})
}

func newLocalMessage() models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		SenderID:  models.LocalUserID,
		Status:    models.MessageStatusDelivered,
		CreatedAt: time.Now().UTC(),
	}
}

func prepend(messages []models.Message, message models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages)+1)
	out = append(out, message)
	return append(out, messages...)
}

func pluralLabel(noun string, count int) string {
	if count > 1 {
		return noun + "s"
	}
	return noun
}

func incomingLabel(message models.Message) string {
	switch message.PayloadKind() {
	case models.MessageKindText:
		return message.Text
	case models.MessageKindImages:
		return "Image"
	case models.MessageKindFiles:
		return "File"
	case models.MessageKindVoice:
		return "Voice message"
	default:
		return ""
	}
}
