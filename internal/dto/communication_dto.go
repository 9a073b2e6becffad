package dto

import (
	"time"

	"github.com/noah-isme/bizdash-realtime/internal/models"
)

// ChatListQuery carries the list filters accepted by GET /chats.
type ChatListQuery struct {
	Search   string `query:"search" validate:"omitempty,max=128"`
	Tab      string `query:"tab" validate:"omitempty,oneof=all mine unassigned"`
	Platform string `query:"platform" validate:"omitempty,oneof=facebook instagram whatsapp email"`
	Folder   string `query:"folder" validate:"omitempty,oneof=inbox sent archive"`
}

// ChatSendRequest is the body of POST /chats/:id/messages.
type ChatSendRequest struct {
	Text string `json:"text" validate:"required,min=1,max=4000"`
}

// ChatSocketCommand is a frame sent by the local UI over the chat state socket.
type ChatSocketCommand struct {
	Type   string `json:"type" validate:"required,oneof=select clear send_text"`
	ChatID string `json:"chat_id" validate:"omitempty,max=128"`
	Text   string `json:"text" validate:"omitempty,max=4000"`
}

// ChatSummary is the list representation of a chat, without its history.
type ChatSummary struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Avatar      string             `json:"avatar,omitempty"`
	Platform    models.Platform    `json:"platform"`
	LastMessage models.LastMessage `json:"last_message"`
	UnreadCount int                `json:"unread_count"`
	Typing      []models.User      `json:"typing"`
	EmailFolder string             `json:"email_folder,omitempty"`
	AssigneeID  string             `json:"assignee_id,omitempty"`
	Selected    bool               `json:"selected"`
}

// NewChatSummary converts a chat into its list representation.
func NewChatSummary(chat models.Chat, selectedID string) ChatSummary {
	typing := chat.Typing
	if typing == nil {
		typing = []models.User{}
	}
	return ChatSummary{
		ID:          chat.ID,
		Name:        chat.Name,
		Avatar:      chat.Avatar,
		Platform:    chat.Platform,
		LastMessage: chat.LastMessage,
		UnreadCount: chat.UnreadCount,
		Typing:      typing,
		EmailFolder: chat.EmailFolder,
		AssigneeID:  chat.AssigneeID,
		Selected:    chat.ID != "" && chat.ID == selectedID,
	}
}

// NewChatSummarySlice converts chats into summaries.
func NewChatSummarySlice(chats []models.Chat, selectedID string) []ChatSummary {
	out := make([]ChatSummary, 0, len(chats))
	for _, chat := range chats {
		out = append(out, NewChatSummary(chat, selectedID))
	}
	return out
}

// ChatStateFrame is pushed to chat state socket subscribers after every change.
type ChatStateFrame struct {
	Type       string        `json:"type"`
	SelectedID string        `json:"selected_id,omitempty"`
	Selected   *models.Chat  `json:"selected,omitempty"`
	Chats      []ChatSummary `json:"chats"`
	SentAt     time.Time     `json:"sent_at"`
}

// QueuedNotificationResponse is a record of the offline notification queue.
type QueuedNotificationResponse struct {
	ID           int64               `json:"id"`
	Notification models.Notification `json:"notification"`
	Timestamp    time.Time           `json:"timestamp"`
	Synced       bool                `json:"synced"`
}

// NewQueuedNotificationResponse converts a queue record.
func NewQueuedNotificationResponse(record models.QueuedNotification) QueuedNotificationResponse {
	return QueuedNotificationResponse{
		ID:           record.ID,
		Notification: record.Payload(),
		Timestamp:    time.UnixMilli(record.Timestamp).UTC(),
		Synced:       record.Synced,
	}
}

// NewQueuedNotificationResponseSlice converts queue records.
func NewQueuedNotificationResponseSlice(records []models.QueuedNotification) []QueuedNotificationResponse {
	out := make([]QueuedNotificationResponse, 0, len(records))
	for _, record := range records {
		out = append(out, NewQueuedNotificationResponse(record))
	}
	return out
}
