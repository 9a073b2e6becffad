package models

import (
	"errors"
	"time"
)

// LocalUserID identifies messages authored by the signed-in dashboard user.
const LocalUserID = "me"

// Platform tags the social channel a chat originates from.
type Platform string

// Supported chat platforms.
const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformEmail     Platform = "email"
)

// Valid reports whether the platform is one of the supported channels.
func (p Platform) Valid() bool {
	switch p {
	case PlatformFacebook, PlatformInstagram, PlatformWhatsApp, PlatformEmail:
		return true
	default:
		return false
	}
}

// MessageStatus captures delivery progress. The zero value means unknown.
type MessageStatus string

// Delivery states reported for a message.
const (
	MessageStatusUnknown   MessageStatus = ""
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
)

// MessageKind names the payload carried by a message.
type MessageKind string

// Payload kinds. An empty kind marks a status-only placeholder.
const (
	MessageKindNone   MessageKind = ""
	MessageKindText   MessageKind = "text"
	MessageKindImages MessageKind = "images"
	MessageKindFiles  MessageKind = "files"
	MessageKindVoice  MessageKind = "voice"
)

// ErrMultiplePayloads is returned when a message carries more than one payload kind.
var ErrMultiplePayloads = errors.New("message carries more than one payload kind")

// User is a chat participant.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Attachment references an uploaded image, file or voice clip.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// MessageMetadata holds platform specific extras.
type MessageMetadata struct {
	ReplyToID    string `json:"reply_to_id,omitempty"`
	Reaction     string `json:"reaction,omitempty"`
	Edited       bool   `json:"edited,omitempty"`
	Revoked      bool   `json:"revoked,omitempty"`
	EmailSubject string `json:"email_subject,omitempty"`
	EmailHTML    string `json:"email_html,omitempty"`
	EmailFolder  string `json:"email_folder,omitempty"`
}

// Message is a single entry in a chat timeline.
type Message struct {
	ID        string           `json:"id"`
	SenderID  string           `json:"sender_id"`
	Kind      MessageKind      `json:"kind,omitempty"`
	Text      string           `json:"text,omitempty"`
	Images    []Attachment     `json:"images,omitempty"`
	Files     []Attachment     `json:"files,omitempty"`
	Voice     *Attachment      `json:"voice,omitempty"`
	Status    MessageStatus    `json:"status,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// PayloadKind derives the kind from the populated payload fields.
func (m Message) PayloadKind() MessageKind {
	switch {
	case m.Text != "":
		return MessageKindText
	case len(m.Images) > 0:
		return MessageKindImages
	case len(m.Files) > 0:
		return MessageKindFiles
	case m.Voice != nil:
		return MessageKindVoice
	default:
		return MessageKindNone
	}
}

// Validate checks that at most one payload kind is populated.
func (m Message) Validate() error {
	populated := 0
	if m.Text != "" {
		populated++
	}
	if len(m.Images) > 0 {
		populated++
	}
	if len(m.Files) > 0 {
		populated++
	}
	if m.Voice != nil {
		populated++
	}
	if populated > 1 {
		return ErrMultiplePayloads
	}
	return nil
}

// LastMessage summarises the newest message of a chat.
type LastMessage struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is the aggregate root of the chat view. Messages are ordered newest first.
type Chat struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Avatar         string      `json:"avatar,omitempty"`
	Platform       Platform    `json:"platform"`
	LastMessage    LastMessage `json:"last_message"`
	Messages       []Message   `json:"messages"`
	Participants   []User      `json:"participants"`
	Typing         []User      `json:"typing"`
	UnreadCount    int         `json:"unread_count"`
	MessagesLoaded bool        `json:"messages_loaded"`
	EmailFolder    string      `json:"email_folder,omitempty"`
	AssigneeID     string      `json:"assignee_id,omitempty"`
}

// Clone returns a copy whose slices can be modified without touching the original.
func (c Chat) Clone() Chat {
	out := c
	if c.Messages != nil {
		out.Messages = append(make([]Message, 0, len(c.Messages)), c.Messages...)
	}
	if c.Participants != nil {
		out.Participants = append(make([]User, 0, len(c.Participants)), c.Participants...)
	}
	if c.Typing != nil {
		out.Typing = append(make([]User, 0, len(c.Typing)), c.Typing...)
	}
	return out
}

// Assignment links a chat to the agent responsible for it.
type Assignment struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}
