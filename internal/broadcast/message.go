package broadcast

import (
	"github.com/noah-isme/bizdash-realtime/internal/models"
)

// MessageType discriminates broadcast envelopes.
type MessageType string

// Envelope types exchanged between agents sharing a channel.
const (
	TypePing                 MessageType = "ping"
	TypePong                 MessageType = "pong"
	TypeClaimLeader          MessageType = "claim_leader"
	TypeLeaderAnnouncement   MessageType = "leader_announcement"
	TypeNotificationReceived MessageType = "notification_received"
	TypeNotificationRead     MessageType = "notification_read"
	TypeCountUpdated         MessageType = "count_updated"
)

// Message is the envelope published on the shared channel.
type Message struct {
	Type           MessageType          `json:"type"`
	TabID          string               `json:"tabId"`
	Timestamp      int64                `json:"timestamp"`
	Notification   *models.Notification `json:"notification,omitempty"`
	NotificationID int64                `json:"notificationId,omitempty"`
	Count          int                  `json:"count"`
}

// Listener receives envelopes published by other agents.
type Listener func(Message)
