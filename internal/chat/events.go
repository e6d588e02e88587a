package chat

import (
	"encoding/json"
	"time"

	"github.com/tariel-x/invitechat/internal/models"
	"github.com/tariel-x/invitechat/internal/service"
)

// Client to server events.
const (
	EventAnnouncePresence = "announce_presence"
	EventSendMessage      = "send_message"
	EventRequestHistory   = "request_history"
	EventLeavePresence    = "leave_presence"
)

// Server to client events.
const (
	EventMessageHistory  = "message_history"
	EventNewMessage      = "new_message"
	EventPresenceUpdate  = "presence_update"
	EventModeration      = "moderation_event"
	EventSendError       = "send_error"
	moderationKindAction = "admin_action"
)

// Envelope is the frame exchanged on the realtime channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Presence is the metadata a session shows in the online list.
type Presence struct {
	UserID      uint        `json:"id"`
	Nickname    string      `json:"nickname"`
	AvatarColor string      `json:"avatar_color"`
	Role        models.Role `json:"role"`
}

type Author struct {
	ID             uint        `json:"id"`
	Nickname       string      `json:"nickname"`
	ExternalHandle string      `json:"external_handle"`
	AvatarColor    string      `json:"avatar_color"`
	Role           models.Role `json:"role"`
}

func authorOf(u *models.User) Author {
	return Author{
		ID:             u.ID,
		Nickname:       u.Nickname,
		ExternalHandle: u.ExternalHandle,
		AvatarColor:    u.AvatarColor,
		Role:           u.Role,
	}
}

// ChatMessage is a message as delivered to clients.
type ChatMessage struct {
	ID        uint      `json:"id"`
	Text      string    `json:"text"`
	User      Author    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

type presenceData struct {
	Users []Presence `json:"users"`
}

type sendErrorData struct {
	Message string         `json:"message"`
	Reason  service.Reason `json:"reason,omitempty"`
}

type moderationData struct {
	Kind string `json:"kind"`
	service.ModerationEvent
}

// SendData is the payload of send_message. UserID is only honoured on
// sessions opened without a token.
type SendData struct {
	Text   string `json:"text"`
	UserID uint   `json:"user_id,omitempty"`
}

func encode(eventType string, data any) []byte {
	msg, _ := json.Marshal(Envelope{Type: eventType, Data: mustMarshal(data)})
	return msg
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
