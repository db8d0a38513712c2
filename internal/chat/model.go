// Package chat implements the real-time messaging core: the durable
// conversation store, unread accounting, and the channel gateway that
// fans events out to live sessions.
package chat

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------
// Database & API models
// ---------------------------------------------

// Conversation is a two-party thread. The participant pair is unique
// regardless of order.
type Conversation struct {
	ID            int       `json:"id"`
	ParticipantA  int       `json:"participantA"`
	ParticipantB  int       `json:"participantB"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasParticipant reports whether the identity belongs to the thread.
func (c *Conversation) HasParticipant(userID int) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID int) int {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Message belongs to exactly one conversation and is immutable once
// created, except for the recipient's read flag.
type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversationId"`
	SenderID       int       `json:"senderId"`
	Sender         string    `json:"sender"` // display name, denormalized for the UI
	Content        string    `json:"content"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationSummary is a conversation enriched with its most recent
// message and the viewer's unread count, as listed in the inbox.
type ConversationSummary struct {
	Conversation
	Partner     string   `json:"partner"` // other participant's display name
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

// sortKey is the derived inbox ordering key: most recent activity first.
func (s *ConversationSummary) sortKey() time.Time {
	key := s.UpdatedAt
	if s.LastMessage != nil && s.LastMessage.CreatedAt.After(key) {
		key = s.LastMessage.CreatedAt
	}
	return key
}

// ---------------------------------------------
// Channel protocol
// ---------------------------------------------

// Inbound command names (client -> server).
const (
	CommandJoinConversation = "joinConversation"
	CommandSendMessage      = "sendMessage"
	CommandTypingStart      = "typingStart"
	CommandTypingStop       = "typingStop"
)

// Outbound event names (server -> client).
const (
	EventMessage      = "message"
	EventNotification = "notification"
	EventTypingStart  = "typingStart"
	EventTypingStop   = "typingStop"
	EventError        = "error"
)

// Envelope frames every payload on the channel, in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Command is the payload of an inbound envelope.
type Command struct {
	ConversationID int    `json:"conversationId,omitempty"`
	GroupID        int    `json:"groupId,omitempty"`
	Content        string `json:"content,omitempty"`
}

// Notification is an ephemeral server-to-client alert, pushed to
// sessions that are not watching the conversation a message landed in.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ActionURL string    `json:"actionUrl"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// TypingEvent is broadcast to the other live participants of a room.
// Never persisted.
type TypingEvent struct {
	GroupID int    `json:"groupId"`
	UserID  int    `json:"userId"`
	User    string `json:"user"`
}

// ErrorEvent is sent back to the originating session only.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeEvent frames an event payload into envelope bytes.
func encodeEvent(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
