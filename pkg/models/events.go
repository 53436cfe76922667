package models

import "encoding/json"

// Socket event names. Room scoping is by conversation id.
const (
	// outbound (client -> broker)
	EventJoinChat      = "join-chat"
	EventSendMessage   = "send-message"
	EventTyping        = "typing"
	EventMessageSeen   = "message-seen"
	EventDeleteMessage = "delete-message"

	// inbound (broker -> client)
	EventNewMessage     = "new-message"
	EventMessageUpdated = "message-updated"
	EventMessageDeleted = "message-deleted"
)

// Frame is the wire envelope for every socket event in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinChatPayload joins the room for a conversation.
type JoinChatPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload carries an outbound message. The broker assigns the
// authoritative id and never echoes a provisional one.
type SendMessagePayload struct {
	ConversationID string      `json:"conversationId"`
	Sender         Participant `json:"sender"`
	Body           string      `json:"message"`
	Kind           string      `json:"messageType,omitempty"`
	Attachments    []string    `json:"attachments,omitempty"`
}

// TypingPayload signals typing start/stop for a conversation.
type TypingPayload struct {
	ConversationID string      `json:"conversationId"`
	Participant    Participant `json:"participant"`
	IsTyping       bool        `json:"isTyping"`
}

// SeenPayload marks a message as seen by a participant.
type SeenPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SeenBy         string `json:"seenBy,omitempty"`
}

// DeletePayload requests (outbound) or announces (inbound) a soft delete.
type DeletePayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// MessagePayload delivers a broker-confirmed message to room members.
type MessagePayload struct {
	ConversationID string  `json:"chatId"`
	Message        Message `json:"message"`
}

// Envelope is the REST response wrapper. Success=false is a recoverable
// error value for the caller, never a transport failure.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
