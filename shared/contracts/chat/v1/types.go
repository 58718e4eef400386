package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must negotiate.
const Subprotocol = "servichat.chat.v1"

// Type constants (wire-stable).
const (
	// TypeConversationJoin subscribes the connection to a conversation's live
	// stream (client -> server).
	TypeConversationJoin = "conversation:join"
	// TypeConversationLeave unsubscribes from a conversation (client -> server).
	TypeConversationLeave = "conversation:leave"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message:send"
	// TypeMessageRead marks a single message as read (client -> server).
	TypeMessageRead = "message:read"

	// TypeTypingStart / TypeTypingStop are ephemeral typing signals (client -> server).
	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"

	// TypeMessageReceived carries a persisted message to conversation members
	// (server -> room).
	TypeMessageReceived = "message:received"
	// TypeMessageStatusUpdate reports a status transition (server -> room).
	TypeMessageStatusUpdate = "message:statusUpdate"
	// TypeNewMessageNotification is the lightweight out-of-room nudge
	// (server -> recipient connection).
	TypeNewMessageNotification = "notification:newMessage"
	// TypeTypingUpdate relays typing state (server -> recipient connection).
	TypeTypingUpdate = "typing:update"

	// TypeUserOnline / TypeUserOffline are global presence broadcasts.
	TypeUserOnline  = "user:online"
	TypeUserOffline = "user:offline"

	// TypeMessageError reports a failed client operation (server -> sender only).
	TypeMessageError = "message:error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeConversationJoin,
		TypeConversationLeave,
		TypeMessageSend,
		TypeMessageRead,
		TypeTypingStart,
		TypeTypingStop,
		TypeMessageReceived,
		TypeMessageStatusUpdate,
		TypeNewMessageNotification,
		TypeTypingUpdate,
		TypeUserOnline,
		TypeUserOffline,
		TypeMessageError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads (client -> server) ----

// ConversationJoinPayload subscribes to a conversation's room.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// ConversationLeavePayload unsubscribes from a conversation's room.
type ConversationLeavePayload struct {
	ConversationID string `json:"conversationId"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	RecipientID    string `json:"recipientId"`
}

// MessageReadPayload marks one message as read.
type MessageReadPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// TypingPayload addresses a typing start/stop signal.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
}

// ---- Payloads (server -> client) ----

// MessageReceivedPayload is the full message fanned out to room members.
// Status is "delivered" for in-room recipients: the room publish itself is the
// delivery signal.
type MessageReceivedPayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Text           string    `json:"text"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessageStatusUpdatePayload reports a per-message status transition.
type MessageStatusUpdatePayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// NewMessageNotificationPayload nudges an online recipient that is not
// currently a member of the conversation's room.
type NewMessageNotificationPayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Preview        string `json:"preview"`
}

// TypingUpdatePayload relays typing state to the recipient.
type TypingUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// PresencePayload announces a user going online or offline.
type PresencePayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// ErrorPayload is delivered to the offending sender only, never broadcast.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
