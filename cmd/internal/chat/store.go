package chat

import (
	"context"
	"time"
)

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	Text           string
	Now            time.Time
}

// FetchMessagesInput describes a paginated history request.
// Page is 1-based. Messages the requester has deleted are filtered out.
type FetchMessagesInput struct {
	ConversationID string
	RequesterID    string
	Page           int
	Limit          int
}

// Pagination is the metadata block accompanying a history page.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// FetchMessagesResult is a history window ordered oldest-to-newest.
type FetchMessagesResult struct {
	Messages   []Message
	Pagination Pagination
}

// ChatStore is the persistence gateway boundary. The core treats conversations
// and messages as value objects; all durable mutation happens here.
//
// Requirements:
//   - AppendMessage verifies the conversation exists and the sender is a
//     participant, persists with status=sent, updates the conversation's
//     lastMessage snapshot and increments unread for every other participant,
//     all atomically. This is the durability point.
//   - MarkConversationRead is idempotent and returns the IDs of messages that
//     actually transitioned.
//   - FindOrCreateConversation never produces two conversations for the same
//     unordered pair, even under concurrent invocation by both participants.
//   - Message status transitions are monotonic (sent -> delivered -> read).
type ChatStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)

	// MarkConversationRead sets status=read on every message in the
	// conversation whose sender is not readerID and whose status is not yet
	// read, and resets unreadCount[readerID] to 0.
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (changed []string, err error)

	// MarkMessageRead marks a single message read. Returns false when nothing
	// changed (already read, reader is the sender, or downgrade attempt).
	MarkMessageRead(ctx context.Context, messageID, conversationID, readerID string) (bool, error)

	// FindOrCreateConversation returns the conversation for the unordered pair
	// (userA, userB), creating it lazily on first contact. When userA had
	// hidden an existing conversation, opening it again restores visibility
	// for userA.
	FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, error)

	// GetConversation returns the conversation if userID is a participant with
	// visibility; otherwise ErrNotFound.
	GetConversation(ctx context.Context, conversationID, userID string) (Conversation, error)

	// ListConversations returns userID's visible conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)

	FetchMessages(ctx context.Context, in FetchMessagesInput) (FetchMessagesResult, error)

	// DeleteMessageFor adds userID to the message's per-user exclusion set.
	// Any participant may exclude for itself; the record is purged once every
	// participant has excluded it. Idempotent.
	DeleteMessageFor(ctx context.Context, messageID, userID string) error

	// HideConversationFor removes the conversation from userID's view only.
	// The underlying record and messages are retained for the other
	// participant's history.
	HideConversationFor(ctx context.Context, conversationID, userID string) error

	Close() error
}

// UserDirectory resolves public profiles for conversation list rendering.
// Credential storage and authentication live behind a separate boundary.
type UserDirectory interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
}
