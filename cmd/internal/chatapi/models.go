package chatapi

import (
	"time"

	"servichat/cmd/internal/chat"
)

type createConversationRequest struct {
	UserID string `json:"userId"`
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	RecipientID    string `json:"recipientId,omitempty"`
}

// conversationSummary is the list-view shape: the other participant's public
// profile folded in with the denormalized conversation state.
type conversationSummary struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	UserName        string     `json:"userName"`
	UserAvatar      string     `json:"userAvatar,omitempty"`
	IsOnline        bool       `json:"isOnline"`
	LastSeen        *time.Time `json:"lastSeen,omitempty"`
	LastMessage     string     `json:"lastMessage"`
	LastMessageTime time.Time  `json:"lastMessageTime"`
	UnreadCount     int        `json:"unreadCount"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type messagesResponse struct {
	Messages   []chat.Message  `json:"messages"`
	Pagination chat.Pagination `json:"pagination"`
}

type okResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}
