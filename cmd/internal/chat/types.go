// Package chat contains the ServiChat realtime core: connection registry,
// room membership, message dispatch, presence signaling, and the persistence
// gateway boundary.
package chat

import "time"

// Status is the per-message delivery status.
// Transitions are monotonic: sent -> delivered -> read. No reverse transitions.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// rank orders statuses for monotonicity checks. Unknown statuses rank lowest.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether moving from s to next is a forward walk.
func (s Status) CanTransition(next Status) bool {
	return next.rank() > s.rank()
}

// Attachment is an optional message attachment descriptor.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is the persisted message value object. Once persisted,
// ConversationID and SenderID are immutable.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Text           string       `json:"text"`
	Status         Status       `json:"status"`
	Timestamp      time.Time    `json:"timestamp"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// LastMessage is the denormalized conversation snapshot used for list views.
type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the persisted conversation value object.
type Conversation struct {
	ID           string         `json:"id"`
	Participants []string       `json:"participants"`
	LastMessage  LastMessage    `json:"lastMessage"`
	UnreadCount  map[string]int `json:"unreadCount"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// HasParticipant reports whether userID is a declared participant.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the first participant that is not userID.
// Conversations in this system are two-party.
func (c Conversation) OtherParticipant(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// Profile is a user's public profile as exposed to other participants.
type Profile struct {
	ID       string     `json:"id"`
	UserName string     `json:"userName"`
	Avatar   string     `json:"avatar,omitempty"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Identity is the authenticated principal attached to a connection at
// handshake time. It is never re-derived from client-supplied data afterwards.
type Identity struct {
	UserID   string
	UserName string
}
