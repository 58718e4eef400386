package chat

import (
	"log/slog"
	"time"

	v1 "servichat/shared/contracts/chat/v1"
)

// Signaler delivers ephemeral typing signals. Nothing here is persisted or
// authoritative: signals carry no ordering guarantee and no deduplication, and
// clients must auto-clear a typing indicator after a local timeout in case a
// stop event is lost.
//
// Delivery is direct to the recipient's connection rather than room-broadcast,
// so unrelated room members are never notified.
type Signaler struct {
	log      *slog.Logger
	registry *Registry
}

// NewSignaler constructs a Signaler over the connection registry.
func NewSignaler(log *slog.Logger, registry *Registry) *Signaler {
	return &Signaler{log: log, registry: registry}
}

// TypingStart signals that sender began typing in the conversation.
func (s *Signaler) TypingStart(sender Identity, conversationID, recipientID string) {
	s.send(sender, conversationID, recipientID, true)
}

// TypingStop signals that sender stopped typing. A stop is authoritative
// regardless of how many starts preceded it.
func (s *Signaler) TypingStop(sender Identity, conversationID, recipientID string) {
	s.send(sender, conversationID, recipientID, false)
}

func (s *Signaler) send(sender Identity, conversationID, recipientID string, isTyping bool) {
	if conversationID == "" || recipientID == "" {
		return
	}

	target, ok := s.registry.Lookup(recipientID)
	if !ok {
		return
	}

	payload := v1.TypingUpdatePayload{
		ConversationID: conversationID,
		UserID:         sender.UserID,
		IsTyping:       isTyping,
	}
	if isTyping {
		payload.UserName = sender.UserName
	}

	// Fire-and-forget; a dropped typing signal is harmless.
	target.TrySend(newEnvelope(v1.TypeTypingUpdate, payload, time.Now().UTC()))
}
