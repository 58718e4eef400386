package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	v1 "servichat/shared/contracts/chat/v1"
)

// Dispatcher is the message dispatch protocol: the only component that mutates
// persisted message/conversation state in response to a live send. It ties
// together the registry, the room manager, and the persistence gateway, and is
// shared by the WebSocket and REST entry points so every logical send takes
// exactly one authoritative path.
type Dispatcher struct {
	log      *slog.Logger
	store    ChatStore
	registry *Registry
	rooms    *RoomManager
	metrics  *Metrics

	persistTimeout time.Duration
}

// NewDispatcher constructs a Dispatcher. persistTimeout bounds the store call
// inside SendMessage; <=0 selects the default.
func NewDispatcher(log *slog.Logger, store ChatStore, registry *Registry, rooms *RoomManager, metrics *Metrics, persistTimeout time.Duration) *Dispatcher {
	if persistTimeout <= 0 {
		persistTimeout = defaultPersistTimeout
	}
	return &Dispatcher{
		log:            log,
		store:          store,
		registry:       registry,
		rooms:          rooms,
		metrics:        metrics,
		persistTimeout: persistTimeout,
	}
}

// SendMessage validates, persists, and fans out one message.
//
// Once the store call returns, the message exists regardless of fan-out
// failures: recipients that miss the live push recover it via the paginated
// history fetch. Fan-out is therefore best-effort and never escalated to the
// sender as an error.
func (d *Dispatcher) SendMessage(ctx context.Context, sender Identity, conversationID, text, recipientID string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ValidationError{Field: "text", Msg: "message cannot be empty"}
	}
	if len([]rune(text)) > maxMessageChars {
		return Message{}, ValidationError{Field: "text", Msg: "message too long"}
	}
	if strings.TrimSpace(conversationID) == "" {
		return Message{}, ValidationError{Field: "conversation_id", Msg: "conversation_id is required"}
	}

	now := time.Now().UTC()

	// Durability point. Participancy is verified inside the store so no
	// partial state is created on rejection.
	persistCtx, cancel := context.WithTimeout(ctx, d.persistTimeout)
	defer cancel()

	msg, err := d.store.AppendMessage(persistCtx, AppendMessageInput{
		ConversationID: conversationID,
		SenderID:       sender.UserID,
		Text:           text,
		Now:            now,
	})
	if err != nil {
		if persistCtx.Err() != nil {
			return Message{}, TransientError{Op: "chat.SendMessage", Err: persistCtx.Err()}
		}
		return Message{}, err
	}

	d.metrics.messageSent()

	// The room publish is the delivery signal: in-room recipients see the
	// message as delivered without a separate ack.
	received := newEnvelope(v1.TypeMessageReceived, v1.MessageReceivedPayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     sender.UserName,
		Text:           msg.Text,
		Status:         string(StatusDelivered),
		Timestamp:      msg.Timestamp,
	}, now)
	d.rooms.Publish(conversationID, received)

	d.notifyRecipient(sender, conversationID, recipientID, text, now)

	d.log.Info("dispatch.message.sent",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"sender_id", sender.UserID,
	)

	return msg, nil
}

// notifyRecipient pushes a lightweight nudge to the direct recipient when they
// are online but not watching the room. Does not change persisted status.
func (d *Dispatcher) notifyRecipient(sender Identity, conversationID, recipientID, text string, now time.Time) {
	if recipientID == "" || recipientID == sender.UserID {
		return
	}

	target, ok := d.registry.Lookup(recipientID)
	if !ok {
		return
	}
	if d.rooms.IsMember(conversationID, target.SessionID) {
		return
	}

	note := newEnvelope(v1.TypeNewMessageNotification, v1.NewMessageNotificationPayload{
		ConversationID: conversationID,
		SenderID:       sender.UserID,
		SenderName:     sender.UserName,
		Preview:        truncateRunes(text, previewChars),
	}, now)

	if !target.TrySend(note) {
		d.metrics.fanoutDropped()
	}
}

// MarkConversationRead bulk-transitions the reader's unread messages, resets
// their unread counter, and publishes a status update per transitioned message
// so the sender's open chat view reflects the read receipt. Idempotent.
func (d *Dispatcher) MarkConversationRead(ctx context.Context, conversationID, readerID string) error {
	changed, err := d.store.MarkConversationRead(ctx, conversationID, readerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, id := range changed {
		d.rooms.Publish(conversationID, newEnvelope(v1.TypeMessageStatusUpdate, v1.MessageStatusUpdatePayload{
			MessageID: id,
			Status:    string(StatusRead),
		}, now))
	}

	if len(changed) > 0 {
		d.log.Info("dispatch.conversation.read", "conversation_id", conversationID, "reader_id", readerID, "messages", len(changed))
	}
	return nil
}

// MarkMessageRead marks one message read and notifies the room. No-op (and no
// publish) when the status did not change.
func (d *Dispatcher) MarkMessageRead(ctx context.Context, messageID, conversationID, readerID string) error {
	changed, err := d.store.MarkMessageRead(ctx, messageID, conversationID, readerID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	d.rooms.Publish(conversationID, newEnvelope(v1.TypeMessageStatusUpdate, v1.MessageStatusUpdatePayload{
		MessageID: messageID,
		Status:    string(StatusRead),
	}, time.Now().UTC()))
	return nil
}

// FindOrCreateConversation resolves the conversation for an unordered user
// pair, creating it on first contact.
func (d *Dispatcher) FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	return d.store.FindOrCreateConversation(ctx, userA, userB)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
