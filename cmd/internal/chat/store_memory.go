package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory ChatStore + UserDirectory used for tests and
// DB-less dev mode.
type MemoryStore struct {
	mu sync.Mutex

	users     map[string]Profile
	convs     map[string]*memConversation
	pairIndex map[string]string // unordered pair key -> conversation id
}

type memConversation struct {
	conv      Conversation
	hiddenFor map[string]bool
	msgs      []*memMessage
}

type memMessage struct {
	msg        Message
	deletedFor map[string]bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]Profile),
		convs:     make(map[string]*memConversation),
		pairIndex: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// AddUser seeds a directory profile.
func (s *MemoryStore) AddUser(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.ID] = p
}

// GetProfile implements UserDirectory.
func (s *MemoryStore) GetProfile(_ context.Context, userID string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.users[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// pairKey builds the canonical key for an unordered participant pair.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// FindOrCreateConversation is idempotent for the unordered pair: the single
// mutex serializes concurrent invocations from both participants.
func (s *MemoryStore) FindOrCreateConversation(_ context.Context, userA, userB string) (Conversation, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return Conversation{}, ValidationError{Field: "participants", Msg: "both participants are required"}
	}
	if userA == userB {
		return Conversation{}, ValidationError{Field: "participants", Msg: "cannot converse with yourself"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(userA, userB)
	if id, ok := s.pairIndex[key]; ok {
		mc := s.convs[id]
		// Re-opening the chat restores it for the opener; join and listing
		// treat a hidden conversation as not-found otherwise.
		delete(mc.hiddenFor, userA)
		return cloneConversation(mc.conv), nil
	}

	now := time.Now().UTC()
	conv := Conversation{
		ID:           NewULID(now),
		Participants: []string{userA, userB},
		UnreadCount:  map[string]int{userA: 0, userB: 0},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.convs[conv.ID] = &memConversation{
		conv:      conv,
		hiddenFor: make(map[string]bool),
	}
	s.pairIndex[key] = conv.ID

	return cloneConversation(conv), nil
}

// AppendMessage persists with status=sent and updates the conversation's
// denormalized state in the same critical section.
func (s *MemoryStore) AppendMessage(_ context.Context, in AppendMessageInput) (Message, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[in.ConversationID]
	if !ok || !mc.conv.HasParticipant(in.SenderID) {
		return Message{}, ErrNotFound
	}

	msg := Message{
		ID:             NewULID(now),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           in.Text,
		Status:         StatusSent,
		Timestamp:      now,
	}
	mc.msgs = append(mc.msgs, &memMessage{msg: msg, deletedFor: make(map[string]bool)})

	mc.conv.LastMessage = LastMessage{Text: in.Text, SenderID: in.SenderID, Timestamp: now}
	for _, p := range mc.conv.Participants {
		if p != in.SenderID {
			mc.conv.UnreadCount[p]++
		}
	}
	mc.conv.UpdatedAt = now

	// A new message restores visibility for participants that had hidden the
	// conversation, so the thread reappears in their list.
	mc.hiddenFor = make(map[string]bool)

	return msg, nil
}

// MarkConversationRead bulk-transitions unread messages from other senders and
// resets the reader's unread counter. Safe no-op when nothing is unread.
func (s *MemoryStore) MarkConversationRead(_ context.Context, conversationID, readerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[conversationID]
	if !ok || !mc.conv.HasParticipant(readerID) {
		return nil, ErrNotFound
	}

	var changed []string
	for _, mm := range mc.msgs {
		if mm.msg.SenderID == readerID || mm.msg.Status == StatusRead {
			continue
		}
		mm.msg.Status = StatusRead
		changed = append(changed, mm.msg.ID)
	}
	mc.conv.UnreadCount[readerID] = 0

	return changed, nil
}

// MarkMessageRead marks one message read; monotonic, never downgrades.
func (s *MemoryStore) MarkMessageRead(_ context.Context, messageID, conversationID, readerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[conversationID]
	if !ok || !mc.conv.HasParticipant(readerID) {
		return false, ErrNotFound
	}

	for _, mm := range mc.msgs {
		if mm.msg.ID != messageID {
			continue
		}
		if mm.msg.SenderID == readerID {
			return false, nil
		}
		if !mm.msg.Status.CanTransition(StatusRead) {
			return false, nil
		}
		mm.msg.Status = StatusRead
		return true, nil
	}

	return false, ErrNotFound
}

// GetConversation returns the conversation when userID has visibility.
func (s *MemoryStore) GetConversation(_ context.Context, conversationID, userID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[conversationID]
	if !ok || !mc.conv.HasParticipant(userID) || mc.hiddenFor[userID] {
		return Conversation{}, ErrNotFound
	}
	return cloneConversation(mc.conv), nil
}

// ListConversations returns visible conversations, most recently updated first.
func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, 8)
	for _, mc := range s.convs {
		if !mc.conv.HasParticipant(userID) || mc.hiddenFor[userID] {
			continue
		}
		out = append(out, cloneConversation(mc.conv))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// FetchMessages pages newest-first then reverses, so each page reads
// oldest-to-newest like a chat transcript.
func (s *MemoryStore) FetchMessages(_ context.Context, in FetchMessagesInput) (FetchMessagesResult, error) {
	page := in.Page
	if page <= 0 {
		page = 1
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[in.ConversationID]
	if !ok || !mc.conv.HasParticipant(in.RequesterID) {
		return FetchMessagesResult{}, ErrNotFound
	}

	visible := make([]Message, 0, len(mc.msgs))
	for _, mm := range mc.msgs {
		if mm.deletedFor[in.RequesterID] {
			continue
		}
		visible = append(visible, mm.msg)
	}

	// Stable ordering key is (timestamp, id); ULIDs break timestamp ties.
	sort.Slice(visible, func(i, j int) bool {
		if !visible[i].Timestamp.Equal(visible[j].Timestamp) {
			return visible[i].Timestamp.Before(visible[j].Timestamp)
		}
		return visible[i].ID < visible[j].ID
	})

	total := len(visible)
	pages := (total + limit - 1) / limit

	// Page 1 is the newest window.
	end := total - (page-1)*limit
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	window := make([]Message, end-start)
	copy(window, visible[start:end])

	return FetchMessagesResult{
		Messages:   window,
		Pagination: Pagination{Page: page, Limit: limit, Total: total, Pages: pages},
	}, nil
}

// DeleteMessageFor records a per-user soft delete; purges the record once all
// participants have excluded it.
func (s *MemoryStore) DeleteMessageFor(_ context.Context, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mc := range s.convs {
		for i, mm := range mc.msgs {
			if mm.msg.ID != messageID {
				continue
			}
			if !mc.conv.HasParticipant(userID) {
				return ErrNotFound
			}
			mm.deletedFor[userID] = true

			all := true
			for _, p := range mc.conv.Participants {
				if !mm.deletedFor[p] {
					all = false
					break
				}
			}
			if all {
				mc.msgs = append(mc.msgs[:i], mc.msgs[i+1:]...)
			}
			return nil
		}
	}

	return ErrNotFound
}

// HideConversationFor removes the conversation from userID's view only.
func (s *MemoryStore) HideConversationFor(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[conversationID]
	if !ok || !mc.conv.HasParticipant(userID) || mc.hiddenFor[userID] {
		return ErrNotFound
	}
	mc.hiddenFor[userID] = true
	return nil
}

func cloneConversation(c Conversation) Conversation {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	return out
}
