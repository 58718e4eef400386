package chat

import (
	"encoding/json"
	"testing"

	v1 "servichat/shared/contracts/chat/v1"
)

func TestTypingSignalsDirectDelivery(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger(), nil)
	s := NewSignaler(testLogger(), registry)

	alice := NewClient(Identity{UserID: "alice", UserName: "Alice"}, "s-alice", 8)
	bob := NewClient(Identity{UserID: "bob", UserName: "Bob"}, "s-bob", 8)
	carol := NewClient(Identity{UserID: "carol", UserName: "Carol"}, "s-carol", 8)
	registry.Register(alice)
	registry.Register(bob)
	registry.Register(carol)
	drainClient(alice)
	drainClient(bob)
	drainClient(carol)

	sender := Identity{UserID: "alice", UserName: "Alice"}

	s.TypingStart(sender, "conv-1", "bob")

	env := recvEnvelope(t, bob)
	if env.Type != v1.TypeTypingUpdate {
		t.Fatalf("type=%q", env.Type)
	}
	var p v1.TypingUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !p.IsTyping || p.UserID != "alice" || p.UserName != "Alice" || p.ConversationID != "conv-1" {
		t.Fatalf("payload=%+v", p)
	}

	// Addressed to bob only; unrelated connections see nothing.
	assertNoEnvelope(t, alice)
	assertNoEnvelope(t, carol)

	s.TypingStop(sender, "conv-1", "bob")

	env = recvEnvelope(t, bob)
	// Fresh struct: the stop payload omits userName on the wire, and a reused
	// struct would keep the stale value from the start signal.
	var stop v1.TypingUpdatePayload
	if err := json.Unmarshal(env.Payload, &stop); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if stop.IsTyping {
		t.Fatalf("stop signal still typing: %+v", stop)
	}
	if stop.UserName != "" {
		t.Fatalf("stop signal carries userName: %+v", stop)
	}
}

func TestTypingSignalOfflineRecipient(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger(), nil)
	s := NewSignaler(testLogger(), registry)

	// Must be a silent no-op.
	s.TypingStart(Identity{UserID: "alice"}, "conv-1", "ghost")
	s.TypingStop(Identity{UserID: "alice"}, "conv-1", "ghost")
}
