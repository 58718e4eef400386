package chat

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "servichat/shared/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recvEnvelope pops one queued envelope or fails the test.
func recvEnvelope(t *testing.T, c *Client) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	case <-time.After(time.Second):
		t.Fatalf("no envelope queued for session %s", c.SessionID)
		return v1.Envelope{}
	}
}

func assertNoEnvelope(t *testing.T, c *Client) {
	t.Helper()
	select {
	case env := <-c.Send:
		t.Fatalf("unexpected envelope %q for session %s", env.Type, c.SessionID)
	default:
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger(), nil)
	alice := NewClient(Identity{UserID: "alice", UserName: "Alice"}, "s1", 8)

	if r.IsOnline("alice") {
		t.Fatalf("alice should be offline before register")
	}

	r.Register(alice)

	got, ok := r.Lookup("alice")
	if !ok || got != alice {
		t.Fatalf("Lookup returned %v ok=%v, want registered client", got, ok)
	}
	if !r.IsOnline("alice") {
		t.Fatalf("alice should be online")
	}
}

func TestRegistryLastConnectionWins(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger(), nil)
	first := NewClient(Identity{UserID: "alice", UserName: "Alice"}, "s1", 8)
	second := NewClient(Identity{UserID: "alice", UserName: "Alice"}, "s2", 8)

	r.Register(first)
	r.Register(second)

	got, _ := r.Lookup("alice")
	if got != second {
		t.Fatalf("expected the newer connection to be the routing target")
	}

	// The replaced tab's teardown must not knock the live connection offline.
	r.Unregister(first)
	if !r.IsOnline("alice") {
		t.Fatalf("alice went offline after stale unregister")
	}

	r.Unregister(second)
	if r.IsOnline("alice") {
		t.Fatalf("alice still online after live unregister")
	}
}

func TestRegistryPresenceBroadcastExcludesSubject(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger(), nil)
	bob := NewClient(Identity{UserID: "bob", UserName: "Bob"}, "s-bob", 8)
	r.Register(bob)
	assertNoEnvelope(t, bob) // nobody else online yet

	alice := NewClient(Identity{UserID: "alice", UserName: "Alice"}, "s-alice", 8)
	r.Register(alice)

	env := recvEnvelope(t, bob)
	if env.Type != v1.TypeUserOnline {
		t.Fatalf("type=%q want %q", env.Type, v1.TypeUserOnline)
	}
	var p v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.UserID != "alice" || p.UserName != "Alice" {
		t.Fatalf("payload=%+v", p)
	}
	assertNoEnvelope(t, alice)

	r.Unregister(alice)

	env = recvEnvelope(t, bob)
	if env.Type != v1.TypeUserOffline {
		t.Fatalf("type=%q want %q", env.Type, v1.TypeUserOffline)
	}
	// Decode into a fresh struct so the earlier payload cannot mask an
	// omitted field.
	var off v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &off); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if off.UserID != "alice" || off.UserName != "" {
		t.Fatalf("offline payload=%+v", off)
	}
}

func TestClientTrySend(t *testing.T) {
	t.Parallel()

	c := NewClient(Identity{UserID: "alice"}, "s1", 1)

	if !c.TrySend(v1.Envelope{Type: v1.TypeUserOnline}) {
		t.Fatalf("first send should fit the queue")
	}
	if c.TrySend(v1.Envelope{Type: v1.TypeUserOnline}) {
		t.Fatalf("full queue must drop, not block")
	}

	<-c.Send
	c.Close()
	c.Close() // idempotent

	if c.TrySend(v1.Envelope{Type: v1.TypeUserOnline}) {
		t.Fatalf("closed client must refuse sends")
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done must be closed after Close")
	}
}
