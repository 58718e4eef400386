package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "servichat/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

// stubVerifier maps opaque tokens to identities for handshake tests.
type stubVerifier map[string]Identity

func (v stubVerifier) Verify(token string, _ time.Time) (Identity, error) {
	id, ok := v[token]
	if !ok {
		return Identity{}, ErrAuthentication
	}
	return id, nil
}

type gatewayFixture struct {
	store *MemoryStore
	conv  Conversation
	srv   *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	log := testLogger()
	store := NewMemoryStore()
	conv := seedConversation(t, store)

	registry := NewRegistry(log, nil)
	rooms := NewRoomManager(log, nil)
	dispatch := NewDispatcher(log, store, registry, rooms, nil, time.Second)
	signaler := NewSignaler(log, registry)

	verifier := stubVerifier{
		"tok-alice": {UserID: "alice", UserName: "Alice"},
		"tok-bob":   {UserID: "bob", UserName: "Bob"},
	}

	g := NewWSGateway(log, WSGatewayConfig{}, verifier, registry, rooms, dispatch, signaler, store, nil)

	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	return &gatewayFixture{store: store, conv: conv, srv: srv}
}

func (f *gatewayFixture) dial(t *testing.T, ctx context.Context, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func wsSend(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, Payload: raw}
	data, _ := json.Marshal(env)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// wsRecvType reads envelopes until one of the wanted type arrives, skipping
// interleaved presence and notification traffic. An error envelope while
// waiting for anything else fails the test.
func wsRecvType(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type == typ {
			return env
		}
		if env.Type == v1.TypeMessageError {
			t.Fatalf("unexpected error envelope while waiting for %q: %s", typ, env.Payload)
		}
	}
}

func TestHandshakeRefusals(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)

	resp, err := http.Get(f.srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(string(body), RefuseMissingCredential) {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}

	resp, err = http.Get(f.srv.URL + "/ws?token=bogus")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(string(body), RefuseInvalidCredential) {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
}

func TestGatewaySendDeliversToJoinedPeer(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := f.dial(t, ctx, "tok-alice")
	bob := f.dial(t, ctx, "tok-bob")

	// Joins carry no acknowledgment, but each connection's events are handled
	// in order. Bob's own room echo therefore proves his join was processed
	// before alice sends.
	wsSend(t, ctx, bob, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: f.conv.ID})
	wsSend(t, ctx, bob, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: f.conv.ID,
		Text:           "sync",
		RecipientID:    "alice",
	})
	wsRecvType(t, ctx, bob, v1.TypeMessageReceived)

	wsSend(t, ctx, alice, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: f.conv.ID})
	wsSend(t, ctx, alice, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: f.conv.ID,
		Text:           "hello from the wire",
		RecipientID:    "bob",
	})

	env := wsRecvType(t, ctx, bob, v1.TypeMessageReceived)
	var p v1.MessageReceivedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Text != "hello from the wire" || p.SenderID != "alice" || p.SenderName != "Alice" {
		t.Fatalf("payload=%+v", p)
	}
	if p.Status != string(StatusDelivered) {
		t.Fatalf("status=%q want %q", p.Status, StatusDelivered)
	}

	// The sender is in the room, so she gets the same envelope as the echo.
	echo := wsRecvType(t, ctx, alice, v1.TypeMessageReceived)
	var ep v1.MessageReceivedPayload
	if err := json.Unmarshal(echo.Payload, &ep); err != nil {
		t.Fatalf("echo payload: %v", err)
	}
	if ep.ID != p.ID {
		t.Fatalf("echo id=%q want %q", ep.ID, p.ID)
	}
}

func TestGatewayJoinRequiresParticipancy(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, "tok-alice")

	// Unknown conversation and non-participant joins both read as not_found.
	wsSend(t, ctx, conn, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: "no-such-conversation"})

	env := wsRecvType(t, ctx, conn, v1.TypeMessageError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != "not_found" {
		t.Fatalf("code=%q want not_found", p.Code)
	}
}

func TestGatewayRejectsUnknownType(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, "tok-alice")

	data := []byte(`{"v":"v1","type":"message:recall","payload":{}}`)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := wsRecvType(t, ctx, conn, v1.TypeMessageError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != "bad_envelope" {
		t.Fatalf("code=%q want bad_envelope", p.Code)
	}
}

func TestGatewayRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, "tok-alice")

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := wsRecvType(t, ctx, conn, v1.TypeMessageError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != "bad_json" {
		t.Fatalf("code=%q want bad_json", p.Code)
	}
}

func TestEnforceOriginPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     WSGatewayConfig
		origin  string
		wantErr bool
	}{
		{name: "no origin allowed by default", cfg: WSGatewayConfig{}, origin: "", wantErr: false},
		{name: "no origin refused when required", cfg: WSGatewayConfig{OriginRequired: true}, origin: "", wantErr: true},
		{name: "origin without allowlist", cfg: WSGatewayConfig{}, origin: "https://app.example.com", wantErr: true},
		{
			name:   "exact match",
			cfg:    WSGatewayConfig{AllowedOrigins: []string{"https://app.example.com"}},
			origin: "https://app.example.com",
		},
		{
			name:   "host match ignores scheme",
			cfg:    WSGatewayConfig{AllowedOrigins: []string{"https://app.example.com"}},
			origin: "http://app.example.com",
		},
		{
			name:    "mismatch",
			cfg:     WSGatewayConfig{AllowedOrigins: []string{"https://app.example.com"}},
			origin:  "https://evil.example.com",
			wantErr: true,
		},
		{
			name:   "wildcard",
			cfg:    WSGatewayConfig{AllowedOrigins: []string{"*"}},
			origin: "https://anything.example.com",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := NewWSGateway(testLogger(), tc.cfg, stubVerifier{}, nil, nil, nil, nil, nil, nil)
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}

			err := g.enforceOrigin(r)
			if tc.wantErr && err == nil {
				t.Fatalf("expected rejection")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "header", header: "Bearer abc", want: "abc"},
		{name: "case insensitive scheme", header: "bearer abc", want: "abc"},
		{name: "wrong scheme", header: "Basic abc", want: ""},
		{name: "query fallback", query: "abc", want: "abc"},
		{name: "header wins over query", header: "Bearer fromheader", query: "fromquery", want: "fromheader"},
		{name: "none", want: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			url := "/ws"
			if tc.query != "" {
				url += "?token=" + tc.query
			}
			r := httptest.NewRequest(http.MethodGet, url, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}

			if got := bearerToken(r); got != tc.want {
				t.Fatalf("bearerToken()=%q want %q", got, tc.want)
			}
		})
	}
}
