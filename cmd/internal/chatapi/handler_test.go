package chatapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"servichat/cmd/internal/auth"
	"servichat/cmd/internal/chat"
)

type apiFixture struct {
	store    *chat.MemoryStore
	registry *chat.Registry
	tokens   *auth.Manager
	srv      *httptest.Server

	aliceToken string
	bobToken   string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := chat.NewMemoryStore()
	store.AddUser(chat.Profile{ID: "alice", UserName: "Alice"})
	store.AddUser(chat.Profile{ID: "bob", UserName: "Bob", Avatar: "https://img.example.com/bob.png"})

	registry := chat.NewRegistry(log, nil)
	rooms := chat.NewRoomManager(log, nil)
	dispatch := chat.NewDispatcher(log, store, registry, rooms, nil, time.Second)

	tokens, err := auth.NewManager("0123456789abcdef0123456789abcdef", "servichat", time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	h := NewHandler(log, store, store, dispatch, registry, tokens)
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	now := time.Now().UTC()
	aliceToken, _ := tokens.Issue(chat.Identity{UserID: "alice", UserName: "Alice"}, now)
	bobToken, _ := tokens.Issue(chat.Identity{UserID: "bob", UserName: "Bob"}, now)

	return &apiFixture{
		store:      store,
		registry:   registry,
		tokens:     tokens,
		srv:        srv,
		aliceToken: aliceToken,
		bobToken:   bobToken,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token, body string) (*http.Response, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (f *apiFixture) createConversation(t *testing.T) string {
	t.Helper()

	resp, body := f.do(t, http.MethodPost, "/api/conversations", f.aliceToken, `{"userId":"bob"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create conversation: status=%d body=%s", resp.StatusCode, body)
	}
	var summary struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return summary.ID
}

func TestHealthIsPublic(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("body=%s", body)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/conversations", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/conversations", "bogus-token", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status=%d", resp.StatusCode)
	}
}

func TestCreateConversation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/conversations", f.aliceToken, `{"userId":"bob"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var summary conversationSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.ID == "" || summary.UserID != "bob" || summary.UserName != "Bob" {
		t.Fatalf("summary=%+v", summary)
	}
	if summary.UserAvatar != "https://img.example.com/bob.png" {
		t.Fatalf("avatar=%q", summary.UserAvatar)
	}

	// Creating again returns the same conversation.
	resp, body = f.do(t, http.MethodPost, "/api/conversations", f.bobToken, `{"userId":"alice"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var again conversationSummary
	if err := json.Unmarshal(body, &again); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if again.ID != summary.ID {
		t.Fatalf("pair yielded two conversations: %s vs %s", again.ID, summary.ID)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/conversations", f.aliceToken, `{"userId":"ghost"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown user: status=%d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/conversations", f.aliceToken, `{"userId":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank user: status=%d", resp.StatusCode)
	}
}

func TestSendAndFetchMessages(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	convID := f.createConversation(t)

	resp, body := f.do(t, http.MethodPost, "/api/messages", f.aliceToken,
		`{"conversationId":"`+convID+`","text":"hello bob","recipientId":"bob"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send: status=%d body=%s", resp.StatusCode, body)
	}
	var msg chat.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.ID == "" || msg.Text != "hello bob" || msg.Status != chat.StatusSent {
		t.Fatalf("message=%+v", msg)
	}

	resp, body = f.do(t, http.MethodGet, "/api/messages/"+convID+"?page=1&limit=10", f.bobToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch: status=%d body=%s", resp.StatusCode, body)
	}
	var page messagesResponse
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != msg.ID {
		t.Fatalf("messages=%v", page.Messages)
	}
	if page.Pagination.Total != 1 || page.Pagination.Page != 1 {
		t.Fatalf("pagination=%+v", page.Pagination)
	}

	// Validation failures map to 400.
	resp, _ = f.do(t, http.MethodPost, "/api/messages", f.aliceToken,
		`{"conversationId":"`+convID+`","text":"   ","recipientId":"bob"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank text: status=%d", resp.StatusCode)
	}

	// Outsiders get the same answer as a missing conversation.
	ghostToken, _ := f.tokens.Issue(chat.Identity{UserID: "ghost", UserName: "Ghost"}, time.Now().UTC())
	resp, _ = f.do(t, http.MethodGet, "/api/messages/"+convID, ghostToken, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("outsider fetch: status=%d", resp.StatusCode)
	}
}

func TestUnreadAndMarkRead(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	convID := f.createConversation(t)

	f.do(t, http.MethodPost, "/api/messages", f.aliceToken,
		`{"conversationId":"`+convID+`","text":"one","recipientId":"bob"}`)
	f.do(t, http.MethodPost, "/api/messages", f.aliceToken,
		`{"conversationId":"`+convID+`","text":"two","recipientId":"bob"}`)

	resp, body := f.do(t, http.MethodGet, "/api/conversations", f.bobToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status=%d", resp.StatusCode)
	}
	var list []conversationSummary
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].UnreadCount != 2 || list[0].LastMessage != "two" {
		t.Fatalf("list=%+v", list)
	}
	if list[0].UserID != "alice" || list[0].UserName != "Alice" {
		t.Fatalf("other participant=%+v", list[0])
	}

	resp, _ = f.do(t, http.MethodPatch, "/api/messages/"+convID+"/read", f.bobToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read: status=%d", resp.StatusCode)
	}

	_, body = f.do(t, http.MethodGet, "/api/conversations", f.bobToken, "")
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list[0].UnreadCount != 0 {
		t.Fatalf("unread after read=%d", list[0].UnreadCount)
	}
}

func TestPresenceOverrideInListing(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.createConversation(t)

	_, body := f.do(t, http.MethodGet, "/api/conversations", f.aliceToken, "")
	var list []conversationSummary
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list[0].IsOnline {
		t.Fatalf("bob should read offline before registering")
	}

	// A live registry entry overrides the stored flag.
	f.registry.Register(chat.NewClient(chat.Identity{UserID: "bob", UserName: "Bob"}, "s-bob", 8))

	_, body = f.do(t, http.MethodGet, "/api/conversations", f.aliceToken, "")
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !list[0].IsOnline {
		t.Fatalf("bob should read online while registered")
	}
}

func TestDeleteMessageAndConversation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	convID := f.createConversation(t)

	_, body := f.do(t, http.MethodPost, "/api/messages", f.aliceToken,
		`{"conversationId":"`+convID+`","text":"to be removed","recipientId":"bob"}`)
	var msg chat.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, _ := f.do(t, http.MethodDelete, "/api/messages/"+msg.ID, f.bobToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete message: status=%d", resp.StatusCode)
	}

	_, body = f.do(t, http.MethodGet, "/api/messages/"+convID, f.bobToken, "")
	var page messagesResponse
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Fatalf("bob still sees deleted message: %v", page.Messages)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/conversations/"+convID, f.bobToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hide conversation: status=%d", resp.StatusCode)
	}

	_, body = f.do(t, http.MethodGet, "/api/conversations", f.bobToken, "")
	var list []conversationSummary
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("hidden conversation still listed: %v", list)
	}

	// The other participant keeps the thread.
	_, body = f.do(t, http.MethodGet, "/api/conversations", f.aliceToken, "")
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("alice lost the thread: %v", list)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/messages/missing-id", f.bobToken, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing message delete: status=%d", resp.StatusCode)
	}
}
