package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	v1 "servichat/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// Handshake refusal reasons, surfaced in the 401 body.
const (
	RefuseMissingCredential = "missing-credential"
	RefuseInvalidCredential = "invalid-credential"
)

// TokenVerifier is the Session Authenticator boundary: it validates a bearer
// credential and yields the connection's identity. Called exactly once,
// synchronously, before the connection is admitted.
type TokenVerifier interface {
	Verify(token string, now time.Time) (Identity, error)
}

// WSGatewayConfig carries the transport knobs the composition root resolves
// from the environment.
type WSGatewayConfig struct {
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// WSGateway is the WebSocket entrypoint. It enforces origin policy and the
// authentication handshake, then routes validated envelopes through a single
// closed switch to the dispatcher, room manager, and signaler.
type WSGateway struct {
	log      *slog.Logger
	verifier TokenVerifier
	registry *Registry
	rooms    *RoomManager
	dispatch *Dispatcher
	signaler *Signaler
	store    ChatStore
	metrics  *Metrics

	cfg            WSGatewayConfig
	originPatterns []string
}

// NewWSGateway constructs a gateway. Zero-valued config fields fall back to
// safe defaults.
func NewWSGateway(
	log *slog.Logger,
	cfg WSGatewayConfig,
	verifier TokenVerifier,
	registry *Registry,
	rooms *RoomManager,
	dispatch *Dispatcher,
	signaler *Signaler,
	store ChatStore,
	metrics *Metrics,
) *WSGateway {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = wsDefaultReadIdle
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsDefaultSendQueueSize
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = rateLimitEvents
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = rateLimitWindow
	}

	return &WSGateway{
		log:            log,
		verifier:       verifier,
		registry:       registry,
		rooms:          rooms,
		dispatch:       dispatch,
		signaler:       signaler,
		store:          store,
		metrics:        metrics,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// realtime loop. The credential is checked before the upgrade: a refused
// connection creates no registry or room state.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	token := bearerToken(r)
	if token == "" {
		g.log.Info("ws.reject.credential", "reason", RefuseMissingCredential, "remote", r.RemoteAddr)
		http.Error(w, RefuseMissingCredential, http.StatusUnauthorized)
		return
	}

	identity, err := g.verifier.Verify(token, time.Now().UTC())
	if err != nil {
		g.log.Info("ws.reject.credential", "reason", RefuseInvalidCredential, "remote", r.RemoteAddr)
		http.Error(w, RefuseInvalidCredential, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	client := NewClient(identity, NewULID(now), g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Disconnection is the only cancellation signal:
	// it unregisters presence and leaves every room unconditionally.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Unregister(client)
			g.rooms.LeaveAll(client.SessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.registry.Register(client)
	g.metrics.connection()
	g.log.Info("ws.connect", "user_id", client.UserID, "session_id", client.SessionID)

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			wait := rl.RetryAfter(now)
			g.log.Info("ws.rate_limited", "session_id", client.SessionID, "retry_after_ms", wait.Milliseconds())
			g.sendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		g.handleEvent(ctx, client, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// handleEvent is the single dispatch point for the closed inbound event set.
// Adding a wire type without a case here lands in the default error arm.
func (g *WSGateway) handleEvent(ctx context.Context, client *Client, env v1.Envelope) {
	switch env.Type {
	case v1.TypeConversationJoin:
		g.onJoin(ctx, client, env)
	case v1.TypeConversationLeave:
		g.onLeave(client, env)
	case v1.TypeMessageSend:
		g.onSend(ctx, client, env)
	case v1.TypeMessageRead:
		g.onRead(ctx, client, env)
	case v1.TypeTypingStart:
		g.onTyping(client, env, true)
	case v1.TypeTypingStop:
		g.onTyping(client, env, false)
	default:
		g.sendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "bad_payload", "invalid payload")
		return
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		g.sendError(client, "validation", "missing conversation_id")
		return
	}

	// Membership does not imply authorization: joining requires the user to be
	// a declared participant of the persisted conversation.
	if _, err := g.store.GetConversation(ctx, convID, client.UserID); err != nil {
		g.sendError(client, errorCode(err), "conversation not found")
		return
	}

	g.rooms.Join(convID, client)
}

func (g *WSGateway) onLeave(client *Client, env v1.Envelope) {
	var p v1.ConversationLeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "bad_payload", "invalid payload")
		return
	}
	g.rooms.Leave(strings.TrimSpace(p.ConversationID), client.SessionID)
}

func (g *WSGateway) onSend(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "bad_payload", "invalid payload")
		return
	}

	sender := Identity{UserID: client.UserID, UserName: client.UserName}
	msg, err := g.dispatch.SendMessage(ctx, sender, p.ConversationID, p.Text, p.RecipientID)
	if err != nil {
		g.sendError(client, errorCode(err), "failed to send message")
		return
	}

	// A sender watching the room gets the persisted copy via the room echo.
	// Otherwise return it on their own connection so the optimistic local
	// message can be reconciled.
	if !g.rooms.IsMember(p.ConversationID, client.SessionID) {
		client.TrySend(newEnvelope(v1.TypeMessageReceived, v1.MessageReceivedPayload{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			SenderName:     client.UserName,
			Text:           msg.Text,
			Status:         string(msg.Status),
			Timestamp:      msg.Timestamp,
		}, time.Now().UTC()))
	}
}

func (g *WSGateway) onRead(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.MessageReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "bad_payload", "invalid payload")
		return
	}

	if err := g.dispatch.MarkMessageRead(ctx, p.MessageID, p.ConversationID, client.UserID); err != nil {
		// Read receipts are best-effort; log without surfacing an error bubble.
		g.log.Info("ws.read_receipt.fail", "session_id", client.SessionID, "message_id", p.MessageID, "err", err)
	}
}

func (g *WSGateway) onTyping(client *Client, env v1.Envelope, start bool) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	sender := Identity{UserID: client.UserID, UserName: client.UserName}
	if start {
		g.signaler.TypingStart(sender, p.ConversationID, p.RecipientID)
	} else {
		g.signaler.TypingStop(sender, p.ConversationID, p.RecipientID)
	}
}

// ---- send helpers ----

// sendError is delivered to the offending sender only, never broadcast.
func (g *WSGateway) sendError(client *Client, code, msg string) {
	env := newEnvelope(v1.TypeMessageError, v1.ErrorPayload{Error: msg, Code: code}, time.Now().UTC())
	client.TrySend(env)
}

func errorCode(err error) string {
	switch {
	case IsValidation(err):
		return "validation"
	case IsNotFound(err):
		return "not_found"
	case IsForbidden(err):
		return "forbidden"
	case IsAuthentication(err):
		return "authentication"
	case IsTransient(err):
		return "transient"
	default:
		return "internal"
	}
}

// bearerToken extracts the handshake credential from the Authorization header
// or, for browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.Accept OriginPatterns (host patterns) from
// the allowlist so both layers agree.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
