package chat

import (
	"log/slog"
	"sync"
	"time"

	v1 "servichat/shared/contracts/chat/v1"
)

// Registry is the authoritative mapping of online user identity to a routable
// connection. It is owned by the composition root and injected into every
// handler so tests can instantiate isolated registries.
//
// Policy: last connection wins. A user opening a second tab replaces the
// routing target; the replaced connection keeps its rooms until it disconnects
// but is no longer addressable for direct delivery.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	byUser map[string]*Client
}

// NewRegistry constructs a Registry.
func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	return &Registry{
		log:     log,
		metrics: metrics,
		byUser:  make(map[string]*Client),
	}
}

// Register records c as the routing target for its user and broadcasts
// user:online to every other connected user. Overwrites any prior entry for
// the same user; idempotent, no error conditions.
func (r *Registry) Register(c *Client) {
	if r == nil || c == nil || c.UserID == "" {
		return
	}

	r.mu.Lock()
	prev := r.byUser[c.UserID]
	r.byUser[c.UserID] = c
	r.mu.Unlock()

	if prev == nil {
		r.metrics.gaugeUsers(1)
	}

	r.log.Info("registry.register", "user_id", c.UserID, "session_id", c.SessionID, "replaced", prev != nil)

	r.broadcastPresence(v1.TypeUserOnline, c.UserID, c.UserName)
}

// Unregister removes c's entry and broadcasts user:offline. It is a no-op when
// another connection has already replaced c (a stale tab's teardown must not
// knock the live connection offline).
func (r *Registry) Unregister(c *Client) {
	if r == nil || c == nil || c.UserID == "" {
		return
	}

	r.mu.Lock()
	cur, ok := r.byUser[c.UserID]
	if ok && cur == c {
		delete(r.byUser, c.UserID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.metrics.gaugeUsers(-1)
	r.log.Info("registry.unregister", "user_id", c.UserID, "session_id", c.SessionID)

	r.broadcastPresence(v1.TypeUserOffline, c.UserID, "")
}

// Lookup returns the routable connection for userID, if online.
func (r *Registry) Lookup(userID string) (*Client, bool) {
	if r == nil || userID == "" {
		return nil, false
	}
	r.mu.RLock()
	c, ok := r.byUser[userID]
	r.mu.RUnlock()
	return c, ok
}

// IsOnline reports whether userID has a registered connection.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// broadcastPresence is fire-and-forget: no acknowledgment, no retry, and the
// subject user is excluded.
func (r *Registry) broadcastPresence(typ, userID, userName string) {
	env := newEnvelope(typ, v1.PresencePayload{UserID: userID, UserName: userName}, time.Now().UTC())

	r.mu.RLock()
	targets := make([]*Client, 0, len(r.byUser))
	for uid, c := range r.byUser {
		if uid == userID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.TrySend(env) {
			r.metrics.fanoutDropped()
		}
	}

	r.metrics.presenceEvent()
}
