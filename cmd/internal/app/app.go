// Package app wires the ServiChat server runtime: config, logging, HTTP
// routes, and the realtime gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"servichat/cmd/internal/auth"
	"servichat/cmd/internal/chat"
	"servichat/cmd/internal/chatapi"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the ServiChat server runtime: it owns HTTP server wiring and the
// realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	promReg *prometheus.Registry

	ws  *chat.WSGateway
	api *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	tokens, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	st, dbPool, dbEnabled, chatStore, directory, err := newChatStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	metrics := chat.NewMetrics(promReg)

	registry := chat.NewRegistry(log, metrics)
	rooms := chat.NewRoomManager(log, metrics)
	dispatch := chat.NewDispatcher(log, chatStore, registry, rooms, metrics, cfg.PersistTimeout)
	signaler := chat.NewSignaler(log, registry)

	ws := chat.NewWSGateway(log, chat.WSGatewayConfig{
		OriginRequired: cfg.WSOriginRequired,
		AllowedOrigins: cfg.WSOrigins,
		SendQueueSize:  cfg.WSSendQueue,
		RateEvents:     cfg.WSRateEvents,
		RateWindow:     cfg.WSRateWindow,
	}, tokens, registry, rooms, dispatch, signaler, chatStore, metrics)

	api := chatapi.NewHandler(log, chatStore, directory, dispatch, registry, tokens)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		promReg:   promReg,
		ws:        ws,
		api:       api,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.promReg, a.ws, a.api)

	var handler http.Handler = mux
	handler = WithSecurityHeaders(handler)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	baseURL := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", baseURL,
		"ws_url", wsBaseURL(baseURL)+"/ws",
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newChatStore decides between Postgres-backed persistence and the in-memory
// dev store.
func newChatStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.ChatStore, chat.UserDirectory, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		ms := chat.NewMemoryStore()
		seedDevUsers(ms, cfg.DevUsers, log)
		return nopStore{}, nil, false, ms, ms, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	ps, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool, chatStore: ps}, pool, true, ps, ps, nil
}

// seedDevUsers provisions "id:name" profiles into the in-memory directory so
// a token-holding dev client has someone to talk to.
func seedDevUsers(ms *chat.MemoryStore, entries []string, log Logger) {
	for _, entry := range entries {
		id, name, ok := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		name = strings.TrimSpace(name)
		if !ok || id == "" || name == "" {
			log.Warn("dev_users.skip", "entry", entry)
			continue
		}
		ms.AddUser(chat.Profile{ID: id, UserName: name})
	}
}

type dbStore struct {
	pool      *pgxpool.Pool
	chatStore chat.ChatStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.chatStore != nil {
		_ = s.chatStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// runtimeBaseURL turns a bind address into a URL a local client can reach.
// Wildcard binds map to the loopback address.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL derives the WebSocket scheme counterpart of an HTTP base URL.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
