package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a ChatStore + UserDirectory backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - AppendMessage uses a per-conversation transactional advisory lock so the
//   message insert, lastMessage snapshot, and unread increments commit as one
//   unit without racing a concurrent send to the same conversation.
// - FindOrCreateConversation relies on a unique index on the canonical
//   participant pair key: concurrent creation loses the insert race and
//   re-fetches, never producing two conversations for one unordered pair.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close depends on the caller for pool lifecycle, so it is a no-op.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table(name string) string {
	return pgIdent(s.schema, name)
}

// AppendMessage persists with status=sent and updates the conversation's
// denormalized state in one transaction. This is the durability point.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if in.ConversationID == "" || in.SenderID == "" || in.Text == "" {
		return Message{}, ValidationError{Msg: "invalid append input"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Message{}, TransientError{Op: "chat.AppendMessage", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize writes per conversation: unread increments and the lastMessage
	// snapshot must not interleave between two concurrent sends.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return Message{}, TransientError{Op: "chat.AppendMessage", Err: fmt.Errorf("advisory lock: %w", err)}
	}

	members := s.table("conversation_members")
	conversations := s.table("conversations")
	messages := s.table("messages")

	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE conversation_id = $1 AND user_id = $2`,
		in.ConversationID, in.SenderID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, TransientError{Op: "chat.AppendMessage", Err: err}
	}

	msg := Message{
		ID:             NewULID(now),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           in.Text,
		Status:         StatusSent,
		Timestamp:      now,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, text, status, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, string(msg.Status), msg.Timestamp,
	); err != nil {
		return Message{}, TransientError{Op: "chat.AppendMessage", Err: fmt.Errorf("insert message: %w", err)}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message_text = $2,
		        last_message_sender_id = $3,
		        last_message_ts = $4,
		        updated_at = $4
		  WHERE id = $1`,
		in.ConversationID, msg.Text, msg.SenderID, msg.Timestamp,
	); err != nil {
		return Message{}, TransientError{Op: "chat.AppendMessage", Err: err}
	}

	// Unread bumps for everyone else; a new message also restores visibility
	// for participants that had hidden the conversation.
	if _, err := tx.Exec(ctx,
		`UPDATE `+members+`
		    SET unread_count = unread_count + CASE WHEN user_id <> $2 THEN 1 ELSE 0 END,
		        hidden_at = NULL
		  WHERE conversation_id = $1`,
		in.ConversationID, in.SenderID,
	); err != nil {
		return Message{}, TransientError{Op: "chat.AppendMessage", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, TransientError{Op: "chat.AppendMessage", Err: err}
	}
	return msg, nil
}

// MarkConversationRead bulk-transitions and resets the reader's counter.
func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, TransientError{Op: "chat.MarkConversationRead", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	members := s.table("conversation_members")
	messages := s.table("messages")

	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, readerID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, TransientError{Op: "chat.MarkConversationRead", Err: err}
	}

	rows, err := tx.Query(ctx,
		`UPDATE `+messages+`
		    SET status = 'read'
		  WHERE conversation_id = $1 AND sender_id <> $2 AND status <> 'read'
		RETURNING id`,
		conversationID, readerID,
	)
	if err != nil {
		return nil, TransientError{Op: "chat.MarkConversationRead", Err: err}
	}
	var changed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, TransientError{Op: "chat.MarkConversationRead", Err: err}
		}
		changed = append(changed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, TransientError{Op: "chat.MarkConversationRead", Err: err}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+members+` SET unread_count = 0 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, readerID,
	); err != nil {
		return nil, TransientError{Op: "chat.MarkConversationRead", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, TransientError{Op: "chat.MarkConversationRead", Err: err}
	}
	return changed, nil
}

// MarkMessageRead marks one message read. Monotonic: the guarded UPDATE never
// downgrades a status.
func (s *PostgresStore) MarkMessageRead(ctx context.Context, messageID, conversationID, readerID string) (bool, error) {
	members := s.table("conversation_members")
	messages := s.table("messages")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, readerID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, TransientError{Op: "chat.MarkMessageRead", Err: err}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET status = 'read'
		  WHERE id = $1 AND conversation_id = $2 AND sender_id <> $3 AND status <> 'read'`,
		messageID, conversationID, readerID,
	)
	if err != nil {
		return false, TransientError{Op: "chat.MarkMessageRead", Err: err}
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Distinguish "nothing to do" from "no such message".
	err = s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+messages+` WHERE id = $1 AND conversation_id = $2`,
		messageID, conversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, TransientError{Op: "chat.MarkMessageRead", Err: err}
	}
	return false, nil
}

// FindOrCreateConversation inserts on the canonical pair key and re-fetches on
// conflict, so both participants racing to open the chat resolve to one row.
func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return Conversation{}, ValidationError{Field: "participants", Msg: "both participants are required"}
	}
	if userA == userB {
		return Conversation{}, ValidationError{Field: "participants", Msg: "cannot converse with yourself"}
	}

	key := pairKey(userA, userB)
	conversations := s.table("conversations")
	members := s.table("conversation_members")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, TransientError{Op: "chat.FindOrCreateConversation", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	id := NewULID(now)

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, pair_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (pair_key) DO NOTHING`,
		id, key, now,
	)
	if err != nil {
		return Conversation{}, TransientError{Op: "chat.FindOrCreateConversation", Err: err}
	}

	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+members+` (conversation_id, user_id) VALUES ($1, $2), ($1, $3)`,
			id, userA, userB,
		); err != nil {
			return Conversation{}, TransientError{Op: "chat.FindOrCreateConversation", Err: err}
		}
	} else {
		if err := tx.QueryRow(ctx,
			`SELECT id FROM `+conversations+` WHERE pair_key = $1`, key,
		).Scan(&id); err != nil {
			return Conversation{}, TransientError{Op: "chat.FindOrCreateConversation", Err: err}
		}
		// Re-opening the chat restores it for the opener.
		if _, err := tx.Exec(ctx,
			`UPDATE `+members+` SET hidden_at = NULL
			  WHERE conversation_id = $1 AND user_id = $2 AND hidden_at IS NOT NULL`,
			id, userA,
		); err != nil {
			return Conversation{}, TransientError{Op: "chat.FindOrCreateConversation", Err: err}
		}
	}

	conv, err := s.loadConversationTx(ctx, tx, id)
	if err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, TransientError{Op: "chat.FindOrCreateConversation", Err: err}
	}
	return conv, nil
}

// GetConversation returns the conversation when userID has visibility.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID, userID string) (Conversation, error) {
	members := s.table("conversation_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+`
		  WHERE conversation_id = $1 AND user_id = $2 AND hidden_at IS NULL`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, TransientError{Op: "chat.GetConversation", Err: err}
	}

	return s.loadConversation(ctx, conversationID)
}

// ListConversations returns visible conversations, most recently updated first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	conversations := s.table("conversations")
	members := s.table("conversation_members")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, COALESCE(c.last_message_text, ''), COALESCE(c.last_message_sender_id, ''),
		        c.last_message_ts, c.created_at, c.updated_at,
		        array_agg(m.user_id ORDER BY m.user_id), array_agg(m.unread_count ORDER BY m.user_id)
		   FROM `+conversations+` c
		   JOIN `+members+` me ON me.conversation_id = c.id AND me.user_id = $1 AND me.hidden_at IS NULL
		   JOIN `+members+` m  ON m.conversation_id = c.id
		  GROUP BY c.id, c.last_message_text, c.last_message_sender_id, c.last_message_ts, c.created_at, c.updated_at
		  ORDER BY c.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, TransientError{Op: "chat.ListConversations", Err: err}
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversationRow(rows)
		if err != nil {
			return nil, TransientError{Op: "chat.ListConversations", Err: err}
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, TransientError{Op: "chat.ListConversations", Err: err}
	}
	return out, nil
}

// FetchMessages pages newest-first and reverses, excluding records the
// requester deleted for themselves.
func (s *PostgresStore) FetchMessages(ctx context.Context, in FetchMessagesInput) (FetchMessagesResult, error) {
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

	members := s.table("conversation_members")
	messages := s.table("messages")
	deletions := s.table("message_deletions")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE conversation_id = $1 AND user_id = $2`,
		in.ConversationID, in.RequesterID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return FetchMessagesResult{}, ErrNotFound
	}
	if err != nil {
		return FetchMessagesResult{}, TransientError{Op: "chat.FetchMessages", Err: err}
	}

	visible := ` FROM ` + messages + ` m
		  WHERE m.conversation_id = $1
		    AND NOT EXISTS (
		          SELECT 1 FROM ` + deletions + ` d
		           WHERE d.message_id = m.id AND d.user_id = $2)`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*)`+visible, in.ConversationID, in.RequesterID).Scan(&total); err != nil {
		return FetchMessagesResult{}, TransientError{Op: "chat.FetchMessages", Err: err}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.text, m.status, m.ts`+visible+`
		  ORDER BY m.ts DESC, m.id DESC
		  LIMIT $3 OFFSET $4`,
		in.ConversationID, in.RequesterID, limit, (page-1)*limit,
	)
	if err != nil {
		return FetchMessagesResult{}, TransientError{Op: "chat.FetchMessages", Err: err}
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var status string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &status, &m.Timestamp); err != nil {
			return FetchMessagesResult{}, TransientError{Op: "chat.FetchMessages", Err: err}
		}
		m.Status = Status(status)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchMessagesResult{}, TransientError{Op: "chat.FetchMessages", Err: err}
	}

	// Windows are queried newest-first; each page reads oldest-to-newest.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return FetchMessagesResult{
		Messages: msgs,
		Pagination: Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: (total + limit - 1) / limit,
		},
	}, nil
}

// DeleteMessageFor records the exclusion and purges the row once every
// participant has excluded it.
func (s *PostgresStore) DeleteMessageFor(ctx context.Context, messageID, userID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return TransientError{Op: "chat.DeleteMessageFor", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := s.table("messages")
	members := s.table("conversation_members")
	deletions := s.table("message_deletions")

	var conversationID string
	err = tx.QueryRow(ctx,
		`SELECT conversation_id FROM `+messages+` WHERE id = $1`, messageID,
	).Scan(&conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return TransientError{Op: "chat.DeleteMessageFor", Err: err}
	}

	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return TransientError{Op: "chat.DeleteMessageFor", Err: err}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+deletions+` (message_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID,
	); err != nil {
		return TransientError{Op: "chat.DeleteMessageFor", Err: err}
	}

	// Purge once the exclusion set covers every participant.
	if _, err := tx.Exec(ctx,
		`DELETE FROM `+messages+` m
		  WHERE m.id = $1
		    AND NOT EXISTS (
		          SELECT 1 FROM `+members+` p
		           WHERE p.conversation_id = m.conversation_id
		             AND NOT EXISTS (
		                   SELECT 1 FROM `+deletions+` d
		                    WHERE d.message_id = m.id AND d.user_id = p.user_id))`,
		messageID,
	); err != nil {
		return TransientError{Op: "chat.DeleteMessageFor", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return TransientError{Op: "chat.DeleteMessageFor", Err: err}
	}
	return nil
}

// HideConversationFor removes the conversation from userID's view only.
func (s *PostgresStore) HideConversationFor(ctx context.Context, conversationID, userID string) error {
	members := s.table("conversation_members")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+members+`
		    SET hidden_at = now()
		  WHERE conversation_id = $1 AND user_id = $2 AND hidden_at IS NULL`,
		conversationID, userID,
	)
	if err != nil {
		return TransientError{Op: "chat.HideConversationFor", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProfile implements UserDirectory against chat.users.
func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	users := s.table("users")

	var p Profile
	var lastSeen *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_name, COALESCE(avatar, ''), is_online, last_seen
		   FROM `+users+` WHERE id = $1`,
		userID,
	).Scan(&p.ID, &p.UserName, &p.Avatar, &p.IsOnline, &lastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, TransientError{Op: "chat.GetProfile", Err: err}
	}
	p.LastSeen = lastSeen
	return p, nil
}

// ---- helpers ----

type conversationScanner interface {
	Scan(dest ...any) error
}

func scanConversationRow(row conversationScanner) (Conversation, error) {
	var (
		conv      Conversation
		lastText  string
		lastFrom  string
		lastTS    *time.Time
		userIDs   []string
		unreads   []int32
	)
	if err := row.Scan(&conv.ID, &lastText, &lastFrom, &lastTS, &conv.CreatedAt, &conv.UpdatedAt, &userIDs, &unreads); err != nil {
		return Conversation{}, err
	}

	conv.LastMessage = LastMessage{Text: lastText, SenderID: lastFrom}
	if lastTS != nil {
		conv.LastMessage.Timestamp = *lastTS
	}

	conv.Participants = userIDs
	conv.UnreadCount = make(map[string]int, len(userIDs))
	for i, uid := range userIDs {
		if i < len(unreads) {
			conv.UnreadCount[uid] = int(unreads[i])
		}
	}
	return conv, nil
}

func (s *PostgresStore) loadConversation(ctx context.Context, conversationID string) (Conversation, error) {
	return s.loadConversationQuerier(ctx, s.pool, conversationID)
}

func (s *PostgresStore) loadConversationTx(ctx context.Context, tx pgx.Tx, conversationID string) (Conversation, error) {
	return s.loadConversationQuerier(ctx, tx, conversationID)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) loadConversationQuerier(ctx context.Context, q rowQuerier, conversationID string) (Conversation, error) {
	conversations := s.table("conversations")
	members := s.table("conversation_members")

	row := q.QueryRow(ctx,
		`SELECT c.id, COALESCE(c.last_message_text, ''), COALESCE(c.last_message_sender_id, ''),
		        c.last_message_ts, c.created_at, c.updated_at,
		        array_agg(m.user_id ORDER BY m.user_id), array_agg(m.unread_count ORDER BY m.user_id)
		   FROM `+conversations+` c
		   JOIN `+members+` m ON m.conversation_id = c.id
		  WHERE c.id = $1
		  GROUP BY c.id, c.last_message_text, c.last_message_sender_id, c.last_message_ts, c.created_at, c.updated_at`,
		conversationID,
	)

	conv, err := scanConversationRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, TransientError{Op: "chat.loadConversation", Err: err}
	}
	return conv, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
