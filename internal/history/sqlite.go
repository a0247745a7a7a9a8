package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ent0n29/recall/internal/keywords"
)

// SQLiteStore persists conversation history in a single SQLite file. Pass
// ":memory:" for a throwaway database. Timestamps are stored as unix
// microseconds and keyword sets as JSON arrays matched through json_each.
type SQLiteStore struct {
	db    *sql.DB
	clock clock
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: pragmas stay applied and :memory: stays a single database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations (user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NULL,
			keywords TEXT NULL,
			keyword_set TEXT NULL,
			removed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate history schema: %w", err)
		}
	}
	return nil
}

const sqliteMessageColumns = `m.id, m.conversation_id, m.role, m.content, m.metadata, m.keywords, m.created_at`

const sqliteConversationColumns = `id, user_id, system_prompt, active, deleted, created_at, updated_at`

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := s.clock.Now()
	conv.UserID = strings.TrimSpace(conv.UserID)
	conv.Active = true
	conv.Deleted = false
	conv.CreatedAt = now
	conv.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, system_prompt, active, deleted, created_at, updated_at)
		 VALUES (?, ?, ?, 1, 0, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		conv.ID, conv.UserID, conv.SystemPrompt, now.UnixMicro(), now.UnixMicro(),
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Conversation{}, fmt.Errorf("%w: %s", ErrConversationExists, conv.ID)
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteConversationColumns+` FROM conversations WHERE id = ? AND deleted = 0`, id)
	conv, err := scanSQLiteConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET deleted = 1, active = 0, updated_at = ? WHERE id = ? AND deleted = 0`,
		s.clock.Now().UnixMicro(), id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET removed = 1 WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("remove conversation messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, role Role, content string, metadata map[string]any) (Message, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       cloneMetadata(metadata),
	}
	var metaArg any
	if msg.Metadata != nil {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return Message{}, fmt.Errorf("encode metadata: %w", err)
		}
		metaArg = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deleted bool
	err = tx.QueryRowContext(ctx, `SELECT deleted FROM conversations WHERE id = ?`, conversationID).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return Message{}, ErrConversationNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("load conversation: %w", err)
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&last); err != nil {
		return Message{}, fmt.Errorf("load last timestamp: %w", err)
	}
	ts := s.clock.Now().UnixMicro()
	if ts <= last {
		ts = last + 1
	}
	msg.CreatedAt = time.UnixMicro(ts).UTC()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(role), content, metaArg, ts,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if role == RoleSystem {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ?, system_prompt = ? WHERE id = ?`, ts, content, conversationID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, ts, conversationID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit tx: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) SetKeywords(ctx context.Context, messageID string, kw Keywords) error {
	normalized := NewKeywords(kw.Primary, kw.Secondary)
	rawKW, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("encode keywords: %w", err)
	}
	rawSet, err := json.Marshal(nonNil(normalized.All()))
	if err != nil {
		return fmt.Errorf("encode keyword set: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET keywords = ?, keyword_set = ? WHERE id = ?`,
		string(rawKW), string(rawSet), messageID)
	if err != nil {
		return fmt.Errorf("set keywords: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *SQLiteStore) RecentNonSystem(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	items, err := s.queryMessages(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages m
		 WHERE m.conversation_id = ? AND m.role <> 'system' AND m.removed = 0
		 ORDER BY m.created_at DESC, m.seq DESC LIMIT ?`,
		conversationID, sqliteLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	reverse(items)
	return items, nil
}

func (s *SQLiteStore) LatestSystemMessage(ctx context.Context, conversationID string) (*Message, error) {
	items, err := s.queryMessages(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages m
		 WHERE m.conversation_id = ? AND m.role = 'system' AND m.removed = 0
		 ORDER BY m.created_at DESC, m.seq DESC LIMIT 1`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query system message: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (s *SQLiteStore) KeywordFilteredNonSystem(ctx context.Context, conversationID string, kws []string, mode MatchMode, limit int) ([]Message, error) {
	query := keywords.Normalize(kws)
	if len(query) == 0 {
		return nil, nil
	}
	rawQuery, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encode keyword query: %w", err)
	}
	items, err := s.queryMessages(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages m
		 WHERE m.conversation_id = ? AND m.role <> 'system' AND m.removed = 0
		   AND `+sqliteMatchClause(mode)+`
		 ORDER BY m.created_at ASC, m.seq ASC LIMIT ?`,
		conversationID, string(rawQuery), sqliteLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query keyword messages: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) KeywordFilteredNonSystemByUser(ctx context.Context, userID string, kws []string, mode MatchMode, limit int) ([]Message, error) {
	query := keywords.Normalize(kws)
	userID = strings.TrimSpace(userID)
	if len(query) == 0 || userID == "" {
		return nil, nil
	}
	rawQuery, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encode keyword query: %w", err)
	}
	items, err := s.queryMessages(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.user_id = ? AND c.active = 1 AND c.deleted = 0
		   AND m.role <> 'system' AND m.removed = 0
		   AND `+sqliteMatchClause(mode)+`
		 ORDER BY m.created_at DESC, m.seq DESC LIMIT ?`,
		userID, string(rawQuery), sqliteLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query user keyword messages: %w", err)
	}
	reverse(items)
	return items, nil
}

func (s *SQLiteStore) TrimRetain(ctx context.Context, conversationID string, maxKeep int) (int, error) {
	if maxKeep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET removed = 1
		 WHERE conversation_id = ? AND role <> 'system' AND removed = 0
		   AND seq NOT IN (
			SELECT seq FROM messages
			 WHERE conversation_id = ? AND role <> 'system' AND removed = 0
			 ORDER BY created_at DESC, seq DESC LIMIT ?
		   )`,
		conversationID, conversationID, maxKeep)
	if err != nil {
		return 0, fmt.Errorf("trim messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("trim messages: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) MostRecentConversationForUser(ctx context.Context, userID string) (*Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteConversationColumns+` FROM conversations
		 WHERE user_id = ? AND active = 1 AND deleted = 0
		 ORDER BY updated_at DESC, created_at DESC LIMIT 1`, userID)
	conv, err := scanSQLiteConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("most recent conversation: %w", err)
	}
	return &conv, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteMatchClause binds the JSON-encoded query as its single parameter.
func sqliteMatchClause(mode MatchMode) string {
	if mode == MatchAll {
		return `m.keyword_set IS NOT NULL AND NOT EXISTS (
			SELECT 1 FROM json_each(?) q
			 WHERE q.value NOT IN (SELECT k.value FROM json_each(m.keyword_set) k))`
	}
	return `m.keyword_set IS NOT NULL AND EXISTS (
		SELECT 1 FROM json_each(m.keyword_set) k
		 WHERE k.value IN (SELECT q.value FROM json_each(?) q))`
}

func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// queryMessages drains and closes rows before returning; the pool holds a
// single connection.
func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var (
			m         Message
			role      string
			meta      sql.NullString
			kw        sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &meta, &kw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.UnixMicro(createdAt).UTC()
		if err := decodeMessageJSON(&m, []byte(meta.String), []byte(kw.String)); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}

func scanSQLiteConversation(row *sql.Row) (Conversation, error) {
	var (
		c                    Conversation
		active, deleted      bool
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.SystemPrompt, &active, &deleted, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	c.Active = active
	c.Deleted = deleted
	c.CreatedAt = time.UnixMicro(createdAt).UTC()
	c.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return c, nil
}
