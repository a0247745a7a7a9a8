package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/recall/internal/keywords"
)

// PostgresStore persists conversation history in PostgreSQL. Keyword
// annotations live in a JSONB column with a flattened TEXT[] copy that the
// GIN-indexed matching queries run against.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock clock
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations (user_id, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NULL,
			keywords JSONB NULL,
			keyword_set TEXT[] NULL,
			removed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_keyword_set ON messages USING GIN (keyword_set);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init history schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const pgMessageColumns = `m.id, m.conversation_id, m.role, m.content, m.metadata, m.keywords, m.created_at`

const pgConversationColumns = `id, user_id, system_prompt, active, deleted, created_at, updated_at`

func (s *PostgresStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := s.clock.Now()
	conv.UserID = strings.TrimSpace(conv.UserID)
	conv.Active = true
	conv.Deleted = false
	conv.CreatedAt = now
	conv.UpdatedAt = now

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, system_prompt, active, deleted, created_at, updated_at)
		 VALUES ($1,$2,$3,TRUE,FALSE,$4,$4)
		 ON CONFLICT (id) DO NOTHING`,
		conv.ID, conv.UserID, conv.SystemPrompt, now,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Conversation{}, fmt.Errorf("%w: %s", ErrConversationExists, conv.ID)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgConversationColumns+` FROM conversations WHERE id=$1 AND NOT deleted`, id)
	conv, err := scanPgConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET deleted=TRUE, active=FALSE, updated_at=$2 WHERE id=$1 AND NOT deleted`,
		id, s.clock.Now())
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	if _, err := tx.Exec(ctx, `UPDATE messages SET removed=TRUE WHERE conversation_id=$1`, id); err != nil {
		return fmt.Errorf("remove conversation messages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, role Role, content string, metadata map[string]any) (Message, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return Message{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock serializes appends per conversation so created_at stays strictly increasing.
	var deleted bool
	err = tx.QueryRow(ctx, `SELECT deleted FROM conversations WHERE id=$1 FOR UPDATE`, conversationID).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && deleted) {
		return Message{}, ErrConversationNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("lock conversation: %w", err)
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
		metaArg = msg.Metadata
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, GREATEST($6::timestamptz,
			COALESCE((SELECT max(created_at) + interval '1 microsecond' FROM messages WHERE conversation_id=$2), $6::timestamptz)))
		 RETURNING created_at`,
		msg.ID, conversationID, string(role), content, metaArg, s.clock.Now(),
	).Scan(&msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	if role == RoleSystem {
		_, err = tx.Exec(ctx, `UPDATE conversations SET updated_at=$2, system_prompt=$3 WHERE id=$1`,
			conversationID, msg.CreatedAt, content)
	} else {
		_, err = tx.Exec(ctx, `UPDATE conversations SET updated_at=$2 WHERE id=$1`, conversationID, msg.CreatedAt)
	}
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("commit tx: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) SetKeywords(ctx context.Context, messageID string, kw Keywords) error {
	normalized := NewKeywords(kw.Primary, kw.Secondary)
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET keywords=$2, keyword_set=$3 WHERE id=$1`,
		messageID, normalized, nonNil(normalized.All()))
	if err != nil {
		return fmt.Errorf("set keywords: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) RecentNonSystem(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMessageColumns+` FROM messages m
		 WHERE m.conversation_id=$1 AND m.role<>'system' AND NOT m.removed
		 ORDER BY m.created_at DESC, m.seq DESC LIMIT $2`,
		conversationID, pgLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	items, err := collectPgMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(items)
	return items, nil
}

func (s *PostgresStore) LatestSystemMessage(ctx context.Context, conversationID string) (*Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMessageColumns+` FROM messages m
		 WHERE m.conversation_id=$1 AND m.role='system' AND NOT m.removed
		 ORDER BY m.created_at DESC, m.seq DESC LIMIT 1`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query system message: %w", err)
	}
	items, err := collectPgMessages(rows)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

func (s *PostgresStore) KeywordFilteredNonSystem(ctx context.Context, conversationID string, kws []string, mode MatchMode, limit int) ([]Message, error) {
	query := keywords.Normalize(kws)
	if len(query) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMessageColumns+` FROM messages m
		 WHERE m.conversation_id=$1 AND m.role<>'system' AND NOT m.removed
		   AND m.keyword_set `+pgMatchOperator(mode)+` $2::text[]
		 ORDER BY m.created_at ASC, m.seq ASC LIMIT $3`,
		conversationID, query, pgLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query keyword messages: %w", err)
	}
	return collectPgMessages(rows)
}

func (s *PostgresStore) KeywordFilteredNonSystemByUser(ctx context.Context, userID string, kws []string, mode MatchMode, limit int) ([]Message, error) {
	query := keywords.Normalize(kws)
	userID = strings.TrimSpace(userID)
	if len(query) == 0 || userID == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMessageColumns+` FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.user_id=$1 AND c.active AND NOT c.deleted
		   AND m.role<>'system' AND NOT m.removed
		   AND m.keyword_set `+pgMatchOperator(mode)+` $2::text[]
		 ORDER BY m.created_at DESC, m.seq DESC LIMIT $3`,
		userID, query, pgLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query user keyword messages: %w", err)
	}
	items, err := collectPgMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(items)
	return items, nil
}

func (s *PostgresStore) TrimRetain(ctx context.Context, conversationID string, maxKeep int) (int, error) {
	if maxKeep <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET removed=TRUE
		 WHERE conversation_id=$1 AND role<>'system' AND NOT removed
		   AND seq NOT IN (
			SELECT seq FROM messages
			 WHERE conversation_id=$1 AND role<>'system' AND NOT removed
			 ORDER BY created_at DESC, seq DESC LIMIT $2
		   )`,
		conversationID, maxKeep,
	)
	if err != nil {
		return 0, fmt.Errorf("trim messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MostRecentConversationForUser(ctx context.Context, userID string) (*Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgConversationColumns+` FROM conversations
		 WHERE user_id=$1 AND active AND NOT deleted
		 ORDER BY updated_at DESC, created_at DESC LIMIT 1`,
		userID,
	)
	conv, err := scanPgConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("most recent conversation: %w", err)
	}
	return &conv, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgMatchOperator(mode MatchMode) string {
	if mode == MatchAll {
		return "@>"
	}
	return "&&"
}

func pgLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func scanPgConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.SystemPrompt, &c.Active, &c.Deleted, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func collectPgMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var items []Message
	for rows.Next() {
		var (
			m         Message
			role      string
			meta      []byte
			kw        []byte
			createdAt time.Time
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &meta, &kw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = createdAt.UTC()
		if err := decodeMessageJSON(&m, meta, kw); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}

func decodeMessageJSON(m *Message, meta, kw []byte) error {
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(kw) > 0 && string(kw) != "null" {
		var k Keywords
		if err := json.Unmarshal(kw, &k); err != nil {
			return fmt.Errorf("decode keywords: %w", err)
		}
		m.Keywords = &k
	}
	return nil
}

// reverse flips newest-first query results into chronological order.
func reverse(items []Message) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
