package conversations

import (
	"context"
	"database/sql"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/config"
	"github.com/fableverse/gateway/internal/metrics"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// appendRetries is the optimistic concurrency retry budget.
const appendRetries = 3

const defaultPageSize = 50

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// Open connects to the conversation database and runs pending migrations.
func Open(cfg *config.Config, m *metrics.Metrics) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.ConversationStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("opening conversation store: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTime) * time.Minute)
	db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetime) * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging conversation store: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, metrics: m}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close releases the database pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Ping checks store connectivity for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateConversation(ctx context.Context, owner string, title *string) (*Conversation, error) {
	conv := &Conversation{
		ID:             uuid.New(),
		OwnerSubjectID: owner,
		Title:          title,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (conversation_id, owner_subject_id, title)
		VALUES ($1, $2, $3)
		RETURNING created_at, message_count`,
		conv.ID, owner, title,
	).Scan(&conv.CreatedAt, &conv.MessageCount)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "creating conversation", err)
	}
	return conv, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID uuid.UUID, msg NewMessage) (*Message, error) {
	for attempt := 0; attempt <= appendRetries; attempt++ {
		m, err := s.tryAppend(ctx, conversationID, msg)
		if err == nil {
			return m, nil
		}
		if !apierr.Is(err, apierr.KindConflict) {
			return nil, err
		}
		s.metrics.ConflictRetries.Inc()
	}
	return nil, apierr.New(apierr.KindConflict, "concurrent writes to conversation")
}

func (s *PostgresStore) tryAppend(ctx context.Context, conversationID uuid.UUID, msg NewMessage) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "starting append transaction", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT message_count FROM conversations WHERE conversation_id = $1`,
		conversationID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New(apierr.KindNotFound, "conversation not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "reading message count", err)
	}

	out := &Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Directives:     msg.Directives,
		Truncated:      msg.Truncated,
	}

	var directives any
	if len(msg.Directives) > 0 {
		directives = []byte(msg.Directives)
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (message_id, conversation_id, role, content, directive_payload, truncated)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		out.ID, conversationID, msg.Role, msg.Content, directives, msg.Truncated,
	).Scan(&out.CreatedAt)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "inserting message", err)
	}

	// Optimistic check: another writer bumped the count since we read it.
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET message_count = message_count + 1
		WHERE conversation_id = $1 AND message_count = $2`,
		conversationID, count,
	)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "updating message count", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apierr.New(apierr.KindConflict, "concurrent writes to conversation")
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "committing append", err)
	}
	return out, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID, owner string) (*Conversation, []Message, error) {
	conv := &Conversation{ID: id, OwnerSubjectID: owner}
	err := s.db.QueryRowContext(ctx, `
		SELECT title, message_count, created_at
		FROM conversations
		WHERE conversation_id = $1 AND owner_subject_id = $2`,
		id, owner,
	).Scan(&conv.Title, &conv.MessageCount, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apierr.New(apierr.KindNotFound, "conversation not found")
	}
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindInternal, "reading conversation", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, role, content, directive_payload, truncated, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, message_id`,
		id,
	)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindInternal, "reading messages", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m := Message{ConversationID: id}
		var directives sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &directives, &m.Truncated, &m.CreatedAt); err != nil {
			return nil, nil, apierr.Wrap(apierr.KindInternal, "scanning message", err)
		}
		if directives.Valid {
			m.Directives = json.RawMessage(directives.String)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apierr.Wrap(apierr.KindInternal, "iterating messages", err)
	}
	return conv, messages, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, owner string, cursor string, limit int) ([]Conversation, string, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	query := `
		SELECT conversation_id, title, message_count, created_at
		FROM conversations
		WHERE owner_subject_id = $1`
	args := []any{owner}

	if cursor != "" {
		before, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", apierr.New(apierr.KindNotFound, "unknown page cursor")
		}
		query += ` AND created_at < $2`
		args = append(args, before)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", apierr.Wrap(apierr.KindInternal, "listing conversations", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c := Conversation{OwnerSubjectID: owner}
		if err := rows.Scan(&c.ID, &c.Title, &c.MessageCount, &c.CreatedAt); err != nil {
			return nil, "", apierr.Wrap(apierr.KindInternal, "scanning conversation", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", apierr.Wrap(apierr.KindInternal, "iterating conversations", err)
	}

	var next string
	if len(out) > limit {
		out = out[:limit]
		next = encodeCursor(out[len(out)-1].CreatedAt)
	}
	return out, next, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id uuid.UUID, owner string) error {
	// Messages go with the conversation via ON DELETE CASCADE.
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE conversation_id = $1 AND owner_subject_id = $2`,
		id, owner,
	)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "deleting conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.KindNotFound, "conversation not found")
	}
	return nil
}

func encodeCursor(t time.Time) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(t.UnixNano(), 10)))
}

func decodeCursor(cursor string) (time.Time, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}
