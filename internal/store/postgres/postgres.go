package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Keyring-Network/local-tool-chat/internal/store"
	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

type PostgresStore struct {
	db     *sql.DB
	sealer store.Sealer
}

type Option func(*PostgresStore)

func WithSealer(sealer store.Sealer) Option {
	return func(p *PostgresStore) {
		p.sealer = sealer
	}
}

var openDB = sql.Open

func New(conn string, opts ...Option) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	p := &PostgresStore{db: db}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"chat_sessions", "chat_messages"} {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	const sessionQuery = `
		SELECT id, generation, tools, created_at, updated_at
		FROM chat_sessions
		WHERE id = $1
	`
	var session store.Session
	var toolsBytes []byte
	var createdAt time.Time
	var updatedAt time.Time
	err := p.db.QueryRowContext(ctx, sessionQuery, sessionID).Scan(
		&session.ID,
		&session.Generation,
		&toolsBytes,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	session.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	session.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	session.Tools, err = decodeSpecs(toolsBytes)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	const messagesQuery = `
		SELECT id, role, content, created_at
		FROM chat_messages
		WHERE session_id = $1 AND generation = $2
		ORDER BY sequence ASC
	`
	rows, err := p.db.QueryContext(ctx, messagesQuery, session.ID, session.Generation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	session.Messages = []store.Message{}
	for rows.Next() {
		var msg store.Message
		var msgCreatedAt time.Time
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msgCreatedAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = msgCreatedAt.UTC().Format(time.RFC3339Nano)
		session.Messages = append(session.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	messages, err := store.OpenMessages(p.sealer, session.Messages)
	if err != nil {
		return nil, err
	}
	session.Messages = messages
	return &session, nil
}

// SaveSession replaces the session row and its transcript in one transaction.
func (p *PostgresStore) SaveSession(ctx context.Context, session store.Session) (err error) {
	now := store.Now()
	if session.CreatedAt == "" {
		session.CreatedAt = now
	}
	if session.UpdatedAt == "" {
		session.UpdatedAt = now
	}
	specs := session.Tools
	if specs == nil {
		specs = []tools.Spec{}
	}
	toolsBytes, err := json.Marshal(specs)
	if err != nil {
		return err
	}
	messages, err := store.SealMessages(p.sealer, session.Messages)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const upsert = `
		INSERT INTO chat_sessions (id, generation, tools, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			generation = EXCLUDED.generation,
			tools = EXCLUDED.tools,
			updated_at = EXCLUDED.updated_at
	`
	if _, err = tx.ExecContext(ctx, upsert,
		session.ID,
		session.Generation,
		toolsBytes,
		parseTimestampValue(session.CreatedAt),
		parseTimestampValue(session.UpdatedAt),
	); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM chat_messages WHERE session_id = $1", session.ID); err != nil {
		return err
	}
	for i, msg := range messages {
		if err = insertMessageTx(ctx, tx, session.ID, session.Generation, int64(i+1), msg); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// AppendMessage locks the session row so the generation check and the insert see the same state.
func (p *PostgresStore) AppendMessage(ctx context.Context, sessionID string, generation string, msg store.Message) (err error) {
	if msg.CreatedAt == "" {
		msg.CreatedAt = store.Now()
	}
	sealed, err := store.SealMessages(p.sealer, []store.Message{msg})
	if err != nil {
		return err
	}
	msg = sealed[0]

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT generation FROM chat_sessions WHERE id = $1 FOR UPDATE", sessionID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrNotFound
		return err
	}
	if err != nil {
		return err
	}
	if current != generation {
		err = store.ErrGenerationMismatch
		return err
	}
	var seq int64
	if err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) + 1 FROM chat_messages WHERE session_id = $1",
		sessionID,
	).Scan(&seq); err != nil {
		return err
	}
	if err = insertMessageTx(ctx, tx, sessionID, generation, seq, msg); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		"UPDATE chat_sessions SET updated_at = $2 WHERE id = $1",
		sessionID,
		parseTimestampValue(msg.CreatedAt),
	); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM chat_sessions WHERE id = $1", sessionID)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, sessionID string, generation string, seq int64, msg store.Message) error {
	const query = `
		INSERT INTO chat_messages (id, session_id, generation, role, content, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.ExecContext(ctx, query,
		msg.ID,
		sessionID,
		generation,
		msg.Role,
		msg.Content,
		seq,
		parseTimestampValue(msg.CreatedAt),
	)
	return err
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}

func decodeSpecs(raw []byte) ([]tools.Spec, error) {
	specs := []tools.Spec{}
	if len(raw) == 0 {
		return specs, nil
	}
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	return specs, nil
}
