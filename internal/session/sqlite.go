package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samsaffron/mdstream/internal/fence"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Schema for the chats database.
const schema = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    pk INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    body TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'complete',
    sequence INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (chat_id, sequence)
);

CREATE TABLE IF NOT EXISTS files (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    language TEXT NOT NULL,
    extension TEXT NOT NULL,
    title TEXT,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chats_user_updated ON chats(user_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, sequence);
CREATE INDEX IF NOT EXISTS idx_files_chat ON files(chat_id, created_at);

-- Full-text search on message content
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    body,
    content='messages',
    content_rowid='pk'
);

-- Triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, body) VALUES (new.pk, new.body);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.pk, old.body);
END;

CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.pk, old.body);
    INSERT INTO messages_fts(rowid, body) VALUES (new.pk, new.body);
END;
`

// NewSQLiteStore creates a new SQLite-based chat store.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	dbPath := cfg.Path
	if dbPath == "" {
		var err error
		dbPath, err = GetDBPath()
		if err != nil {
			return nil, fmt.Errorf("get db path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Initialize schema and run migrations
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, cfg: cfg}, nil
}

// schemaVersion is the current schema version.
// - Fresh databases get the full schema from `schema` const and start at this version
// - Existing databases run migrations to reach this version
// Increment when adding new migrations.
const schemaVersion = 2

// migration represents a schema migration.
type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

// migrations upgrade databases created before a schema change. The base
// `schema` const always contains the FULL current schema.
var migrations = []migration{
	{
		version:     1,
		description: "add message status column",
		up: func(db *sql.DB) error {
			_, err := db.Exec("ALTER TABLE messages ADD COLUMN status TEXT NOT NULL DEFAULT 'complete'")
			if err != nil && !isDuplicateColumnError(err) {
				return err
			}
			return nil
		},
	},
	{
		version:     2,
		description: "add file title column and chat listing index",
		up: func(db *sql.DB) error {
			stmts := []string{
				"ALTER TABLE files ADD COLUMN title TEXT",
				"CREATE INDEX IF NOT EXISTS idx_chats_user_updated ON chats(user_id, updated_at DESC)",
			}
			for _, stmt := range stmts {
				if _, err := db.Exec(stmt); err != nil && !isDuplicateColumnError(err) {
					return err
				}
			}
			return nil
		},
	},
}

// initSchema initializes the database schema and runs any pending migrations.
// Optimized for the common case: schema already current = single SELECT query.
func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}
	return initSchemaFull(db, err, currentVersion)
}

// initSchemaFull handles schema creation and migrations.
func initSchemaFull(db *sql.DB, versionErr error, currentVersion int) error {
	// Detect a pre-migration database before the base schema creates tables.
	var tableCount int
	if err := db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='chats'
	`).Scan(&tableCount); err != nil {
		return fmt.Errorf("check chats table: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// versionErr is non-nil if schema_version doesn't exist or has no rows
	if versionErr != nil && (errors.Is(versionErr, sql.ErrNoRows) || strings.Contains(versionErr.Error(), "no such table")) {
		if tableCount > 0 {
			currentVersion = 0
		} else {
			currentVersion = schemaVersion
		}
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	} else if versionErr != nil {
		return fmt.Errorf("get current version: %w", versionErr)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			return fmt.Errorf("update version to %d: %w", m.version, err)
		}
	}
	return nil
}

// isDuplicateColumnError checks if an error is due to a column already existing.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") ||
		strings.Contains(errStr, "already exists")
}

// GetChat returns the chat if it belongs to userID.
func (s *SQLiteStore) GetChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	var chat Chat
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM chats WHERE id = ? AND user_id = ?`, chatID, userID).
		Scan(&chat.ID, &chat.UserID, &title, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat: %w", err)
	}
	chat.Title = title.String
	return &chat, nil
}

// DeleteChat removes a chat with its messages and files.
func (s *SQLiteStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	// Foreign key cascade handles messages and files
	result, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE id = ? AND user_id = ?", chatID, userID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return nil
}

// AddMessage appends a message to its chat, creating the chat on first use.
// The sequence number is allocated atomically.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := addMessageTx(ctx, tx, msg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func addMessageTx(ctx context.Context, tx *sql.Tx, msg *Message) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = StatusComplete
	}

	if err := ensureChatTx(ctx, tx, msg.UserID, msg.ChatID, msg.Role, msg.Content, msg.CreatedAt); err != nil {
		return err
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM messages WHERE chat_id = ?`, msg.ChatID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("get max sequence: %w", err)
	}
	msg.Sequence = 0
	if maxSeq.Valid {
		msg.Sequence = int(maxSeq.Int64) + 1
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, user_id, role, body, status, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.UserID, msg.Role, msg.Content, string(msg.Status), msg.Sequence, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ensureChatTx creates the chat if needed and bumps its updated_at. A chat
// owned by another user is reported as not found.
func ensureChatTx(ctx context.Context, tx *sql.Tx, userID, chatID, role, content string, now time.Time) error {
	var owner string
	err := tx.QueryRowContext(ctx, "SELECT user_id FROM chats WHERE id = ?", chatID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		title := ""
		if role == RoleUser {
			title = chatTitle(content)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chats (id, user_id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`, chatID, userID, title, now, now); err != nil {
			return fmt.Errorf("create chat: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup chat: %w", err)
	case owner != userID:
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE id = ?", now, chatID); err != nil {
		return fmt.Errorf("update chat timestamp: %w", err)
	}
	return nil
}

// chatTitle derives a title from the first user message.
func chatTitle(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	const maxTitle = 80
	if utf8.RuneCountInString(line) <= maxTitle {
		return line
	}
	runes := []rune(line)
	return string(runes[:maxTitle-3]) + "..."
}

// GetMessages retrieves messages for a chat in sequence order.
func (s *SQLiteStore) GetMessages(ctx context.Context, userID, chatID string, limit, offset int) ([]Message, error) {
	query := `
		SELECT id, chat_id, user_id, role, body, status, sequence, created_at
		FROM messages
		WHERE chat_id = ? AND user_id = ?
		ORDER BY sequence ASC`

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	} else if offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}

	rows, err := s.db.QueryContext(ctx, query, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var status string
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.UserID, &msg.Role, &msg.Content,
			&status, &msg.Sequence, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Status = MessageStatus(status)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// PersistAssistantMessage stores text as an assistant message and its code
// blocks as files in one transaction.
func (s *SQLiteStore) PersistAssistantMessage(ctx context.Context, userID, chatID, text string, status MessageStatus) (*Message, []File, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	msg := &Message{
		ChatID:  chatID,
		UserID:  userID,
		Role:    RoleAssistant,
		Content: text,
		Status:  status,
	}
	if err := addMessageTx(ctx, tx, msg); err != nil {
		return nil, nil, err
	}
	files, err := insertCodeBlocksTx(ctx, tx, userID, chatID, msg.ID, text)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return msg, files, nil
}

// PersistCodeBlocks extracts the fenced blocks of markdown and stores them
// as files attached to messageID.
func (s *SQLiteStore) PersistCodeBlocks(ctx context.Context, userID, chatID, messageID, markdown string) ([]File, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	files, err := insertCodeBlocksTx(ctx, tx, userID, chatID, messageID, markdown)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return files, nil
}

func insertCodeBlocksTx(ctx context.Context, tx *sql.Tx, userID, chatID, messageID, markdown string) ([]File, error) {
	var files []File
	i := 0
	for block := range fence.All(markdown) {
		f := fileFromBlock(block, i, userID, chatID, messageID)
		i++
		_, err := tx.ExecContext(ctx, `
			INSERT INTO files (id, message_id, chat_id, user_id, name, language, extension, title, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.MessageID, f.ChatID, f.UserID, f.Name, f.Language, f.Extension,
			nullString(f.Title), f.Content, f.CreatedAt.UTC())
		if err != nil {
			return nil, fmt.Errorf("insert file %s: %w", f.Name, err)
		}
		files = append(files, f)
	}
	return files, nil
}

// GetFiles lists the files stored for a chat, oldest first.
func (s *SQLiteStore) GetFiles(ctx context.Context, userID, chatID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.message_id, f.chat_id, f.user_id, f.name, f.language, f.extension,
		       f.title, f.content, f.created_at
		FROM files f
		JOIN messages m ON m.id = f.message_id
		WHERE f.chat_id = ? AND f.user_id = ?
		ORDER BY m.sequence ASC, f.created_at ASC, f.rowid ASC`, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		var title sql.NullString
		if err := rows.Scan(&f.ID, &f.MessageID, &f.ChatID, &f.UserID, &f.Name, &f.Language,
			&f.Extension, &title, &f.Content, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.Title = title.String
		files = append(files, f)
	}
	return files, rows.Err()
}

// Search finds messages of userID matching the query using FTS5.
func (s *SQLiteStore) Search(ctx context.Context, userID, query string, limit int) ([]SearchResult, error) {
	if limit == 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.chat_id, m.id, m.role, snippet(messages_fts, 0, '**', '**', '...', 32), m.created_at
		FROM messages_fts f
		JOIN messages m ON m.pk = f.rowid
		WHERE messages_fts MATCH ? AND m.user_id = ?
		ORDER BY rank
		LIMIT ?`, ftsQuery(query), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChatID, &r.MessageID, &r.Role, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ftsQuery quotes each term so user input cannot use FTS5 operators.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}

// Prune removes chats not updated in the last maxAgeDays days.
func (s *SQLiteStore) Prune(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	result, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old chats: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
