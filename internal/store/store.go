// Package store is the SQLite-backed collaborator the hub consults for
// accounts, chat membership, and message persistence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrUserNotFound is returned when no account exists for a username.
	ErrUserNotFound = errors.New("user not found")
	// ErrChatNotFound is returned when a chat id does not exist.
	ErrChatNotFound = errors.New("chat not found")
	// ErrUserExists is returned by CreateUser for a taken username.
	ErrUserExists = errors.New("username already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	username     TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	disabled     INTEGER NOT NULL DEFAULT 0,
	deleted      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS chats (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_members (
	chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	PRIMARY KEY (chat_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id    INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	user_id    INTEGER NOT NULL REFERENCES users(id),
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);`

// User is an account record as the hub sees it.
type User struct {
	ID          int64
	Username    string
	DisplayName string
	Disabled    bool
	Deleted     bool
}

// Name returns the display name, or the username when none is set.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// StoredMessage is the result of persisting a chat message.
type StoredMessage struct {
	ID        int64
	ChatID    int64
	UserID    int64
	Text      string
	CreatedAt time.Time
}

// Store manages users, chats, memberships and messages in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the SQLite database at path and creates the schema if
// it does not already exist.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "store")),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new account and returns it.
func (s *Store) CreateUser(ctx context.Context, username, displayName string) (User, error) {
	if username == "" {
		return User{}, errors.New("username cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, display_name) VALUES (?, ?)`, username, displayName)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return User{ID: id, Username: username, DisplayName: displayName}, nil
}

// SetDisabled marks an account as disabled or re-enables it.
func (s *Store) SetDisabled(ctx context.Context, username string, disabled bool) error {
	return s.updateUserFlag(ctx, `UPDATE users SET disabled = ? WHERE username = ?`, disabled, username)
}

// MarkDeleted soft-deletes an account. Memberships and history are kept.
func (s *Store) MarkDeleted(ctx context.Context, username string) error {
	return s.updateUserFlag(ctx, `UPDATE users SET deleted = ? WHERE username = ?`, true, username)
}

func (s *Store) updateUserFlag(ctx context.Context, query string, value bool, username string) error {
	res, err := s.db.ExecContext(ctx, query, value, username)
	if err != nil {
		return fmt.Errorf("update user %s: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// LookupUser returns the account for username.
func (s *Store) LookupUser(ctx context.Context, username string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, disabled, deleted FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.Disabled, &u.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user %s: %w", username, err)
	}
	return u, nil
}

// CreateChat creates a chat and adds the given usernames as members.
func (s *Store) CreateChat(ctx context.Context, name string, members ...string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO chats (name, created_at) VALUES (?, ?)`, name, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert chat: %w", err)
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert chat: %w", err)
	}
	for _, username := range members {
		if err := addMember(ctx, tx, chatID, username); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return chatID, nil
}

// AddMember adds username to an existing chat. Adding an existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, chatID int64, username string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := chatExists(ctx, tx, chatID); err != nil {
		return err
	}
	if err := addMember(ctx, tx, chatID, username); err != nil {
		return err
	}
	return tx.Commit()
}

func addMember(ctx context.Context, tx *sql.Tx, chatID int64, username string) error {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_members (chat_id, user_id) SELECT ?, id FROM users WHERE username = ?`,
		chatID, username)
	if err != nil {
		return fmt.Errorf("add member %s to chat %d: %w", username, chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username).Scan(&exists); err != nil {
			return fmt.Errorf("add member %s to chat %d: %w", username, chatID, err)
		}
		if !exists {
			return ErrUserNotFound
		}
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func chatExists(ctx context.Context, q queryer, chatID int64) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chats WHERE id = ?)`, chatID).Scan(&exists); err != nil {
		return fmt.Errorf("lookup chat %d: %w", chatID, err)
	}
	if !exists {
		return ErrChatNotFound
	}
	return nil
}

// IsMember reports whether username belongs to chatID. It returns
// ErrChatNotFound when the chat does not exist.
func (s *Store) IsMember(ctx context.Context, chatID int64, username string) (bool, error) {
	if err := chatExists(ctx, s.db, chatID); err != nil {
		return false, err
	}
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM chat_members m JOIN users u ON u.id = m.user_id
			WHERE m.chat_id = ? AND u.username = ?)`, chatID, username).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("membership %s in chat %d: %w", username, chatID, err)
	}
	return member, nil
}

// ChatMembers lists the usernames belonging to chatID, ordered by username.
func (s *Store) ChatMembers(ctx context.Context, chatID int64) ([]string, error) {
	if err := chatExists(ctx, s.db, chatID); err != nil {
		return nil, err
	}
	return s.usernames(ctx, `
		SELECT u.username FROM chat_members m JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = ? ORDER BY u.username`, chatID)
}

// ChatsFor lists the chat ids username participates in.
func (s *Store) ChatsFor(ctx context.Context, username string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.chat_id FROM chat_members m JOIN users u ON u.id = m.user_id
		WHERE u.username = ? ORDER BY m.chat_id`, username)
	if err != nil {
		return nil, fmt.Errorf("chats for %s: %w", username, err)
	}
	defer rows.Close()

	var chats []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

// RelatedUsers returns every user sharing at least one chat with username,
// excluding username itself, in a single query.
func (s *Store) RelatedUsers(ctx context.Context, username string) ([]string, error) {
	return s.usernames(ctx, `
		SELECT DISTINCT peer.username
		FROM users self
		JOIN chat_members mine ON mine.user_id = self.id
		JOIN chat_members theirs ON theirs.chat_id = mine.chat_id
		JOIN users peer ON peer.id = theirs.user_id
		WHERE self.username = ? AND peer.id <> self.id
		ORDER BY peer.username`, username)
}

func (s *Store) usernames(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usernames: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PersistMessage durably stores text as a message from username in chatID
// and returns its id and server timestamp.
func (s *Store) PersistMessage(ctx context.Context, chatID int64, username, text string) (StoredMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := chatExists(ctx, tx, chatID); err != nil {
		return StoredMessage{}, err
	}

	var userID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredMessage{}, ErrUserNotFound
	}
	if err != nil {
		return StoredMessage{}, fmt.Errorf("lookup author %s: %w", username, err)
	}

	createdAt := s.now().Truncate(time.Millisecond)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, user_id, body, created_at) VALUES (?, ?, ?, ?)`,
		chatID, userID, text, createdAt.UnixMilli())
	if err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return StoredMessage{}, fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("message persisted", slog.Int64("messageID", id), slog.Int64("chatID", chatID))
	return StoredMessage{ID: id, ChatID: chatID, UserID: userID, Text: text, CreatedAt: createdAt}, nil
}

// MessageCount returns the number of messages stored for chatID.
func (s *Store) MessageCount(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&n)
	return n, err
}
