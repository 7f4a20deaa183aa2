package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes helper methods used by the server.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table.
type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	Online       bool
	LastSeen     *time.Time
	CreatedAt    time.Time
}

// Call is one row of call_history, joined with both participants' usernames.
type Call struct {
	ID           string
	CallerID     string
	CallerName   string
	ReceiverID   string
	ReceiverName string
	CallType     string
	Status       string
	Duration     int
	StartedAt    time.Time
	AnsweredAt   *time.Time
	EndedAt      *time.Time
}

// Settings holds the per-user preferences the realtime layer honors.
type Settings struct {
	ReadReceiptsEnabled     bool
	OnlineStatusVisible     bool
	TypingIndicatorsEnabled bool
	NotificationsEnabled    bool
	Theme                   string
}

// DefaultSettings is what a user gets before saving any preference.
func DefaultSettings() Settings {
	return Settings{
		ReadReceiptsEnabled:     true,
		OnlineStatusVisible:     true,
		TypingIndicatorsEnabled: true,
		NotificationsEnabled:    true,
		Theme:                   "system",
	}
}

// ErrUserExists is returned when attempting to insert a duplicate username.
var ErrUserExists = errors.New("user already exists")

// ErrCallStatusChanged means the call moved on since it was read.
var ErrCallStatusChanged = errors.New("call status changed")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "parley.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash BLOB NOT NULL,
			is_online INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS call_history (
			id TEXT PRIMARY KEY,
			caller_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			call_type TEXT NOT NULL CHECK (call_type IN ('voice', 'video')),
			call_status TEXT NOT NULL,
			duration INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			answered_at DATETIME,
			ended_at DATETIME,
			FOREIGN KEY(caller_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(receiver_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_history_caller ON call_history(caller_id);`,
		`CREATE INDEX IF NOT EXISTS idx_call_history_receiver ON call_history(receiver_id);`,
		`CREATE INDEX IF NOT EXISTS idx_call_history_started ON call_history(started_at);`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id TEXT PRIMARY KEY,
			read_receipts_enabled INTEGER NOT NULL DEFAULT 1,
			online_status_visible INTEGER NOT NULL DEFAULT 1,
			typing_indicators_enabled INTEGER NOT NULL DEFAULT 1,
			notifications_enabled INTEGER NOT NULL DEFAULT 1,
			theme TEXT NOT NULL DEFAULT 'system' CHECK (theme IN ('light', 'dark', 'system')),
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user with a fresh UUID. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, username string, passwordHash []byte) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id, username, password_hash) VALUES(?, ?, ?)`, id, username, passwordHash)
	if err != nil {
		if isConstraintError(err) {
			return "", ErrUserExists
		}
		return "", err
	}
	return id, nil
}

const userColumns = `id, username, password_hash, is_online, last_seen, created_at`

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		user     User
		lastSeen sql.NullTime
	)
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Online, &lastSeen, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.LastSeen = nullTime(lastSeen)
	return &user, nil
}

// SetPresence records the online flag and last_seen timestamp for a user.
func (s *Store) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET is_online=?, last_seen=? WHERE id=?`, online, at.UTC(), userID)
	return err
}

// CreateCall inserts a call record. An empty ID is replaced with a fresh UUID.
func (s *Store) CreateCall(ctx context.Context, call Call) (*Call, error) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_history(id, caller_id, receiver_id, call_type, call_status, duration, started_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, call.ID, call.CallerID, call.ReceiverID, call.CallType, call.Status, call.Duration, call.StartedAt.UTC())
	if err != nil {
		return nil, err
	}
	return s.GetCall(ctx, call.ID)
}

const callSelect = `
	SELECT c.id, c.caller_id, cu.username, c.receiver_id, ru.username, c.call_type, c.call_status,
		c.duration, c.started_at, c.answered_at, c.ended_at
	FROM call_history c
	JOIN users cu ON cu.id = c.caller_id
	JOIN users ru ON ru.id = c.receiver_id`

// GetCall returns a call by id, or nil when it does not exist.
func (s *Store) GetCall(ctx context.Context, id string) (*Call, error) {
	row := s.db.QueryRowContext(ctx, callSelect+` WHERE c.id = ?`, id)
	call, err := scanCall(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return call, err
}

// UpdateCall persists the mutable columns of a call record, provided the
// stored status still equals from.
func (s *Store) UpdateCall(ctx context.Context, call Call, from string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_history SET call_status=?, duration=?, answered_at=?, ended_at=?
		WHERE id=? AND call_status=?
	`, call.Status, call.Duration, utcOrNil(call.AnsweredAt), utcOrNil(call.EndedAt), call.ID, from)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	existing, err := s.GetCall(ctx, call.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return sql.ErrNoRows
	}
	return fmt.Errorf("%w: %s is %s", ErrCallStatusChanged, call.ID, existing.Status)
}

// ListCalls returns calls the user took part in, newest first.
func (s *Store) ListCalls(ctx context.Context, userID string, limit, offset int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, callSelect+`
		WHERE c.caller_id = ? OR c.receiver_id = ?
		ORDER BY c.started_at DESC
		LIMIT ? OFFSET ?
	`, userID, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		call, err := scanCall(rows.Scan)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

func scanCall(scan func(dest ...any) error) (*Call, error) {
	var (
		call     Call
		answered sql.NullTime
		ended    sql.NullTime
	)
	err := scan(&call.ID, &call.CallerID, &call.CallerName, &call.ReceiverID, &call.ReceiverName,
		&call.CallType, &call.Status, &call.Duration, &call.StartedAt, &answered, &ended)
	if err != nil {
		return nil, err
	}
	call.AnsweredAt = nullTime(answered)
	call.EndedAt = nullTime(ended)
	return &call, nil
}

// GetSettings returns the stored settings for a user, or DefaultSettings when none were saved.
func (s *Store) GetSettings(ctx context.Context, userID string) (Settings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT read_receipts_enabled, online_status_visible, typing_indicators_enabled, notifications_enabled, theme
		FROM user_settings WHERE user_id = ?
	`, userID)
	var settings Settings
	if err := row.Scan(&settings.ReadReceiptsEnabled, &settings.OnlineStatusVisible,
		&settings.TypingIndicatorsEnabled, &settings.NotificationsEnabled, &settings.Theme); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DefaultSettings(), nil
		}
		return Settings{}, err
	}
	return settings, nil
}

// SaveSettings inserts or replaces a user's settings row.
func (s *Store) SaveSettings(ctx context.Context, userID string, settings Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings(user_id, read_receipts_enabled, online_status_visible, typing_indicators_enabled, notifications_enabled, theme, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			read_receipts_enabled=excluded.read_receipts_enabled,
			online_status_visible=excluded.online_status_visible,
			typing_indicators_enabled=excluded.typing_indicators_enabled,
			notifications_enabled=excluded.notifications_enabled,
			theme=excluded.theme,
			updated_at=excluded.updated_at
	`, userID, settings.ReadReceiptsEnabled, settings.OnlineStatusVisible, settings.TypingIndicatorsEnabled,
		settings.NotificationsEnabled, settings.Theme, time.Now().UTC())
	return err
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
