package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode allows readers to work while a writer is writing
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait instead of failing with SQLITE_BUSY under concurrent writes
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// NORMAL is safe with WAL and faster than FULL
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA cache_size=-64000"); err != nil {
		return nil, fmt.Errorf("failed to set cache size: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		display_name TEXT,
		avatar_url TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS push_subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		endpoint TEXT UNIQUE NOT NULL,
		p256dh TEXT NOT NULL,
		auth TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
	CREATE INDEX IF NOT EXISTS idx_push_subscriptions_user_id ON push_subscriptions(user_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) GetConn() *sql.DB {
	return db.conn
}

type User struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// CreateUser inserts a user and returns its id.
func (db *DB) CreateUser(username, passwordHash, displayName string) (int, error) {
	result, err := db.conn.Exec(
		"INSERT INTO users (username, password_hash, display_name) VALUES (?, ?, ?)",
		username, passwordHash, displayName,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// GetUserByUsername returns the user and its password hash, or
// sql.ErrNoRows when the user does not exist.
func (db *DB) GetUserByUsername(username string) (*User, string, error) {
	var (
		u           User
		hash        string
		displayName sql.NullString
		avatarURL   sql.NullString
	)
	err := db.conn.QueryRow(
		"SELECT id, username, password_hash, display_name, avatar_url FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.Username, &hash, &displayName, &avatarURL)
	if err != nil {
		return nil, "", err
	}
	u.DisplayName = displayName.String
	u.AvatarURL = avatarURL.String
	return &u, hash, nil
}

// ListUsers returns all users except the named one, for the contact
// picker.
func (db *DB) ListUsers(exceptUsername string) ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT id, username, display_name, avatar_url FROM users WHERE username != ? ORDER BY username",
		exceptUsername,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u           User
			displayName sql.NullString
			avatarURL   sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.Username, &displayName, &avatarURL); err != nil {
			return nil, err
		}
		u.DisplayName = displayName.String
		u.AvatarURL = avatarURL.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// SavePushSubscription upserts a browser push subscription keyed by its
// endpoint.
func (db *DB) SavePushSubscription(userID int, endpoint, p256dh, auth string) error {
	_, err := db.conn.Exec(`
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET user_id = excluded.user_id, p256dh = excluded.p256dh, auth = excluded.auth
	`, userID, endpoint, p256dh, auth)
	if err != nil {
		return fmt.Errorf("failed to save push subscription: %w", err)
	}
	return nil
}

type PushSubscription struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// PushSubscriptionsForUser returns the stored subscriptions for a
// username.
func (db *DB) PushSubscriptionsForUser(username string) ([]PushSubscription, error) {
	rows, err := db.conn.Query(`
		SELECT s.endpoint, s.p256dh, s.auth
		FROM push_subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE u.username = ?
	`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to query push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []PushSubscription
	for rows.Next() {
		var s PushSubscription
		if err := rows.Scan(&s.Endpoint, &s.P256dh, &s.Auth); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// DeletePushSubscription removes a subscription; gone endpoints are
// pruned when a push fails permanently.
func (db *DB) DeletePushSubscription(endpoint string) error {
	_, err := db.conn.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	return err
}
