package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

const defaultPollInterval = time.Second

// Schema creates every table the store uses. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE COLLATE NOCASE,
	name       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS contacts (
	owner_id   TEXT NOT NULL REFERENCES users(id),
	contact_id TEXT NOT NULL REFERENCES users(id),
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (owner_id, contact_id)
);

CREATE TABLE IF NOT EXISTS log_records (
	position      INTEGER PRIMARY KEY AUTOINCREMENT,
	channel       TEXT NOT NULL,
	origin_id     TEXT NOT NULL UNIQUE,
	client_msg_id TEXT NOT NULL DEFAULT '',
	sender_id     TEXT NOT NULL,
	recipient_id  TEXT NOT NULL,
	content       TEXT NOT NULL,
	sent_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_log_records_channel ON log_records(channel, position);
`

// Migrate applies Schema to db.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithPollInterval sets how often log subscriptions look for appends made by
// other processes.
func WithPollInterval(d time.Duration) Option {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = *logger
		}
	}
}

// SQLiteStore implements store.Store and core.DurableLog for SQLite.
type SQLiteStore struct {
	db           *sql.DB
	logger       zerolog.Logger
	pollInterval time.Duration

	mu    sync.Mutex
	tails map[core.ChannelID]map[*tail]struct{}
}

var (
	_ store.Store     = (*SQLiteStore)(nil)
	_ core.DurableLog = (*SQLiteStore)(nil)
)

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string, opts ...Option) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate, opts...)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema to an in-memory database.
func NewWithSetup(dbPath string, setup func(*sql.DB) error, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{
		db:           db,
		logger:       zerolog.Nop(),
		pollInterval: defaultPollInterval,
		tails:        make(map[core.ChannelID]map[*tail]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close stops every log subscription and closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	var all []*tail
	for _, set := range s.tails {
		for t := range set {
			all = append(all, t)
		}
	}
	s.mu.Unlock()
	for _, t := range all {
		_ = t.Unsubscribe()
	}
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser registers a user in the directory.
func (s *SQLiteStore) CreateUser(ctx context.Context, id, email, name string) (*store.User, error) {
	query := `
		INSERT INTO users (id, email, name)
		VALUES (?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, id, strings.TrimSpace(email), name); err != nil {
		if isConstraint(err) {
			return nil, fmt.Errorf("insert user %s: %w", id, store.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	query := `
		SELECT id, email, name, created_at
		FROM users
		WHERE id = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	query := `
		SELECT id, email, name, created_at
		FROM users
		WHERE email = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, strings.TrimSpace(email)))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*store.User, error) {
	var user store.User
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// ==== ContactStore implementation ====

// AddContact records contactID in ownerID's contact list.
func (s *SQLiteStore) AddContact(ctx context.Context, ownerID, contactID string) error {
	query := `
		INSERT INTO contacts (owner_id, contact_id)
		VALUES (?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, ownerID, contactID); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return fmt.Errorf("add contact %s: %w", contactID, store.ErrNotFound)
		}
		if isConstraint(err) {
			return fmt.Errorf("add contact %s: %w", contactID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// ListContacts lists ownerID's contacts ordered by display name.
func (s *SQLiteStore) ListContacts(ctx context.Context, ownerID string) ([]*store.Contact, error) {
	query := `
		SELECT c.owner_id, c.contact_id, u.name, c.created_at
		FROM contacts c
		JOIN users u ON u.id = c.contact_id
		WHERE c.owner_id = ?
		ORDER BY u.name, c.contact_id
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*store.Contact
	for rows.Next() {
		var c store.Contact
		if err := rows.Scan(&c.OwnerID, &c.ContactID, &c.Name, &c.AddedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, &c)
	}
	return contacts, rows.Err()
}

// IsContact checks if contactID is in ownerID's contact list.
func (s *SQLiteStore) IsContact(ctx context.Context, ownerID, contactID string) (bool, error) {
	query := `SELECT 1 FROM contacts WHERE owner_id = ? AND contact_id = ?`
	var exists int
	err := s.db.QueryRowContext(ctx, query, ownerID, contactID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query contact: %w", err)
	}
	return true, nil
}

// ==== ChannelStore implementation ====

// ChannelExists reports whether any message was logged for the channel.
func (s *SQLiteStore) ChannelExists(ctx context.Context, channel string) (bool, error) {
	query := `SELECT 1 FROM log_records WHERE channel = ? LIMIT 1`
	var exists int
	err := s.db.QueryRowContext(ctx, query, channel).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query channel: %w", err)
	}
	return true, nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
