package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a looked up user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a user or contact is added twice.
	ErrAlreadyExists = errors.New("already exists")
)

// User is a directory entry. ID is the stable identity used for channel derivation.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Contact is one entry of a user's contact list.
type Contact struct {
	OwnerID   string
	ContactID string
	Name      string
	AddedAt   time.Time
}

// UserStore handles user directory persistence.
type UserStore interface {
	// CreateUser registers a user. Emails are unique.
	CreateUser(ctx context.Context, id, email, name string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// GetUserByEmail retrieves a user by email, case-insensitively.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// ContactStore handles contact list persistence.
type ContactStore interface {
	// AddContact records contactID in ownerID's contact list.
	AddContact(ctx context.Context, ownerID, contactID string) error

	// ListContacts lists ownerID's contacts with their display names, ordered by name.
	ListContacts(ctx context.Context, ownerID string) ([]*Contact, error)

	// IsContact checks if contactID is in ownerID's contact list.
	IsContact(ctx context.Context, ownerID, contactID string) (bool, error)
}

// ChannelStore answers questions about stored conversations.
type ChannelStore interface {
	// ChannelExists reports whether any message was logged for the channel.
	ChannelExists(ctx context.Context, channel string) (bool, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	ContactStore
	ChannelStore

	// Close closes the underlying database connection.
	Close() error
}
