package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// Common errors for contact operations.
var (
	ErrCannotAddSelf  = errors.New("cannot add yourself as a contact")
	ErrAlreadyContact = errors.New("already a contact")
	ErrUserNotFound   = errors.New("user not found")
	ErrUserExists     = errors.New("user already exists")
	ErrInvalidEmail   = errors.New("invalid email")
)

// Service provides contact management business logic.
type Service struct {
	store store.Store
}

// New creates a new contacts service.
func New(st store.Store) *Service {
	return &Service{
		store: st,
	}
}

// RegisterUser seeds the directory with a user. The id must be usable as a
// channel participant.
func (s *Service) RegisterUser(ctx context.Context, id, email, name string) (*store.User, error) {
	id = strings.TrimSpace(id)
	if _, err := core.DeriveChannel(id, id); err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	if !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}

	user, err := s.store.CreateUser(ctx, id, email, name)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// LookupByEmail resolves an email to a user.
func (s *Service) LookupByEmail(ctx context.Context, email string) (*store.User, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// ListContacts returns selfID's contacts ordered by display name.
func (s *Service) ListContacts(ctx context.Context, selfID string) ([]*store.Contact, error) {
	contacts, err := s.store.ListContacts(ctx, selfID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, nil
}

// AddContact records contactID in selfID's contact list.
func (s *Service) AddContact(ctx context.Context, selfID, contactID string) error {
	if selfID == contactID {
		return ErrCannotAddSelf
	}

	// Check if target user exists
	if _, err := s.store.GetUserByID(ctx, contactID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lookup contact: %w", err)
	}

	err := s.store.AddContact(ctx, selfID, contactID)
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return ErrAlreadyContact
	case errors.Is(err, store.ErrNotFound):
		return ErrUserNotFound
	case err != nil:
		return fmt.Errorf("add contact: %w", err)
	}
	return nil
}

// ChannelExists reports whether a and b have exchanged any logged message.
func (s *Service) ChannelExists(ctx context.Context, a, b string) (bool, error) {
	channel, err := core.DeriveChannel(a, b)
	if err != nil {
		return false, err
	}
	ok, err := s.store.ChannelExists(ctx, channel.String())
	if err != nil {
		return false, fmt.Errorf("channel exists: %w", err)
	}
	return ok, nil
}
