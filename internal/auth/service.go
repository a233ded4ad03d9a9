package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vovakirdan/wirechat-sync/internal/store"
)

var (
	// ErrUnknownUser is returned when a token is requested for a user the
	// directory does not know.
	ErrUnknownUser = errors.New("unknown user")
	// ErrNoSecret is returned when signing is requested without a secret.
	ErrNoSecret = errors.New("jwt secret is not configured")
)

// Service issues and validates identity tokens for registered users.
type Service struct {
	store     store.UserStore
	jwtConfig *JWTConfig
}

// NewService creates a new authentication service.
func NewService(userStore store.UserStore, jwtConfig *JWTConfig) *Service {
	return &Service{
		store:     userStore,
		jwtConfig: jwtConfig,
	}
}

// IssueToken signs a token for an existing user, looked up by id or email.
func (s *Service) IssueToken(ctx context.Context, idOrEmail string) (string, error) {
	if len(s.jwtConfig.Secret) == 0 {
		return "", ErrNoSecret
	}
	idOrEmail = strings.TrimSpace(idOrEmail)

	var (
		user *store.User
		err  error
	)
	if strings.Contains(idOrEmail, "@") {
		user, err = s.store.GetUserByEmail(ctx, idOrEmail)
	} else {
		user, err = s.store.GetUserByID(ctx, idOrEmail)
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", fmt.Errorf("lookup user: %w", err)
	}

	token, err := GenerateToken(s.jwtConfig, user.ID, user.Name)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}
