package auth

import (
	"errors"
	"strings"
)

// ErrNoIdentity is returned when neither a token nor a user id is configured.
var ErrNoIdentity = errors.New("no identity configured: set token or user_id")

// Identity is who the local chat client acts as.
type Identity struct {
	UserID string
	Name   string
	// Token is forwarded to the relay in the hello frame. Empty for static identities.
	Token string
}

// ResolveIdentity picks the local identity. A token wins over a static user
// id. The token is verified when cfg carries a secret and decoded otherwise,
// since clients usually do not hold the relay's signing key.
func ResolveIdentity(cfg *JWTConfig, token, userID string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token != "" {
		var (
			claims *Claims
			err    error
		)
		if cfg != nil && len(cfg.Secret) > 0 {
			claims, err = ValidateToken(cfg, token)
		} else {
			claims, err = ParseUnverified(token)
		}
		if err != nil {
			return Identity{}, err
		}
		return Identity{UserID: claims.UserID, Name: claims.Name, Token: token}, nil
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Identity{}, ErrNoIdentity
	}
	return Identity{UserID: userID, Name: userID}, nil
}
