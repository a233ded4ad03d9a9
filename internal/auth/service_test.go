package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/store/sqlite"
)

func testJWTConfig() *JWTConfig {
	return &JWTConfig{
		Secret:   []byte("test-secret-change-me"),
		Issuer:   "test",
		Audience: "test",
		TTL:      24 * time.Hour,
	}
}

func newTestAuthService(t *testing.T) *Service {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if _, err := st.CreateUser(context.Background(), "alice", "alice@example.com", "Alice"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return NewService(st, testJWTConfig())
}

func TestIssueToken_ByIDAndEmail(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	for _, key := range []string{"alice", " ALICE@example.com "} {
		token, err := svc.IssueToken(ctx, key)
		if err != nil {
			t.Fatalf("issue token for %q: %v", key, err)
		}
		claims, err := svc.ValidateToken(token)
		if err != nil {
			t.Fatalf("validate token: %v", err)
		}
		if claims.UserID != "alice" || claims.Name != "Alice" {
			t.Fatalf("unexpected claims %+v", claims)
		}
	}
}

func TestIssueToken_UnknownUser(t *testing.T) {
	svc := newTestAuthService(t)

	if _, err := svc.IssueToken(context.Background(), "mallory"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if _, err := svc.IssueToken(context.Background(), "nobody@example.com"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestIssueToken_RequiresSecret(t *testing.T) {
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc := NewService(st, &JWTConfig{TTL: time.Hour})
	if _, err := svc.IssueToken(context.Background(), "alice"); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}
