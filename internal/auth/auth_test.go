package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warroomhq/warroom/internal/apperr"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/store"
)

func setupAuth(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long!!",
		JWTExpiry: config.Duration{Duration: time.Hour},
	}
	return NewService(s, cfg), s
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := setupAuth(t)
	ctx := context.Background()

	user, token, err := svc.Register(ctx, "Alice@Example.com ", "Alice", "password123", "")
	if err != nil {
		t.Fatal(err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("email not normalized: %q", user.Email)
	}
	if user.Role != store.RoleResponder {
		t.Errorf("default role %q", user.Role)
	}
	if token == "" {
		t.Fatal("no token")
	}

	if _, _, err := svc.Register(ctx, "alice@example.com", "Dup", "password123", ""); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate register: %v", err)
	}

	if _, _, err := svc.Login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: %v", err)
	}

	got, token2, err := svc.Login(ctx, " ALICE@example.com", "password123")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != user.ID || token2 == "" {
		t.Error("login returned wrong user")
	}
}

func TestVerifyResolvesFreshRole(t *testing.T) {
	svc, s := setupAuth(t)
	ctx := context.Background()

	user, token, err := svc.Register(ctx, "alice@example.com", "Alice", "password123", "")
	if err != nil {
		t.Fatal(err)
	}

	id, err := svc.Verify(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != user.ID || id.Role != store.RoleResponder {
		t.Fatalf("got %+v", id)
	}

	// Role changes take effect on the next verification, not at token
	// issuance.
	if err := s.UpdateUserRole(ctx, user.ID, store.RoleViewer); err != nil {
		t.Fatal(err)
	}
	id, err = svc.Verify(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if id.Role != store.RoleViewer {
		t.Errorf("stale role %q", id.Role)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	svc, _ := setupAuth(t)
	ctx := context.Background()

	if _, err := svc.Verify(ctx, "not-a-jwt"); apperr.KindOf(err) != apperr.KindAuthInvalid {
		t.Errorf("malformed: %v", err)
	}

	// Token signed with a different secret.
	other := NewService(nil, config.AuthConfig{
		JWTSecret: "another-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	foreign, err := other.generateToken(&store.User{ID: "u1", Email: "x@example.com", Role: store.RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(ctx, foreign); apperr.KindOf(err) != apperr.KindAuthInvalid {
		t.Errorf("wrong signature: %v", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	expired := NewService(s, config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long!!",
		JWTExpiry: config.Duration{Duration: -time.Minute},
	})
	_, token, err := expired.Register(context.Background(), "alice@example.com", "Alice", "password123", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := expired.Verify(context.Background(), token); apperr.KindOf(err) != apperr.KindAuthExpired {
		t.Errorf("got %v, want auth_expired", err)
	}
}

func TestVerifyDeletedPrincipal(t *testing.T) {
	svc, _ := setupAuth(t)
	ctx := context.Background()

	// A token whose subject no longer exists in the store.
	token, err := svc.generateToken(&store.User{ID: "ghost", Email: "g@example.com", Role: store.RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(ctx, token); apperr.KindOf(err) != apperr.KindAuthInvalid {
		t.Errorf("got %v, want auth_invalid", err)
	}
}

func TestBootstrap(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long!!",
		JWTExpiry: config.Duration{Duration: time.Hour},
		InitialAdmin: &config.InitialAdmin{
			Email:    "root@example.com",
			Password: "bootstrap-password",
		},
	}
	svc := NewService(s, cfg)

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	admin, err := s.GetUserByEmail(context.Background(), "root@example.com")
	if err != nil || admin == nil {
		t.Fatalf("admin not created: %v", err)
	}
	if admin.Role != store.RoleAdmin {
		t.Errorf("role %q", admin.Role)
	}

	// Idempotent.
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	users, _ := s.ListUsers(context.Background(), "")
	if len(users) != 1 {
		t.Errorf("bootstrap created %d users", len(users))
	}

	if _, _, err := svc.Login(context.Background(), "root@example.com", "bootstrap-password"); err != nil {
		t.Errorf("admin login failed: %v", err)
	}
}
