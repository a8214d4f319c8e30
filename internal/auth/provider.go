package auth

import (
	"context"

	"github.com/warroomhq/warroom/internal/store"
)

// Identity is the authenticated principal attached to every request and
// streaming session.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Role   string // "admin", "responder", "viewer"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	Verify(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support password login.
type LoginProvider interface {
	Login(ctx context.Context, email, password string) (*store.User, string, error)
	Register(ctx context.Context, email, name, password, role string) (*store.User, string, error)
}
