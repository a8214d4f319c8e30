package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/warroomhq/warroom/internal/apperr"
	"github.com/warroomhq/warroom/internal/store"
)

// OIDCProvider validates tokens issued by an external identity provider
// using its published JWKS. Principals are still resolved from the local
// store by email so the warroom role model applies.
type OIDCProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
	store  store.Store
}

// NewOIDCProvider creates an OIDCProvider that fetches JWKS from the issuer.
func NewOIDCProvider(issuer string, s store.Store) (*OIDCProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("oidc issuer URL is required")
	}

	jwksURL := strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &OIDCProvider{issuer: issuer, jwks: jwks, store: s}, nil
}

// Verify parses an externally issued JWT and resolves the local principal.
func (p *OIDCProvider) Verify(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, apperr.New(apperr.KindAuthInvalid, "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, apperr.New(apperr.KindAuthInvalid, "invalid token")
	}

	email, _ := claims["email"].(string)
	if email == "" {
		return nil, apperr.New(apperr.KindAuthInvalid, "token missing email claim")
	}

	user, err := p.store.GetUserByEmail(ctx, strings.ToLower(email))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "resolve principal", err)
	}
	if user == nil {
		return nil, apperr.New(apperr.KindAuthInvalid, "unknown principal")
	}

	return &Identity{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Role:   user.Role,
	}, nil
}

// Bootstrap is a no-op; accounts are provisioned by an admin.
func (p *OIDCProvider) Bootstrap(ctx context.Context) error { return nil }

// Name returns the provider name.
func (p *OIDCProvider) Name() string { return "oidc" }
