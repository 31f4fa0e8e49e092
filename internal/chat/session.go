package chat

import (
	"context"
	"errors"
	"fmt"
)

// TokenValidator resolves a bearer token to a user id. *user.Service satisfies it.
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

// IdentityStore is the part of Store the authenticator reads.
type IdentityStore interface {
	GetIdentity(ctx context.Context, userID int64) (Identity, error)
}

// Authenticator runs once per connection attempt, before the upgrade. It never retries.
type Authenticator struct {
	tokens TokenValidator
	store  IdentityStore
}

func NewAuthenticator(tokens TokenValidator, store IdentityStore) *Authenticator {
	return &Authenticator{tokens: tokens, store: store}
}

// Authenticate returns the Identity behind token. Every rejection wraps
// ErrAuthentication; a store failure wraps ErrStore instead.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: no token provided", ErrAuthentication)
	}

	userID, _, err := a.tokens.ValidateToken(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrAuthentication)
	}

	identity, err := a.store.GetIdentity(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		return Identity{}, fmt.Errorf("%w: user not found", ErrAuthentication)
	case err != nil:
		return Identity{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return identity, nil
}
