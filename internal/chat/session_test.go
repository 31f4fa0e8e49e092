package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeTokens map[string]int64

func (f fakeTokens) ValidateToken(token string) (int64, string, error) {
	id, ok := f[token]
	if !ok {
		return 0, "", errors.New("signature is invalid")
	}
	return id, "", nil
}

func TestAuthenticate(t *testing.T) {
	store := NewMemoryStore()
	alice := seedUser(t, store, "alice")
	auth := NewAuthenticator(fakeTokens{"good": alice.ID, "ghost": 404}, store)

	tests := []struct {
		name    string
		token   string
		wantErr string
	}{
		{"no token", "", "no token provided"},
		{"invalid token", "forged", "invalid token"},
		{"unknown user", "ghost", "user not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Authenticate(context.Background(), tt.token)
			require.ErrorIs(t, err, ErrAuthentication)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}

	identity, err := auth.Authenticate(context.Background(), "good")
	require.NoError(t, err)
	require.Equal(t, alice, identity)
}

func TestAuthenticateStoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	store.EXPECT().GetIdentity(gomock.Any(), int64(1)).Return(Identity{}, errors.New("too many connections"))

	_, err := NewAuthenticator(fakeTokens{"t": 1}, store).Authenticate(context.Background(), "t")
	require.ErrorIs(t, err, ErrStore)
	require.NotErrorIs(t, err, ErrAuthentication)
}
