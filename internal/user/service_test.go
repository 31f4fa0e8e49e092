package user

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	next  int64
	users map[string]*User
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]*User)}
}

func (f *fakeStore) CreateUser(_ context.Context, u *User) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.Username]; ok {
		return nil, ErrAlreadyExists
	}
	f.next++
	u.ID = f.next
	f.users[u.Username] = u
	return u, nil
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) SearchUsers(_ context.Context, _ string) ([]User, error) {
	return nil, nil
}

func TestService_RegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeStore(), "test-secret", time.Hour)

	t.Run("should register and then login with the same credentials", func(t *testing.T) {
		req := require.New(t)
		u, err := svc.Register(ctx, &RegisterRequest{Username: "alice", Password: "correct-horse"})
		req.NoError(err)
		req.NotZero(u.ID)
		req.NotEqual("correct-horse", u.Password)

		res, err := svc.Login(ctx, &LoginRequest{Username: "alice", Password: "correct-horse"})
		req.NoError(err)
		req.Equal(u.ID, res.ID)

		id, name, err := svc.ValidateToken(res.AccessToken)
		req.NoError(err)
		req.Equal(u.ID, id)
		req.Equal("alice", name)
	})

	t.Run("should reject a duplicate username", func(t *testing.T) {
		_, err := svc.Register(ctx, &RegisterRequest{Username: "alice", Password: "another-pass"})
		require.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("should reject a short password before hashing", func(t *testing.T) {
		_, err := svc.Register(ctx, &RegisterRequest{Username: "bob", Password: "short"})
		require.Error(t, err)
	})

	t.Run("should reject a wrong password", func(t *testing.T) {
		_, err := svc.Login(ctx, &LoginRequest{Username: "alice", Password: "wrong-password"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestService_ValidateToken(t *testing.T) {
	svc := NewService(newFakeStore(), "test-secret", time.Hour)

	t.Run("should reject a token signed with another secret", func(t *testing.T) {
		other := NewService(newFakeStore(), "other-secret", time.Hour)
		token, err := other.IssueToken(7, "mallory")
		require.NoError(t, err)

		_, _, err = svc.ValidateToken(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		expired := NewService(newFakeStore(), "test-secret", -time.Minute)
		token, err := expired.IssueToken(7, "alice")
		require.NoError(t, err)

		_, _, err = svc.ValidateToken(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject a token from another issuer", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
			ID:               7,
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
		})
		ss, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, _, err = svc.ValidateToken(ss)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		_, _, err := svc.ValidateToken("not-a-jwt")
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}
