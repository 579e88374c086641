package users

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/brojonat/tokenpay/service/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memStore struct {
	mu    sync.Mutex
	users map[string]*db.User
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*db.User)}
}

func (m *memStore) CreateUser(ctx context.Context, params db.CreateUserParams) (*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[params.Email]; ok {
		return nil, fmt.Errorf("%w: users_email_key", db.ErrDuplicate)
	}
	u := &db.User{ID: params.ID, Name: params.Name, Email: params.Email, PasswordHash: params.PasswordHash}
	m.users[params.Email] = u
	return u, nil
}

func (m *memStore) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (m *memStore) ListUsers(ctx context.Context) ([]*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*db.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memStore) UpdateUserPassword(ctx context.Context, email, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return db.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func newTestService() *Service {
	s := NewService(newMemStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.cost = bcrypt.MinCost
	return s
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	user, err := s.Register(ctx, "Ada", " Ada@Example.com ", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.NotEqual(t, "hunter2", user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("hunter2")))

	_, err = s.Register(ctx, "Ada again", "ada@example.com", "x")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegister_Validation(t *testing.T) {
	s := newTestService()
	tests := []struct {
		name, email, password string
		want                  error
	}{
		{"", "a@b.co", "pw", ErrMissingFields},
		{"A", "", "pw", ErrMissingFields},
		{"A", "a@b.co", "", ErrMissingFields},
		{"A", "not-an-email", "pw", ErrInvalidEmail},
		{"A", "Someone <a@b.co>", "pw", ErrInvalidEmail},
	}
	for _, tt := range tests {
		_, err := s.Register(context.Background(), tt.name, tt.email, tt.password)
		assert.ErrorIs(t, err, tt.want, "%+v", tt)
	}
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	_, err := s.Register(ctx, "Ada", "ada@example.com", "hunter2")
	require.NoError(t, err)

	user, err := s.Login(ctx, "ADA@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.Name)

	_, err = s.Login(ctx, "ada@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Login(ctx, "nobody@example.com", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Login(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestResetPassword(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	_, err := s.Register(ctx, "Ada", "ada@example.com", "old")
	require.NoError(t, err)

	require.NoError(t, s.ResetPassword(ctx, "ada@example.com", "new"))
	_, err = s.Login(ctx, "ada@example.com", "old")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Login(ctx, "ada@example.com", "new")
	assert.NoError(t, err)

	assert.ErrorIs(t, s.ResetPassword(ctx, "nobody@example.com", "x"), ErrUserNotFound)
	assert.ErrorIs(t, s.ResetPassword(ctx, "ada@example.com", ""), ErrMissingFields)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	_, err := s.Register(ctx, "Ada", "ada@example.com", "pw")
	require.NoError(t, err)

	u, err := s.Lookup(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)

	_, err = s.Lookup(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
