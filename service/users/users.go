// Package users handles account registration and password checks.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/brojonat/tokenpay/service/db"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingFields      = errors.New("name, email and password are required")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
)

// Store is the persistence the service needs.
type Store interface {
	CreateUser(ctx context.Context, params db.CreateUserParams) (*db.User, error)
	GetUserByEmail(ctx context.Context, email string) (*db.User, error)
	ListUsers(ctx context.Context) ([]*db.User, error)
	UpdateUserPassword(ctx context.Context, email, passwordHash string) error
}

// Service registers and authenticates users.
type Service struct {
	store  Store
	cost   int
	logger *slog.Logger
}

// NewService creates a user service hashing with bcrypt.DefaultCost.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost, logger: logger}
}

// normalizeEmail lowercases and validates an address.
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return email, nil
}

// Register creates an account.
func (s *Service) Register(ctx context.Context, name, email, password string) (*db.User, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(email) == "" || password == "" {
		return nil, ErrMissingFields
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, db.CreateUserParams{
		ID:           uuid.New(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID.String(), "email", user.Email)
	return user, nil
}

// Login checks credentials. Unknown emails and wrong passwords are
// indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*db.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.WarnContext(ctx, "failed login", "email", email)
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Lookup returns the user with email.
func (s *Service) Lookup(ctx context.Context, email string) (*db.User, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// List returns all users.
func (s *Service) List(ctx context.Context) ([]*db.User, error) {
	return s.store.ListUsers(ctx)
}

// ResetPassword sets a new password for email.
func (s *Service) ResetPassword(ctx context.Context, email, password string) error {
	if password == "" {
		return ErrMissingFields
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.store.UpdateUserPassword(ctx, email, string(hash)); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("update password: %w", err)
	}
	s.logger.InfoContext(ctx, "password reset", "email", email)
	return nil
}
