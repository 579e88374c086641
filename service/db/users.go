package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// User is a registered account. PasswordHash is never serialized.
type User struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateUserParams contains the parameters for creating a user.
type CreateUserParams struct {
	ID           uuid.UUID
	Name         string
	Email        string
	PasswordHash string
}

// CreateUser inserts a user. A taken email yields ErrDuplicate.
func (s *Store) CreateUser(ctx context.Context, params CreateUserParams) (*User, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, name, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, email, password_hash, created_at`,
		params.ID, params.Name, params.Email, params.PasswordHash,
	)
	user, err := scanUser(row)
	s.observe("create", "users", start, err)
	return user, err
}

// GetUserByEmail looks up a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, email, password_hash, created_at FROM users WHERE email = $1`,
		email,
	)
	user, err := scanUser(row)
	s.observe("get", "users", start, err)
	return user, err
}

// ListUsers returns all users, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, email, password_hash, created_at FROM users ORDER BY created_at`,
	)
	if err != nil {
		s.observe("list", "users", start, err)
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			s.observe("list", "users", start, err)
			return nil, err
		}
		users = append(users, user)
	}
	err = rows.Err()
	s.observe("list", "users", start, err)
	return users, err
}

// UpdateUserPassword replaces a user's password hash.
func (s *Store) UpdateUserPassword(ctx context.Context, email, passwordHash string) error {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE email = $1`, email, passwordHash)
	if err == nil && tag.RowsAffected() == 0 {
		err = fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	s.observe("update_password", "users", start, err)
	return err
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// GalleryItem is an uploaded artwork with its owner's public details.
type GalleryItem struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	ImageURL    string    `json:"image_url"`
	CreatedAt   time.Time `json:"created_at"`
	UserName    string    `json:"user_name"`
	UserEmail   string    `json:"user_email"`
}

// CreateGalleryItemParams contains the parameters for an upload.
type CreateGalleryItemParams struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Title       string
	Description string
	ImageURL    string
}

// CreateGalleryItem inserts an upload and returns it joined with its owner.
func (s *Store) CreateGalleryItem(ctx context.Context, params CreateGalleryItemParams) (*GalleryItem, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO gallery_items (id, user_id, title, description, image_url)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING *
		)
		SELECT g.id, g.user_id, g.title, g.description, g.image_url, g.created_at, u.name, u.email
		FROM inserted g JOIN users u ON u.id = g.user_id`,
		params.ID, params.UserID, params.Title, params.Description, params.ImageURL,
	)
	item, err := scanGalleryItem(row)
	s.observe("create", "gallery_items", start, err)
	return item, err
}

// ListGalleryItems returns every upload, newest first.
func (s *Store) ListGalleryItems(ctx context.Context) ([]*GalleryItem, error) {
	return s.listGallery(ctx, "list", `
		SELECT g.id, g.user_id, g.title, g.description, g.image_url, g.created_at, u.name, u.email
		FROM gallery_items g JOIN users u ON u.id = g.user_id
		ORDER BY g.created_at DESC`)
}

// ListGalleryItemsByUser returns one user's uploads, newest first.
func (s *Store) ListGalleryItemsByUser(ctx context.Context, userID uuid.UUID) ([]*GalleryItem, error) {
	return s.listGallery(ctx, "list_by_user", `
		SELECT g.id, g.user_id, g.title, g.description, g.image_url, g.created_at, u.name, u.email
		FROM gallery_items g JOIN users u ON u.id = g.user_id
		WHERE g.user_id = $1
		ORDER BY g.created_at DESC`, userID)
}

func (s *Store) listGallery(ctx context.Context, op, query string, args ...interface{}) ([]*GalleryItem, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.observe(op, "gallery_items", start, err)
		return nil, err
	}
	defer rows.Close()

	items := make([]*GalleryItem, 0)
	for rows.Next() {
		item, err := scanGalleryItem(rows)
		if err != nil {
			s.observe(op, "gallery_items", start, err)
			return nil, err
		}
		items = append(items, item)
	}
	err = rows.Err()
	s.observe(op, "gallery_items", start, err)
	return items, err
}

func scanGalleryItem(row pgx.Row) (*GalleryItem, error) {
	var g GalleryItem
	err := row.Scan(&g.ID, &g.UserID, &g.Title, &g.Description, &g.ImageURL, &g.CreatedAt, &g.UserName, &g.UserEmail)
	if err != nil {
		return nil, mapError(err)
	}
	return &g, nil
}
