package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestUser(t *testing.T, store *TestStore, email string) *User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), CreateUserParams{
		ID:           uuid.New(),
		Name:         "Test " + email,
		Email:        email,
		PasswordHash: "$2a$10$hash",
	})
	require.NoError(t, err)
	return user
}

func TestUsers(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	ctx := context.Background()

	alice := createTestUser(t, store, "alice@example.com")

	t.Run("duplicate email", func(t *testing.T) {
		_, err := store.CreateUser(ctx, CreateUserParams{ID: uuid.New(), Name: "A", Email: "alice@example.com", PasswordHash: "x"})
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("get by email", func(t *testing.T) {
		got, err := store.GetUserByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)
		assert.Equal(t, "$2a$10$hash", got.PasswordHash)

		_, err = store.GetUserByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update password", func(t *testing.T) {
		require.NoError(t, store.UpdateUserPassword(ctx, "alice@example.com", "$2a$10$new"))
		got, err := store.GetUserByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "$2a$10$new", got.PasswordHash)

		assert.ErrorIs(t, store.UpdateUserPassword(ctx, "nobody@example.com", "x"), ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		createTestUser(t, store, "bob@example.com")
		users, err := store.ListUsers(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 2)
	})
}

func TestGallery(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	ctx := context.Background()

	alice := createTestUser(t, store, "alice@example.com")
	bob := createTestUser(t, store, "bob@example.com")

	first, err := store.CreateGalleryItem(ctx, CreateGalleryItemParams{
		ID: uuid.New(), UserID: alice.ID, Title: "first", ImageURL: "/uploads/a.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", first.UserEmail)
	assert.Equal(t, alice.Name, first.UserName)

	time.Sleep(5 * time.Millisecond)
	_, err = store.CreateGalleryItem(ctx, CreateGalleryItemParams{
		ID: uuid.New(), UserID: bob.ID, Title: "second", Description: "by bob", ImageURL: "https://example.com/b.png",
	})
	require.NoError(t, err)

	all, err := store.ListGalleryItems(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "second", all[0].Title, "newest first")

	mine, err := store.ListGalleryItemsByUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "first", mine[0].Title)

	none, err := store.ListGalleryItemsByUser(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}
