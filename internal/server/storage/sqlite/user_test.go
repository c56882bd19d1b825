package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/synckit/internal/models"
	"github.com/iudanet/synckit/internal/server/storage"
)

func newTestUser(username string) *models.User {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.User{
		ID:          uuid.New().String(),
		Username:    username,
		AuthKeyHash: "bcrypt-hash",
		PublicSalt:  "c2FsdA==",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestUserStorage_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	user := newTestUser("alice")
	require.NoError(t, s.CreateUser(ctx, user))

	byName, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)
	assert.Equal(t, user.AuthKeyHash, byName.AuthKeyHash)
	assert.Equal(t, user.PublicSalt, byName.PublicSalt)
	assert.True(t, byName.LastLogin.IsZero())

	byID, err := s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)
}

func TestUserStorage_CreateUser_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	require.NoError(t, s.CreateUser(ctx, newTestUser("alice")))

	err := s.CreateUser(ctx, newTestUser("alice"))
	assert.ErrorIs(t, err, storage.ErrUserAlreadyExists)
}

func TestUserStorage_GetUser_NotFound(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	_, err := s.GetUserByUsername(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)

	_, err = s.GetUserByID(ctx, "no-such-id")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestUserStorage_UpdateLastLogin(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	user := newTestUser("alice")
	require.NoError(t, s.CreateUser(ctx, user))

	loginTime := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateLastLogin(ctx, user.ID, loginTime))

	got, err := s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, loginTime, got.LastLogin, time.Second)

	err = s.UpdateLastLogin(ctx, "no-such-id", loginTime)
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}
