package storage

import (
	"context"
	"time"

	"github.com/iudanet/synckit/internal/models"
)

// UserStorage определяет интерфейс хранения аккаунтов
type UserStorage interface {
	// CreateUser создает нового пользователя.
	// Returns ErrUserAlreadyExists if the username is taken.
	CreateUser(ctx context.Context, user *models.User) error

	// GetUserByUsername возвращает пользователя по имени.
	// Returns ErrUserNotFound if the user does not exist.
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// GetUserByID возвращает пользователя по id.
	// Returns ErrUserNotFound if the user does not exist.
	GetUserByID(ctx context.Context, userID string) (*models.User, error)

	// UpdateLastLogin обновляет время последнего входа
	UpdateLastLogin(ctx context.Context, userID string, lastLogin time.Time) error
}
