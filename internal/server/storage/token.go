package storage

import (
	"context"

	"github.com/iudanet/synckit/internal/models"
)

// TokenStorage определяет интерфейс хранения refresh токенов
type TokenStorage interface {
	// SaveRefreshToken сохраняет новый refresh token
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error

	// GetRefreshToken возвращает refresh token по значению.
	// Returns ErrTokenNotFound if the token does not exist.
	GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)

	// DeleteRefreshToken удаляет refresh token по значению.
	// Returns ErrTokenNotFound if the token does not exist.
	DeleteRefreshToken(ctx context.Context, token string) error

	// DeleteUserTokens удаляет все refresh токены пользователя.
	// Возвращает число удалённых токенов.
	DeleteUserTokens(ctx context.Context, userID string) (int, error)

	// DeleteExpiredTokens удаляет все истекшие токены.
	// Возвращает число удалённых токенов.
	DeleteExpiredTokens(ctx context.Context) (int, error)
}
