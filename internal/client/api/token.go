package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessToken - access token для storage-сервера. Клиент не проверяет
// подпись (это делает сервер), но разбирает claims, чтобы отказать
// быстро по истёкшему сроку, не тратя сетевой запрос.
type AccessToken struct {
	expiresAt time.Time
	raw       string
}

// NewAccessToken разбирает JWT и извлекает срок действия
func NewAccessToken(raw string) (*AccessToken, error) {
	if raw == "" {
		return nil, fmt.Errorf("access token is empty")
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}

	token := &AccessToken{raw: raw}
	if claims.ExpiresAt != nil {
		token.expiresAt = claims.ExpiresAt.Time
	}

	return token, nil
}

// Raw возвращает исходную строку токена
func (t *AccessToken) Raw() string {
	return t.raw
}

// Expired сообщает, истёк ли токен на данный момент
func (t *AccessToken) Expired(now time.Time) bool {
	if t.expiresAt.IsZero() {
		// Токен без exp считаем бессрочным
		return false
	}
	return now.After(t.expiresAt)
}

// Authorization возвращает значение заголовка Authorization
// или ErrTokenExpired если срок действия вышел
func (t *AccessToken) Authorization(now time.Time) (string, error) {
	if t.Expired(now) {
		return "", ErrTokenExpired
	}
	return "Bearer " + t.raw, nil
}
