package models

import "time"

// User представляет аккаунт на storage-сервере.
// AuthKeyHash - bcrypt хеш производного auth ключа клиента;
// сам master password сервер никогда не видит.
type User struct {
	ID          string    `json:"id"`            // UUID пользователя
	Username    string    `json:"username"`      // уникальный username
	AuthKeyHash string    `json:"auth_key_hash"` // bcrypt хеш auth_key
	PublicSalt  string    `json:"public_salt"`   // base64 публичной соли (32 bytes)
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastLogin   time.Time `json:"last_login,omitempty"`
}

// RefreshToken представляет refresh token пользователя.
// Хранится только SHA-256 хеш значения.
type RefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
