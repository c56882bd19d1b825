// Package account управляет аккаунтом клиента: регистрация, вход,
// локальное хранение сессии и восстановление корневых ключей из
// master password. Сервер никогда не видит ни пароль, ни корневые ключи.
package account

import "errors"

// AccountData представляет сохраненную сессию аккаунта.
// Поля идентичности хранятся открыто, токены шифруются at-rest
// ключом, производным от корневого ключа аккаунта.
type AccountData struct {
	Username     string `json:"username"`
	UserID       string `json:"user_id"`
	PublicSalt   string `json:"public_salt"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Ошибки аккаунта
var (
	// ErrNotLoggedIn локальной сессии нет
	ErrNotLoggedIn = errors.New("not logged in")
)
