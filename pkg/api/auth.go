package api

// RegisterRequest представляет запрос регистрации аккаунта
type RegisterRequest struct {
	Username   string `json:"username"`
	AuthKey    string `json:"auth_key"`    // base64 производного auth ключа
	PublicSalt string `json:"public_salt"` // base64 публичной соли клиента
}

// RegisterResponse представляет ответ на регистрацию
type RegisterResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// SaltResponse отдает публичную соль пользователя для деривации ключей
type SaltResponse struct {
	PublicSalt string `json:"public_salt"`
}

// LoginRequest представляет запрос аутентификации
type LoginRequest struct {
	Username string `json:"username"`
	AuthKey  string `json:"auth_key"`
}

// LoginResponse представляет ответ с парой токенов
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // срок access token в секундах
}

// RefreshRequest представляет запрос обновления access token
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}
