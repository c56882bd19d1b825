package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/iudanet/synckit/pkg/api"
)

// SetToken устанавливает access token для последующих запросов.
// Используется после login/refresh, когда клиент создавался без токена.
func (c *Client) SetToken(token *AccessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Register регистрирует новый аккаунт на сервере.
// ErrAlreadyRegistered если username занят.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.RegisterResponse, error) {
	var resp api.RegisterResponse
	if _, err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/register", req, &resp); err != nil {
		return nil, fmt.Errorf("register request failed: %w", err)
	}
	return &resp, nil
}

// GetSalt возвращает публичную соль пользователя.
// Соль нужна до аутентификации, чтобы вывести ключи из пароля.
func (c *Client) GetSalt(ctx context.Context, username string) (string, error) {
	var resp api.SaltResponse
	path := "/api/v1/auth/salt/" + url.PathEscape(username)
	if _, err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("salt request failed: %w", err)
	}
	return resp.PublicSalt, nil
}

// Login аутентифицируется производным auth ключом и возвращает пару токенов
func (c *Client) Login(ctx context.Context, req api.LoginRequest) (*api.LoginResponse, error) {
	var resp api.LoginResponse
	if _, err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", req, &resp); err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	return &resp, nil
}

// RefreshSession обменивает refresh token на новую пару токенов
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*api.LoginResponse, error) {
	var resp api.LoginResponse
	req := api.RefreshRequest{RefreshToken: refreshToken}
	if _, err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/refresh", req, &resp); err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	return &resp, nil
}

// Logout отзывает все refresh токены аккаунта на сервере
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil); err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	return nil
}
