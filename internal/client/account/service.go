package account

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	clientapi "github.com/iudanet/synckit/internal/client/api"
	"github.com/iudanet/synckit/internal/crypto"
	"github.com/iudanet/synckit/internal/validation"
	"github.com/iudanet/synckit/pkg/api"
)

// Session представляет разблокированную сессию: данные аккаунта
// с расшифрованными токенами и выведенные из пароля ключи.
// Корневые ключи живут только в памяти.
type Session struct {
	Data *AccountData
	Keys *crypto.AccountKeys
}

// Service связывает деривацию ключей, удаленный API и локальное
// хранилище сессии
type Service struct {
	remote *clientapi.Client
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService создает новый сервис аккаунта
func NewService(remote *clientapi.Client, store *Store, logger *slog.Logger) *Service {
	return &Service{
		remote: remote,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Register регистрирует новый аккаунт.
// Соль генерируется локально и уходит на сервер вместе с производным
// auth ключом; master password сервер не видит.
func (s *Service) Register(ctx context.Context, username, password string) error {
	if err := validation.ValidateUsername(username); err != nil {
		return fmt.Errorf("invalid username: %w", err)
	}
	if err := validation.ValidatePassword(password); err != nil {
		return fmt.Errorf("invalid password: %w", err)
	}

	saltBase64, err := crypto.GenerateSaltBase64()
	if err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	keys, err := crypto.DeriveAccountKeys(password, username, saltBase64)
	if err != nil {
		return fmt.Errorf("failed to derive keys: %w", err)
	}

	req := api.RegisterRequest{
		Username:   username,
		AuthKey:    keys.AuthKeyBase64(),
		PublicSalt: saltBase64,
	}

	resp, err := s.remote.Register(ctx, req)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	s.logger.Info("Account registered", "username", username, "user_id", resp.UserID)
	return nil
}

// Login аутентифицируется и сохраняет сессию локально.
// Соль берется с сервера, поэтому второе устройство выводит
// тот же корневой ключ из того же пароля.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	if err := validation.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("invalid username: %w", err)
	}
	if err := validation.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}

	saltBase64, err := s.remote.GetSalt(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get salt: %w", err)
	}

	keys, err := crypto.DeriveAccountKeys(password, username, saltBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}

	resp, err := s.remote.Login(ctx, api.LoginRequest{
		Username: username,
		AuthKey:  keys.AuthKeyBase64(),
	})
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	data := &AccountData{
		Username:     username,
		PublicSalt:   saltBase64,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	if err := s.adoptSession(ctx, data, keys); err != nil {
		return nil, err
	}

	s.logger.Info("Logged in", "username", username)
	return &Session{Data: data, Keys: keys}, nil
}

// Unlock восстанавливает сессию из локального хранилища по master
// password. Истекший access token прозрачно обновляется по refresh token.
func (s *Service) Unlock(ctx context.Context, password string) (*Session, error) {
	identity, err := s.store.GetIdentity(ctx)
	if err != nil {
		return nil, err
	}

	keys, err := crypto.DeriveAccountKeys(password, identity.Username, identity.PublicSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}

	// Неверный пароль дает другой at-rest ключ и ломает расшифровку
	data, err := s.store.GetAccount(ctx, keys.RootBundle.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock session (wrong password?): %w", err)
	}

	token, err := clientapi.NewAccessToken(data.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("stored access token is malformed: %w", err)
	}

	if token.Expired(s.now()) {
		s.logger.Debug("Access token expired, refreshing session")

		resp, err := s.remote.RefreshSession(ctx, data.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("session refresh failed: %w", err)
		}

		data.AccessToken = resp.AccessToken
		data.RefreshToken = resp.RefreshToken
		if err := s.adoptSession(ctx, data, keys); err != nil {
			return nil, err
		}
	} else {
		s.remote.SetToken(token)
	}

	return &Session{Data: data, Keys: keys}, nil
}

// Logout отзывает токены на сервере и удаляет локальную сессию.
// Ошибка сервера не мешает локальному выходу.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.remote.Logout(ctx); err != nil {
		s.logger.Warn("Server-side logout failed", "error", err)
	}

	if err := s.store.DeleteAccount(ctx); err != nil {
		return fmt.Errorf("failed to delete local session: %w", err)
	}

	s.logger.Info("Logged out")
	return nil
}

// Status возвращает открытую часть сессии, ErrNotLoggedIn если сессии нет
func (s *Service) Status(ctx context.Context) (*AccountData, error) {
	return s.store.GetIdentity(ctx)
}

// adoptSession сохраняет сессию и устанавливает токен на API клиенте
func (s *Service) adoptSession(ctx context.Context, data *AccountData, keys *crypto.AccountKeys) error {
	if err := s.store.SaveAccount(ctx, data, keys.RootBundle.EncryptionKey); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	token, err := clientapi.NewAccessToken(data.AccessToken)
	if err != nil {
		return fmt.Errorf("server returned malformed access token: %w", err)
	}
	s.remote.SetToken(token)
	return nil
}
