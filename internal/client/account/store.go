package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/synckit/internal/client/storage"
	"github.com/iudanet/synckit/internal/crypto"
)

// accountKey ключ сессии внутри StoreAccount
const accountKey = "session"

// Store хранит сессию аккаунта в локальной базе.
// Токены шифруются перед записью и расшифровываются при чтении;
// ключ at-rest выводится из корневого ключа аккаунта, поэтому без
// master password токены прочитать нельзя.
type Store struct {
	db storage.KeyValueStorage
}

// NewStore создает хранилище сессии поверх локальной базы
func NewStore(db storage.KeyValueStorage) *Store {
	return &Store{db: db}
}

// atRestEncryptor возвращает Encryptor для локального хранения токенов.
// Ключ выводится из корневого ключа шифрования, а не используется
// напрямую: утечка at-rest ключа не раскрывает ключ payload.
func atRestEncryptor(rootKey []byte) (*crypto.Encryptor, error) {
	derived, err := crypto.DeriveSessionKeys(rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive at-rest key: %w", err)
	}
	return crypto.NewEncryptor(derived.KeyID)
}

// SaveAccount шифрует токены и сохраняет сессию
func (s *Store) SaveAccount(ctx context.Context, data *AccountData, rootKey []byte) error {
	if data == nil {
		return fmt.Errorf("account data is nil")
	}

	encryptor, err := atRestEncryptor(rootKey)
	if err != nil {
		return err
	}

	// Копия, чтобы не менять данные вызывающего
	stored := *data
	stored.AccessToken, err = encryptor.EncryptToString([]byte(data.AccessToken))
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	stored.RefreshToken, err = encryptor.EncryptToString([]byte(data.RefreshToken))
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	return s.db.Update(ctx, func(w storage.Writer) error {
		return storage.PutJSON(w, storage.StoreAccount, accountKey, &stored)
	})
}

// GetAccount загружает сессию и расшифровывает токены
func (s *Store) GetAccount(ctx context.Context, rootKey []byte) (*AccountData, error) {
	data, err := s.getStored(ctx)
	if err != nil {
		return nil, err
	}

	encryptor, err := atRestEncryptor(rootKey)
	if err != nil {
		return nil, err
	}

	accessToken, err := encryptor.DecryptFromString(data.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refreshToken, err := encryptor.DecryptFromString(data.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	data.AccessToken = string(accessToken)
	data.RefreshToken = string(refreshToken)
	return data, nil
}

// GetIdentity загружает открытую часть сессии без расшифровки токенов.
// Используется для status и как источник username/salt при unlock.
func (s *Store) GetIdentity(ctx context.Context) (*AccountData, error) {
	data, err := s.getStored(ctx)
	if err != nil {
		return nil, err
	}
	data.AccessToken = ""
	data.RefreshToken = ""
	return data, nil
}

// DeleteAccount удаляет локальную сессию
func (s *Store) DeleteAccount(ctx context.Context) error {
	return s.db.Update(ctx, func(w storage.Writer) error {
		return w.Delete(storage.StoreAccount, accountKey)
	})
}

// IsLoggedIn сообщает, есть ли локальная сессия
func (s *Store) IsLoggedIn(ctx context.Context) (bool, error) {
	_, err := s.getStored(ctx)
	if err != nil {
		if errors.Is(err, ErrNotLoggedIn) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) getStored(ctx context.Context) (*AccountData, error) {
	var data AccountData
	err := s.db.View(ctx, func(r storage.Reader) error {
		return storage.GetJSON(r, storage.StoreAccount, accountKey, &data)
	})
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrNotLoggedIn
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &data, nil
}
