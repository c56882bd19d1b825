package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// saltSize размер публичной соли аккаунта в байтах
	saltSize = 32
	// pbkdf2Iterations число итераций PBKDF2-SHA256
	pbkdf2Iterations = 100_000
)

// AccountKeys - материал, производный от master password.
// AuthKey уходит на сервер (и хранится там в виде bcrypt хеша),
// RootBundle никогда не покидает клиента и шифрует crypto/keys.
type AccountKeys struct {
	AuthKey    []byte
	RootBundle *KeyBundle
}

// AuthKeyBase64 возвращает base64 представление auth ключа для отправки
// на сервер
func (k *AccountKeys) AuthKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.AuthKey)
}

// GenerateSaltBase64 возвращает свежую публичную соль аккаунта
func GenerateSaltBase64() (string, error) {
	salt, err := RandomBytes(saltSize)
	if err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// DeriveAccountKeys выводит ключи аккаунта из master password через
// PBKDF2-SHA256. Одинаковые (password, username, salt) всегда дают
// одинаковый материал, что позволяет второму устройству получить тот
// же корневой ключ.
func DeriveAccountKeys(password, username, saltBase64 string) (*AccountKeys, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrCrypto)
	}
	salt, err := base64.StdEncoding.DecodeString(saltBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad salt encoding: %v", ErrCrypto, err)
	}

	// Username в соли привязывает материал к аккаунту
	material := pbkdf2.Key([]byte(password), append(salt, []byte(username)...),
		pbkdf2Iterations, 3*KeySize, sha256.New)

	return &AccountKeys{
		AuthKey: material[:KeySize],
		RootBundle: &KeyBundle{
			EncryptionKey: material[KeySize : 2*KeySize],
			HMACKey:       material[2*KeySize:],
		},
	}, nil
}
