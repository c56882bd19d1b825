package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// sessionKeySalt - общеизвестная соль для деривации сессионного
	// ключевого материала. Должна совпадать у всех клиентов аккаунта.
	sessionKeySalt = "synckit-session-hkdf-salt-v1"
	// sessionKeyInfo - контекстная метка HKDF
	sessionKeyInfo = "synckit/session"
)

// SessionKeys содержит материал, производный от session token:
// идентификатор ключа и MAC ключ для подписи запросов.
type SessionKeys struct {
	KeyID  []byte // первая половина вывода HKDF (32 bytes)
	MACKey []byte // вторая половина вывода HKDF (32 bytes)
}

// DeriveSessionKeys выводит сессионный ключевой материал из session token
// через HKDF-SHA256. Длина вывода = 2 x размер ключа: первая половина -
// key id, вторая - MAC ключ.
func DeriveSessionKeys(sessionToken []byte) (*SessionKeys, error) {
	if len(sessionToken) == 0 {
		return nil, fmt.Errorf("%w: session token cannot be empty", ErrCrypto)
	}

	reader := hkdf.New(sha256.New, sessionToken, []byte(sessionKeySalt), []byte(sessionKeyInfo))

	material := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(reader, material); err != nil {
		return nil, fmt.Errorf("%w: hkdf expand failed: %v", ErrCrypto, err)
	}

	return &SessionKeys{
		KeyID:  material[:KeySize],
		MACKey: material[KeySize:],
	}, nil
}

// RandomBytes возвращает n криптографически случайных байт
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("%w: failed to read random bytes: %v", ErrCrypto, err)
	}
	return buf, nil
}

// KeyBundle - пара ключей коллекции: ключ шифрования payload и HMAC ключ.
// Хранится в crypto/keys на сервере (сам зашифрованный) и в scratchpad.
type KeyBundle struct {
	EncryptionKey []byte
	HMACKey       []byte
}

// NewRandomKeyBundle генерирует свежую пару ключей.
// Используется при fresh start для загрузки новых crypto/keys.
func NewRandomKeyBundle() (*KeyBundle, error) {
	enc, err := RandomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	mac, err := RandomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate hmac key: %w", err)
	}
	return &KeyBundle{EncryptionKey: enc, HMACKey: mac}, nil
}

// KeyBundleFromBase64 восстанавливает пару ключей из base64 представления,
// в котором ключи лежат в документе crypto/keys
func KeyBundleFromBase64(encKey, hmacKey string) (*KeyBundle, error) {
	enc, err := base64.StdEncoding.DecodeString(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encryption key encoding: %v", ErrCrypto, err)
	}
	mac, err := base64.StdEncoding.DecodeString(hmacKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad hmac key encoding: %v", ErrCrypto, err)
	}
	if len(enc) != KeySize || len(mac) != KeySize {
		return nil, fmt.Errorf("%w: key bundle keys must be %d bytes", ErrCrypto, KeySize)
	}
	return &KeyBundle{EncryptionKey: enc, HMACKey: mac}, nil
}

// ToBase64 возвращает base64 представление пары для документа crypto/keys
func (b *KeyBundle) ToBase64() (string, string) {
	return base64.StdEncoding.EncodeToString(b.EncryptionKey),
		base64.StdEncoding.EncodeToString(b.HMACKey)
}

// Equal сравнивает пары ключей в константное время
func (b *KeyBundle) Equal(other *KeyBundle) bool {
	if b == nil || other == nil {
		return b == other
	}
	return subtle.ConstantTimeCompare(b.EncryptionKey, other.EncryptionKey) == 1 &&
		subtle.ConstantTimeCompare(b.HMACKey, other.HMACKey) == 1
}

// Encryptor возвращает Encryptor, шифрующий ключом пары
func (b *KeyBundle) Encryptor() (*Encryptor, error) {
	return NewEncryptor(b.EncryptionKey)
}

// SignHMAC подписывает данные HMAC ключом пары.
// Подпись сопровождает payload записи на сервере.
func (b *KeyBundle) SignHMAC(data []byte) []byte {
	mac := hmac.New(sha256.New, b.HMACKey)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMAC проверяет подпись payload
func (b *KeyBundle) VerifyHMAC(data, signature []byte) bool {
	expected := b.SignHMAC(data)
	return hmac.Equal(expected, signature)
}
