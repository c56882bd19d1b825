package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// NonceSize - размер nonce для AES-GCM (12 bytes стандартный размер)
	NonceSize = 12
	// KeySize - размер ключа AES-256
	KeySize = 32
)

// ErrCrypto сигнализирует об ошибке шифрования или расшифровки.
// Фатальна для текущего вызова, но никогда не портит сохранённое состояние.
var ErrCrypto = errors.New("crypto operation failed")

// Encryptor шифрует и расшифровывает данные ключом, который держит клиент.
// Формат шифртекста: nonce (12 bytes) + ciphertext + auth_tag (16 bytes),
// закодированный в base64 для хранения и передачи.
type Encryptor struct {
	key []byte
}

// NewEncryptor создает Encryptor с заданным 32-байтовым ключом
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", ErrCrypto, KeySize, len(key))
	}
	return &Encryptor{key: key}, nil
}

// NewEncryptorWithRandomKey создает Encryptor со случайно сгенерированным
// ключом. Используется при первичной настройке клиента.
func NewEncryptorWithRandomKey() (*Encryptor, error) {
	key, err := RandomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Encryptor{key: key}, nil
}

// Key возвращает ключ для сохранения в защищённом хранилище
func (e *Encryptor) Key() []byte {
	return e.key
}

// Encrypt шифрует данные с использованием AES-256-GCM
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", ErrCrypto)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %v", ErrCrypto, err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create GCM: %v", ErrCrypto, err)
	}

	// Генерируем случайный nonce
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrCrypto, err)
	}

	// GCM автоматически добавляет authentication tag в конец
	ciphertext := aesGCM.Seal(nil, nonce, plaintext, nil)

	result := make([]byte, 0, len(nonce)+len(ciphertext))
	result = append(result, nonce...)
	result = append(result, ciphertext...)

	return result, nil
}

// EncryptToString шифрует данные и возвращает результат в base64.
// Это формат, в котором зашифрованные поля хранятся в базе
// и отправляются на сервер.
func (e *Encryptor) EncryptToString(plaintext []byte) (string, error) {
	encrypted, err := e.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// Decrypt дешифрует данные, зашифрованные с помощью Encrypt
func (e *Encryptor) Decrypt(encrypted []byte) ([]byte, error) {
	if len(encrypted) < NonceSize {
		return nil, fmt.Errorf("%w: encrypted data too short", ErrCrypto)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %v", ErrCrypto, err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create GCM: %v", ErrCrypto, err)
	}

	nonce := encrypted[:NonceSize]
	ciphertext := encrypted[NonceSize:]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed or corrupted data", ErrCrypto)
	}

	return plaintext, nil
}

// DecryptFromString дешифрует данные из base64
func (e *Encryptor) DecryptFromString(encrypted string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode base64: %v", ErrCrypto, err)
	}
	return e.Decrypt(raw)
}
