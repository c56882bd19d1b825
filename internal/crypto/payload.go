package crypto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CryptoPayload - зашифрованный payload конверта коллекции.
// Ciphertext - AES-GCM шифртекст в base64, HMAC - SHA256-подпись
// шифртекста в hex. Подпись проверяется до расшифровки.
type CryptoPayload struct {
	Ciphertext string `json:"ciphertext"`
	HMAC       string `json:"hmac"`
}

// PayloadCipher связывает пару ключей с кодеком конвертов коллекции
type PayloadCipher struct {
	bundle *KeyBundle
}

// NewPayloadCipher создает кодек конвертов поверх пары ключей
func NewPayloadCipher(bundle *KeyBundle) *PayloadCipher {
	return &PayloadCipher{bundle: bundle}
}

// Encode шифрует cleartext в payload конверта
func (c *PayloadCipher) Encode(cleartext []byte) (string, error) {
	return EncryptPayload(c.bundle, cleartext)
}

// Decode расшифровывает payload конверта
func (c *PayloadCipher) Decode(payload string) ([]byte, error) {
	return DecryptPayload(c.bundle, payload)
}

// EncryptPayload шифрует cleartext ключами бандла и возвращает
// сериализованный CryptoPayload
func EncryptPayload(bundle *KeyBundle, cleartext []byte) (string, error) {
	enc, err := bundle.Encryptor()
	if err != nil {
		return "", fmt.Errorf("failed to build encryptor: %w", err)
	}

	ciphertext, err := enc.EncryptToString(cleartext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}

	payload := CryptoPayload{
		Ciphertext: ciphertext,
		HMAC:       hex.EncodeToString(bundle.SignHMAC([]byte(ciphertext))),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(data), nil
}

// DecryptPayload проверяет подпись и расшифровывает payload конверта.
// Любая ошибка разбора, подписи или расшифровки возвращает ErrCrypto,
// чтобы вызывающий мог классифицировать запись как malformed.
func DecryptPayload(bundle *KeyBundle, payload string) ([]byte, error) {
	var parsed CryptoPayload
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("%w: invalid payload envelope", ErrCrypto)
	}

	signature, err := hex.DecodeString(parsed.HMAC)
	if err != nil {
		return nil, fmt.Errorf("%w: bad hmac encoding", ErrCrypto)
	}
	if !bundle.VerifyHMAC([]byte(parsed.Ciphertext), signature) {
		return nil, fmt.Errorf("%w: hmac mismatch", ErrCrypto)
	}

	enc, err := bundle.Encryptor()
	if err != nil {
		return nil, fmt.Errorf("failed to build encryptor: %w", err)
	}

	cleartext, err := enc.DecryptFromString(parsed.Ciphertext)
	if err != nil {
		return nil, err
	}
	return cleartext, nil
}
