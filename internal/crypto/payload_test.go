package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	bundle, err := NewRandomKeyBundle()
	require.NoError(t, err)

	cleartext := []byte(`{"id":"abc123","last4":"1234"}`)

	payload, err := EncryptPayload(bundle, cleartext)
	require.NoError(t, err)
	assert.NotContains(t, payload, "1234")

	var parsed CryptoPayload
	require.NoError(t, json.Unmarshal([]byte(payload), &parsed))
	assert.NotEmpty(t, parsed.Ciphertext)
	assert.NotEmpty(t, parsed.HMAC)

	decrypted, err := DecryptPayload(bundle, payload)
	require.NoError(t, err)
	assert.Equal(t, cleartext, decrypted)
}

func TestDecryptPayloadWrongBundle(t *testing.T) {
	bundle, err := NewRandomKeyBundle()
	require.NoError(t, err)
	other, err := NewRandomKeyBundle()
	require.NoError(t, err)

	payload, err := EncryptPayload(bundle, []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptPayload(other, payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestDecryptPayloadMalformed(t *testing.T) {
	bundle, err := NewRandomKeyBundle()
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "not a json payload"},
		{name: "empty object", payload: "{}"},
		{name: "bad hmac encoding", payload: `{"ciphertext":"aaaa","hmac":"zzzz"}`},
		{name: "hmac mismatch", payload: `{"ciphertext":"aaaa","hmac":"00"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptPayload(bundle, tt.payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCrypto)
		})
	}
}

func TestDecryptPayloadTamperedCiphertext(t *testing.T) {
	bundle, err := NewRandomKeyBundle()
	require.NoError(t, err)

	payload, err := EncryptPayload(bundle, []byte("secret"))
	require.NoError(t, err)

	var parsed CryptoPayload
	require.NoError(t, json.Unmarshal([]byte(payload), &parsed))
	parsed.Ciphertext = "x" + parsed.Ciphertext[1:]
	tampered, err := json.Marshal(parsed)
	require.NoError(t, err)

	_, err = DecryptPayload(bundle, string(tampered))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCrypto)
}
