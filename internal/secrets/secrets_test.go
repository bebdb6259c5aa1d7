package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func encrypt(t *testing.T, key []byte, plaintext string) string {
	t.Helper()
	aead, err := chacha20poly1305.New(key)
	require.NoError(t, err)

	nonce := make([]byte, aead.NonceSize())
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed)
}

func TestDecryptConfigRoundTrip(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	d, err := New(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	config := map[string]any{
		"broker_url": "mqtt://broker:1883",
		"password":   encrypt(t, key, "hunter2"),
		"qos":        float64(1),
	}

	out := d.DecryptConfig(config)
	assert.Equal(t, "mqtt://broker:1883", out["broker_url"])
	assert.Equal(t, "hunter2", out["password"])
	assert.Equal(t, float64(1), out["qos"])
}

func TestDecryptWithoutKeyKeepsValues(t *testing.T) {
	d, err := New("")
	require.NoError(t, err)
	require.Nil(t, d)

	config := map[string]any{"password": "enc:AAAA"}
	out := d.DecryptConfig(config)
	assert.Equal(t, "enc:AAAA", out["password"])
}

func TestDecryptBadCiphertextKeepsValue(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	d, err := New(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	config := map[string]any{"password": "enc:not-base64!"}
	out := d.DecryptConfig(config)
	assert.Equal(t, "enc:not-base64!", out["password"])
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
