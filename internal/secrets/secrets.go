// Package secrets decrypts sensitive connection configuration values. The
// engine treats config blobs as opaque and degrades gracefully when no key
// material is configured.
package secrets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// encryptedPrefix marks values written by the control plane's encrypt
// helper: "enc:" followed by base64(nonce || ciphertext).
const encryptedPrefix = "enc:"

var ErrInvalidKey = errors.New("secrets key must be 32 bytes, base64-encoded")

// Decryptor decrypts marked configuration values. A nil Decryptor is valid
// and leaves every value untouched.
type Decryptor struct {
	key []byte
}

// New builds a Decryptor from a base64-encoded 256-bit key. An empty key
// returns nil: decryption becomes a no-op.
func New(keyBase64 string) (*Decryptor, error) {
	if keyBase64 == "" {
		return nil, nil
	}

	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &Decryptor{key: key}, nil
}

// DecryptConfig returns a copy of config with every marked string value
// decrypted. Decryption is best-effort: values that fail to decrypt are
// kept as stored, never dropped.
func (d *Decryptor) DecryptConfig(config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, v := range config {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, encryptedPrefix) {
			out[k] = v
			continue
		}
		plain, err := d.decrypt(strings.TrimPrefix(s, encryptedPrefix))
		if err != nil {
			out[k] = v
			continue
		}
		out[k] = plain
	}
	return out
}

func (d *Decryptor) decrypt(encoded string) (string, error) {
	if d == nil {
		return "", errors.New("no key material configured")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(d.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
