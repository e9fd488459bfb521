// Package credential seals tenant database passwords at rest.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/tenancy/internal/config"
	"golang.org/x/crypto/chacha20poly1305"
)

const version = "v1"

var (
	ErrInvalidKey        = errors.New("invalid_credential_key")
	ErrMalformed         = errors.New("malformed_credential")
	ErrDecryptionFailed  = errors.New("credential_decryption_failed")
	ErrCipherUnavailable = errors.New("credential_cipher_unavailable")
)

// Cipher seals and opens credentials with XChaCha20-Poly1305.
type Cipher struct {
	key []byte
}

// NewCipher accepts a base64 (std or url, padded or raw) 32 byte key.
func NewCipher(encodedKey string) (*Cipher, error) {
	key, err := decodeKey(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, err
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{key: key}, nil
}

// NewCipherFromConfig is the fx constructor. A missing key in production is a
// startup error; elsewhere an ephemeral key is generated so local runs work.
func NewCipherFromConfig(cfg config.Config) (*Cipher, error) {
	if cfg.Credential.Key != "" {
		return NewCipher(cfg.Credential.Key)
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("%w: CREDENTIAL_KEY is required in production", ErrInvalidKey)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &Cipher{key: key}, nil
}

func (c *Cipher) seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(version))
	return version + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) open(ciphertext string) ([]byte, error) {
	prefix, body, ok := strings.Cut(ciphertext, ":")
	if !ok || prefix != version {
		return nil, ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(version))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func decodeKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, ErrInvalidKey
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(encoded); err == nil {
			return key, nil
		}
	}
	return nil, ErrInvalidKey
}
