// Package secrets resolves credential values for server configuration.
// Values wrapped as "ENC:" tokens are AES-GCM encrypted with an
// scrypt-derived key; anything else passes through as a literal. Decrypted
// values are handed to transports and are never logged.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/scrypt"
)

// TokenPrefix marks an encrypted value.
const TokenPrefix = "ENC:"

const (
	tokenVersion = 1
	saltSize     = 16
	keySize      = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	// ErrNotToken means the value does not carry the ENC: prefix.
	ErrNotToken = errors.New("not an encrypted token")
	// ErrMalformedToken means the token payload could not be parsed.
	ErrMalformedToken = errors.New("malformed encrypted token")
	// ErrDecryptFailed means the passphrase is wrong or the token is corrupt.
	ErrDecryptFailed = errors.New("failed to decrypt secret: incorrect passphrase or corrupt token")
)

// Provider supplies decrypted credential strings on demand.
type Provider interface {
	Resolve(value string) (string, error)
}

// tokenPayload is the JSON envelope inside an ENC: token. The c field holds
// ciphertext with the 16-byte GCM tag appended.
type tokenPayload struct {
	Version int    `json:"v"`
	Salt    string `json:"s"`
	Nonce   string `json:"n"`
	Data    string `json:"c"`
}

// IsToken reports whether the value is an ENC: token.
func IsToken(value string) bool {
	return strings.HasPrefix(value, TokenPrefix)
}

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, errors.Wrap(err, "scrypt key derivation failed")
	}
	return key, nil
}

// b64d decodes urlsafe base64 with or without padding.
func b64d(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// Encrypt wraps a plaintext as an ENC: token protected by the passphrase.
func Encrypt(plaintext, passphrase string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "failed to generate salt")
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Wrap(err, "failed to create GCM")
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	payload, err := json.Marshal(tokenPayload{
		Version: tokenVersion,
		Salt:    base64.URLEncoding.EncodeToString(salt),
		Nonce:   base64.URLEncoding.EncodeToString(nonce),
		Data:    base64.URLEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal token payload")
	}

	return TokenPrefix + base64.URLEncoding.EncodeToString(payload), nil
}

// Decrypt recovers the plaintext of an ENC: token.
func Decrypt(token, passphrase string) (string, error) {
	if !IsToken(token) {
		return "", errors.WithStack(ErrNotToken)
	}

	raw, err := b64d(strings.TrimPrefix(token, TokenPrefix))
	if err != nil {
		return "", errors.WithMessage(ErrMalformedToken, err.Error())
	}

	var payload tokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", errors.WithMessage(ErrMalformedToken, err.Error())
	}
	if payload.Version != tokenVersion {
		return "", errors.WithMessagef(ErrMalformedToken, "unsupported secret version: %d", payload.Version)
	}

	salt, err := b64d(payload.Salt)
	if err != nil {
		return "", errors.WithMessage(ErrMalformedToken, "invalid salt")
	}
	nonce, err := b64d(payload.Nonce)
	if err != nil {
		return "", errors.WithMessage(ErrMalformedToken, "invalid nonce")
	}
	sealed, err := b64d(payload.Data)
	if err != nil {
		return "", errors.WithMessage(ErrMalformedToken, "invalid ciphertext")
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Wrap(err, "failed to create GCM")
	}
	if len(nonce) != gcm.NonceSize() {
		return "", errors.WithMessagef(ErrMalformedToken, "invalid nonce size: %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.WithStack(ErrDecryptFailed)
	}
	return string(plaintext), nil
}

// passphraseProvider resolves ENC: tokens with a fixed passphrase and passes
// plain values through.
type passphraseProvider struct {
	passphrase string
}

// NewProvider returns a Provider that decrypts ENC: tokens with the given
// passphrase. Non-token values resolve to themselves.
func NewProvider(passphrase string) Provider {
	return &passphraseProvider{passphrase: passphrase}
}

func (p *passphraseProvider) Resolve(value string) (string, error) {
	if !IsToken(value) {
		return value, nil
	}
	return Decrypt(value, p.passphrase)
}
