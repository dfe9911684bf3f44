package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	kdfN     = 16384
	kdfR     = 8
	kdfP     = 1
	keyLen   = 32
	saltLen  = 16
	nonceLen = 12
	tagLen   = 16
)

// ErrDecrypt is returned for any malformed envelope or authentication
// failure. Callers never receive partially decrypted data.
var ErrDecrypt = errors.New("secret: decryption failed")

// Envelope is the persisted shape of one encrypted field. All components are
// base64 encoded. A fresh salt and IV are generated per encryption call so
// identical plaintexts never produce identical ciphertext.
type Envelope struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
	Salt      string `json:"salt"`
}

// IsEnvelope duck-types a decoded payload field as an encrypted envelope by
// the presence of all four components.
func IsEnvelope(v any) (Envelope, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Envelope{}, false
	}
	enc, ok1 := m["encrypted"].(string)
	iv, ok2 := m["iv"].(string)
	tag, ok3 := m["tag"].(string)
	salt, ok4 := m["salt"].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Envelope{}, false
	}
	return Envelope{Encrypted: enc, IV: iv, Tag: tag, Salt: salt}, true
}

// AsMap returns the envelope in its persisted JSON shape.
func (e Envelope) AsMap() map[string]any {
	return map[string]any{
		"encrypted": e.Encrypted,
		"iv":        e.IV,
		"tag":       e.Tag,
		"salt":      e.Salt,
	}
}

// Cipher encrypts and decrypts credential fields with AES-256-GCM using keys
// derived from a process-wide secret via scrypt. The secret is injected once
// at construction; an empty secret is a configuration error.
type Cipher struct {
	key []byte
}

// NewCipher validates the process secret and returns a Cipher.
func NewCipher(processSecret string) (*Cipher, error) {
	if processSecret == "" {
		return nil, errors.New("secret: encryption secret is required")
	}
	return &Cipher{key: []byte(processSecret)}, nil
}

// Encrypt seals plaintext into a fresh envelope.
func (c *Cipher) Encrypt(plaintext string) (Envelope, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Envelope{}, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate iv: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return Envelope{}, err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	if len(sealed) < tagLen {
		return Envelope{}, errors.New("secret: sealed output too short")
	}
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return Envelope{
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		IV:        base64.StdEncoding.EncodeToString(nonce),
		Tag:       base64.StdEncoding.EncodeToString(tag),
		Salt:      base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// Decrypt opens an envelope, verifying the authentication tag. Any malformed
// component or tag mismatch returns ErrDecrypt.
func (c *Cipher) Decrypt(env Envelope) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(env.Encrypted)
	if err != nil {
		return "", ErrDecrypt
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(nonce) != nonceLen {
		return "", ErrDecrypt
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != tagLen {
		return "", ErrDecrypt
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil || len(salt) == 0 {
		return "", ErrDecrypt
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(c.key, salt, kdfN, kdfR, kdfP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
