package tenant

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 4096
	keyLength     = 32
)

// Cipher encrypts mailbox passwords at rest with AES-GCM. The key is
// derived from the configured secret via PBKDF2 so the raw secret never
// needs to be key-sized.
type Cipher struct {
	key []byte
}

// NewCipher derives the credential key from secret and salt.
func NewCipher(secret, salt string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("credential secret must not be empty")
	}
	key := pbkdf2.Key([]byte(secret), []byte(salt), keyIterations, keyLength, sha256.New)
	return &Cipher{key: key}, nil
}

// Encrypt seals a plaintext password, nonce prepended.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a sealed password.
func (c *Cipher) Decrypt(ciphertext []byte) (string, error) {
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
