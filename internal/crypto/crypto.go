// Package crypto provides the symmetric at-rest codec for conversation
// titles and entry content. AES-GCM with a primary key plus optional legacy
// decryption keys supports zero-downtime key rotation; a nil Codec (or one
// built without keys) passes data through unchanged.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/threadkeep/threadkeep/internal/config"
)

// Codec encrypts and decrypts byte blobs. Safe for concurrent use.
type Codec struct {
	gcms []cipher.AEAD // gcms[0] is the primary key
}

// NewCodec builds a Codec from the config's encryption keys. Returns a
// passthrough Codec when no key is configured.
func NewCodec(cfg *config.Config) (*Codec, error) {
	c := &Codec{}
	if cfg == nil || cfg.EncryptionKey == "" {
		return c, nil
	}

	key, err := config.DecodeEncryptionKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	c.gcms = append(c.gcms, gcm)

	legacyKeys, err := config.DecodeEncryptionKeysCSV(cfg.EncryptionDecryptionKeys)
	if err != nil {
		return nil, fmt.Errorf("invalid decryption key list: %w", err)
	}
	for _, legacyKey := range legacyKeys {
		legacyGCM, legacyErr := newGCM(legacyKey)
		if legacyErr != nil {
			return nil, fmt.Errorf("failed to create legacy decryption GCM: %w", legacyErr)
		}
		c.gcms = append(c.gcms, legacyGCM)
	}
	return c, nil
}

// Enabled reports whether the codec actually encrypts.
func (c *Codec) Enabled() bool {
	return c != nil && len(c.gcms) > 0
}

// Encrypt seals plaintext with the primary key. Nil input and passthrough
// codecs return the input unchanged.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.Enabled() || plaintext == nil {
		return plaintext, nil
	}
	gcm := c.gcms[0]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt tries each configured key in order, primary first.
func (c *Codec) Decrypt(ciphertext []byte) ([]byte, error) {
	if !c.Enabled() || ciphertext == nil {
		return ciphertext, nil
	}
	var lastErr error
	for _, gcm := range c.gcms {
		nonceSize := gcm.NonceSize()
		if len(ciphertext) < nonceSize {
			lastErr = fmt.Errorf("ciphertext too short")
			continue
		}
		nonce, payload := ciphertext[:nonceSize], ciphertext[nonceSize:]
		plaintext, err := gcm.Open(nil, nonce, payload, nil)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// DecryptString decrypts to a string, falling back to the raw bytes when the
// payload predates encryption being enabled.
func (c *Codec) DecryptString(data []byte) string {
	plain, err := c.Decrypt(data)
	if err != nil {
		return string(data)
	}
	return string(plain)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm, nil
}
