package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

// Codec seals and opens record payloads with one AEAD scheme.
type Codec struct {
	suite     models.CipherSuite
	nonceSize int
}

// NewCodec creates a codec for suite.
func NewCodec(suite models.CipherSuite) (*Codec, error) {
	n := suite.NonceSize()
	if n == 0 {
		return nil, models.InvalidArgument("unknown cipher %q", suite)
	}
	return &Codec{suite: suite, nonceSize: n}, nil
}

// Suite returns the codec's cipher suite.
func (c *Codec) Suite() models.CipherSuite {
	return c.suite
}

// NonceSize returns the nonce length produced by Seal.
func (c *Codec) NonceSize() int {
	return c.nonceSize
}

// Seal encrypts plaintext under dek, binding aad.
// Returns a fresh random nonce and ciphertext || tag.
func (c *Codec) Seal(dek, plaintext, aad []byte) ([]byte, []byte, error) {
	aead, err := c.aead(dek)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, c.nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext || tag. It never returns
// partial plaintext; any verification failure is ErrDecryptionFailed.
func (c *Codec) Open(dek, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := c.aead(dek)
	if err != nil {
		return nil, err
	}

	if len(nonce) != c.nonceSize {
		return nil, ErrInvalidNonce
	}

	if len(ciphertext) < TagSize {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

func (c *Codec) aead(dek []byte) (cipher.AEAD, error) {
	if len(dek) != KeySize {
		return nil, ErrInvalidKey
	}

	switch c.suite {
	case models.CipherXChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(dek)
		if err != nil {
			return nil, fmt.Errorf("create xchacha20-poly1305: %w", err)
		}
		return aead, nil
	default:
		block, err := aes.NewCipher(dek)
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		return aead, nil
	}
}
