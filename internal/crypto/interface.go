package crypto

import "github.com/TheMichaelB/cryptodo/internal/models"

// Provider defines the interface for cryptographic operations.
type Provider interface {
	// DeriveDEK derives a data-encryption key from a KDK, a salt and a
	// context string.
	DeriveDEK(kdk, salt, context []byte, params models.KDFParams) ([]byte, error)

	// Seal encrypts plaintext with a fresh random nonce.
	Seal(dek, plaintext, aad []byte) (nonce, ciphertext []byte, err error)

	// Open authenticates and decrypts. Any failure is ErrDecryptionFailed.
	Open(dek, nonce, ciphertext, aad []byte) ([]byte, error)

	// Suite returns the AEAD scheme used by Seal and Open.
	Suite() models.CipherSuite
}
