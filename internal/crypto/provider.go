package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

const (
	// Key sizes
	KeySize = 32 // AES-256 and XChaCha20-Poly1305
	TagSize = 16 // Poly1305 and GCM tag
	KDKSize = 32

	// SaltSize is the length of freshly generated salts.
	SaltSize = 32

	// PBKDF2 parameters (KDF version 1)
	DefaultIterations = 600000

	// Argon2id parameters (KDF version 2)
	Argon2Time     = 2
	Argon2MemoryKB = 64 * 1024
	Argon2Threads  = 1

	// Scrypt parameters (KDF version 3)
	ScryptN = 32768 // CPU/memory cost parameter
	ScryptR = 8     // block size parameter
	ScryptP = 1     // parallelization parameter

	// DefaultContext separates the to-do record key from any other key a
	// subject's KDK may later be used for.
	DefaultContext = "cryptodo/todo-dek/v1"
)

// Errors
var (
	ErrInvalidKey        = fmt.Errorf("%w: invalid key size", models.ErrInvalidArgument)
	ErrInvalidNonce      = fmt.Errorf("%w: invalid nonce size", models.ErrInvalidArgument)
	ErrInvalidCiphertext = fmt.Errorf("%w: invalid ciphertext format", models.ErrInvalidArgument)
	ErrDecryptionFailed  = models.ErrDecrypt
)

// CryptoProvider binds the key derivation engine and the envelope codec for
// one cipher suite.
type CryptoProvider struct {
	codec *Codec
}

// NewProvider creates a crypto provider for the given cipher suite.
func NewProvider(suite models.CipherSuite) (*CryptoProvider, error) {
	codec, err := NewCodec(suite)
	if err != nil {
		return nil, err
	}
	return &CryptoProvider{codec: codec}, nil
}

// Suite returns the provider's cipher suite.
func (p *CryptoProvider) Suite() models.CipherSuite {
	return p.codec.Suite()
}

// DeriveDEK derives a record key. See DeriveDEK.
func (p *CryptoProvider) DeriveDEK(kdk, salt, context []byte, params models.KDFParams) ([]byte, error) {
	return DeriveDEK(kdk, salt, context, params)
}

// Seal encrypts plaintext under dek with a fresh nonce.
func (p *CryptoProvider) Seal(dek, plaintext, aad []byte) ([]byte, []byte, error) {
	return p.codec.Seal(dek, plaintext, aad)
}

// Open authenticates and decrypts a sealed payload.
func (p *CryptoProvider) Open(dek, nonce, ciphertext, aad []byte) ([]byte, error) {
	return p.codec.Open(dek, nonce, ciphertext, aad)
}

// GenerateSalt returns SaltSize random bytes.
func GenerateSalt() ([]byte, error) {
	return randomBytes(SaltSize)
}

// GenerateSaltSize returns n random bytes for use as a salt.
func GenerateSaltSize(n int) ([]byte, error) {
	if n < models.MinSaltSize {
		return nil, models.InvalidArgument("salt size must be at least %d bytes", models.MinSaltSize)
	}
	return randomBytes(n)
}

// GenerateKDK returns a new random key-derivation key.
func GenerateKDK() ([]byte, error) {
	return randomBytes(KDKSize)
}

// ValidateKeySize checks if the key is the correct size.
func ValidateKeySize(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidKey, KeySize, len(key))
	}
	return nil
}

// Zero overwrites key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}
