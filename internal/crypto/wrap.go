package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

const (
	wrapNonceSize = 24
	wrapInfo      = "cryptodo/kdk-wrap/v1/"

	// RootSecretSize is the required length of the server root secret.
	RootSecretSize = 32
)

// KeyWrapper seals KDKs under a server-held root secret. Each subject gets
// its own wrapping key, so a wrapped KDK cannot be replayed onto another
// subject's row.
type KeyWrapper struct {
	root []byte
}

// NewKeyWrapper creates a wrapper. The root secret is copied.
func NewKeyWrapper(root []byte) (*KeyWrapper, error) {
	if len(root) != RootSecretSize {
		return nil, fmt.Errorf("%w: root secret must be %d bytes", models.ErrInvalidArgument, RootSecretSize)
	}
	r := make([]byte, len(root))
	copy(r, root)
	return &KeyWrapper{root: r}, nil
}

// Wrap seals kdk for subject. Output: nonce || secretbox.
func (w *KeyWrapper) Wrap(subjectID string, kdk []byte) ([]byte, error) {
	if len(kdk) == 0 {
		return nil, models.InvalidArgument("kdk is empty")
	}

	key, err := w.subjectKey(subjectID)
	if err != nil {
		return nil, err
	}
	defer Zero(key[:])

	var nonce [wrapNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], kdk, &nonce, key), nil
}

// Unwrap opens a KDK sealed by Wrap for the same subject.
func (w *KeyWrapper) Unwrap(subjectID string, wrapped []byte) ([]byte, error) {
	if len(wrapped) < wrapNonceSize+secretbox.Overhead {
		return nil, ErrDecryptionFailed
	}

	key, err := w.subjectKey(subjectID)
	if err != nil {
		return nil, err
	}
	defer Zero(key[:])

	var nonce [wrapNonceSize]byte
	copy(nonce[:], wrapped[:wrapNonceSize])

	kdk, ok := secretbox.Open(nil, wrapped[wrapNonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return kdk, nil
}

// Close wipes the root secret.
func (w *KeyWrapper) Close() {
	Zero(w.root)
}

// String keeps the root secret out of formatted output.
func (w *KeyWrapper) String() string {
	return "KeyWrapper{root:[REDACTED]}"
}

// GoString keeps the root secret out of %#v output.
func (w *KeyWrapper) GoString() string {
	return w.String()
}

func (w *KeyWrapper) subjectKey(subjectID string) (*[32]byte, error) {
	if err := models.ValidateSubject(subjectID); err != nil {
		return nil, err
	}

	var key [32]byte
	r := hkdf.New(sha256.New, w.root, nil, []byte(wrapInfo+subjectID))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return &key, nil
}
