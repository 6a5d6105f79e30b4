package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

// DefaultKDFParams returns the default cost parameters for a KDF version.
func DefaultKDFParams(version models.KDFVersion) (models.KDFParams, error) {
	switch version {
	case models.KDFPBKDF2:
		return models.KDFParams{Version: version, Iterations: DefaultIterations}, nil
	case models.KDFArgon2id:
		return models.KDFParams{
			Version:  version,
			Time:     Argon2Time,
			MemoryKB: Argon2MemoryKB,
			Threads:  Argon2Threads,
		}, nil
	case models.KDFScrypt:
		return models.KDFParams{Version: version, N: ScryptN, R: ScryptR, P: ScryptP}, nil
	default:
		return models.KDFParams{}, models.InvalidArgument("unknown kdf version %d", int(version))
	}
}

// DeriveDEK derives the 32-byte data-encryption key for (kdk, salt, context).
//
// The password-hashing step selected by params.Version stretches the KDK
// into a pseudorandom key, which HKDF-SHA256 then expands with context as
// the info string. The result is a pure function of its inputs.
func DeriveDEK(kdk, salt, context []byte, params models.KDFParams) ([]byte, error) {
	if len(kdk) == 0 {
		return nil, models.InvalidArgument("kdk is empty")
	}
	if len(salt) < models.MinSaltSize {
		return nil, models.InvalidArgument("salt too short: %d bytes", len(salt))
	}
	if len(context) == 0 {
		return nil, models.InvalidArgument("context is empty")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var prk []byte
	switch params.Version {
	case models.KDFPBKDF2:
		prk = pbkdf2.Key(kdk, salt, params.Iterations, KeySize, sha256.New)
	case models.KDFArgon2id:
		prk = argon2.IDKey(kdk, salt, params.Time, params.MemoryKB, params.Threads, KeySize)
	case models.KDFScrypt:
		var err error
		prk, err = scrypt.Key(kdk, salt, params.N, params.R, params.P, KeySize)
		if err != nil {
			return nil, models.InvalidArgument("scrypt: %v", err)
		}
	}
	defer Zero(prk)

	dek := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, context), dek); err != nil {
		return nil, fmt.Errorf("expand dek: %w", err)
	}
	return dek, nil
}

// NormalizePassphrase returns the NFKC form of a typed passphrase so the
// same phrase derives the same key regardless of input method.
func NormalizePassphrase(passphrase string) []byte {
	return []byte(norm.NFKC.String(passphrase))
}
