package client

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

// ErrNoKeyFile means no local KDK exists yet.
var ErrNoKeyFile = errors.New("no key file; run 'cryptodo keygen' or 'cryptodo recover'")

// LoadKeyFile reads a base64 KDK written by SaveKeyFile.
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(expandHome(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKeyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	kdk, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, models.InvalidArgument("key file is not valid base64")
	}
	if err := crypto.ValidateKeySize(kdk); err != nil {
		return nil, err
	}
	return kdk, nil
}

// SaveKeyFile writes kdk with owner-only permissions. It refuses to
// overwrite an existing key, which would orphan every record sealed with it.
func SaveKeyFile(path string, kdk []byte) error {
	if err := crypto.ValidateKeySize(kdk); err != nil {
		return err
	}

	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("key file %s already exists", path)
		}
		return fmt.Errorf("create key file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(kdk) + "\n"); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Sync()
}

// RecoveryPhrase encodes a KDK as a 24-word BIP-39 mnemonic.
func RecoveryPhrase(kdk []byte) (string, error) {
	if err := crypto.ValidateKeySize(kdk); err != nil {
		return "", err
	}
	return bip39.NewMnemonic(kdk)
}

// KDKFromRecoveryPhrase decodes a mnemonic from RecoveryPhrase. The
// checksum word catches typos.
func KDKFromRecoveryPhrase(phrase string) ([]byte, error) {
	phrase = strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
	kdk, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return nil, models.InvalidArgument("recovery phrase: %v", err)
	}
	if err := crypto.ValidateKeySize(kdk); err != nil {
		return nil, models.InvalidArgument("recovery phrase must have 24 words")
	}
	return kdk, nil
}

// KDKFromPassphrase condenses a typed passphrase to a KDK. Stretching
// happens in the per-subject KDF, not here.
func KDKFromPassphrase(passphrase string) ([]byte, error) {
	normalized := crypto.NormalizePassphrase(passphrase)
	defer crypto.Zero(normalized)

	if len(strings.TrimSpace(string(normalized))) == 0 {
		return nil, models.InvalidArgument("passphrase is empty")
	}
	sum := sha256.Sum256(normalized)
	return sum[:], nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
