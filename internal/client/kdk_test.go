package client

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kdk")
	kdk, err := crypto.GenerateKDK()
	require.NoError(t, err)

	_, err = LoadKeyFile(path)
	assert.ErrorIs(t, err, ErrNoKeyFile)

	require.NoError(t, SaveKeyFile(path, kdk))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, kdk, loaded)

	assert.Error(t, SaveKeyFile(path, kdk), "never overwrites a key")
}

func TestLoadKeyFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kdk")
	require.NoError(t, os.WriteFile(path, []byte("not base64!"), 0600))

	_, err := LoadKeyFile(path)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestRecoveryPhrase(t *testing.T) {
	kdk := bytes.Repeat([]byte{0xA5}, crypto.KDKSize)

	phrase, err := RecoveryPhrase(kdk)
	require.NoError(t, err)
	assert.Len(t, strings.Fields(phrase), 24)

	recovered, err := KDKFromRecoveryPhrase("  " + strings.ToUpper(phrase) + "\n")
	require.NoError(t, err)
	assert.Equal(t, kdk, recovered)

	words := strings.Fields(phrase)
	words[3] = "notaword"
	_, err = KDKFromRecoveryPhrase(strings.Join(words, " "))
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = KDKFromRecoveryPhrase(strings.Join(words[:12], " "))
	assert.Error(t, err)

	_, err = RecoveryPhrase([]byte("short"))
	assert.Error(t, err)
}

func TestKDKFromPassphrase(t *testing.T) {
	a, err := KDKFromPassphrase("correct horse")
	require.NoError(t, err)
	assert.Len(t, a, crypto.KDKSize)

	// NFKC folds the full-width form onto ASCII.
	b, err := KDKFromPassphrase("ｃｏｒｒｅｃｔ horse")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = KDKFromPassphrase("   ")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}
