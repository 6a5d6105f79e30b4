package crypto_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/crypto/testdata"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

var fastParams = models.KDFParams{Version: models.KDFPBKDF2, Iterations: 1000}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDeriveDEK_Vectors(t *testing.T) {
	for _, v := range testdata.KDFVectors {
		t.Run(v.Name, func(t *testing.T) {
			params := models.KDFParams{
				Version:    models.KDFVersion(v.Version),
				Iterations: v.Iterations,
				N:          v.N,
				R:          v.R,
				P:          v.P,
			}

			dek, err := crypto.DeriveDEK(mustHex(t, v.KDK), mustHex(t, v.Salt), []byte(v.Context), params)
			require.NoError(t, err)
			assert.Equal(t, v.DEK, hex.EncodeToString(dek))
		})
	}
}

func TestDeriveDEK_Deterministic(t *testing.T) {
	kdk := bytes.Repeat([]byte{0x11}, 32)
	salt := bytes.Repeat([]byte{0x22}, 32)
	ctx := []byte(crypto.DefaultContext)

	params := []models.KDFParams{
		fastParams,
		{Version: models.KDFArgon2id, Time: 1, MemoryKB: 1024, Threads: 1},
		{Version: models.KDFScrypt, N: 1024, R: 8, P: 1},
	}

	for _, p := range params {
		t.Run(p.Version.String(), func(t *testing.T) {
			a, err := crypto.DeriveDEK(kdk, salt, ctx, p)
			require.NoError(t, err)
			b, err := crypto.DeriveDEK(kdk, salt, ctx, p)
			require.NoError(t, err)

			assert.Len(t, a, crypto.KeySize)
			assert.Equal(t, a, b)
		})
	}
}

func TestDeriveDEK_InputsSeparateKeys(t *testing.T) {
	kdk := bytes.Repeat([]byte{0x11}, 32)
	salt := bytes.Repeat([]byte{0x22}, 32)
	ctx := []byte(crypto.DefaultContext)

	base, err := crypto.DeriveDEK(kdk, salt, ctx, fastParams)
	require.NoError(t, err)

	otherKDK, err := crypto.DeriveDEK(bytes.Repeat([]byte{0x12}, 32), salt, ctx, fastParams)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherKDK)

	otherSalt, err := crypto.DeriveDEK(kdk, bytes.Repeat([]byte{0x23}, 32), ctx, fastParams)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSalt)

	otherCtx, err := crypto.DeriveDEK(kdk, salt, []byte("cryptodo/other/v1"), fastParams)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherCtx)

	otherCost, err := crypto.DeriveDEK(kdk, salt, ctx, models.KDFParams{Version: models.KDFPBKDF2, Iterations: 1001})
	require.NoError(t, err)
	assert.NotEqual(t, base, otherCost)
}

func TestDeriveDEK_InvalidInputs(t *testing.T) {
	kdk := bytes.Repeat([]byte{0x11}, 32)
	salt := bytes.Repeat([]byte{0x22}, 32)
	ctx := []byte(crypto.DefaultContext)

	tests := []struct {
		name   string
		kdk    []byte
		salt   []byte
		ctx    []byte
		params models.KDFParams
	}{
		{"empty kdk", nil, salt, ctx, fastParams},
		{"short salt", kdk, salt[:8], ctx, fastParams},
		{"empty context", kdk, salt, nil, fastParams},
		{"unknown version", kdk, salt, ctx, models.KDFParams{Version: 42}},
		{"zero iterations", kdk, salt, ctx, models.KDFParams{Version: models.KDFPBKDF2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := crypto.DeriveDEK(tt.kdk, tt.salt, tt.ctx, tt.params)
			assert.ErrorIs(t, err, models.ErrInvalidArgument)
		})
	}
}

func TestDefaultKDFParams(t *testing.T) {
	for _, v := range []models.KDFVersion{models.KDFPBKDF2, models.KDFArgon2id, models.KDFScrypt} {
		p, err := crypto.DefaultKDFParams(v)
		require.NoError(t, err)
		assert.NoError(t, p.Validate())
		assert.Equal(t, v, p.Version)
	}

	_, err := crypto.DefaultKDFParams(0)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestNormalizePassphrase(t *testing.T) {
	// U+212B ANGSTROM SIGN and U+00C5 normalize to the same NFKC form.
	assert.Equal(t, crypto.NormalizePassphrase("\u00C5"), crypto.NormalizePassphrase("\u212B"))
	// Full-width digits fold to ASCII.
	assert.Equal(t, []byte("123"), crypto.NormalizePassphrase("\uFF11\uFF12\uFF13"))
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, suite := range []models.CipherSuite{models.CipherAES256GCM, models.CipherXChaCha20Poly1305} {
		t.Run(string(suite), func(t *testing.T) {
			provider, err := crypto.NewProvider(suite)
			require.NoError(t, err)
			assert.Equal(t, suite, provider.Suite())

			dek := bytes.Repeat([]byte{0x33}, crypto.KeySize)
			aad := crypto.RecordAAD("u1", "r1", 1)

			for _, pt := range testdata.Plaintexts {
				nonce, ct, err := provider.Seal(dek, []byte(pt), aad)
				require.NoError(t, err)
				assert.Len(t, nonce, suite.NonceSize())
				assert.Len(t, ct, len(pt)+crypto.TagSize)

				got, err := provider.Open(dek, nonce, ct, aad)
				require.NoError(t, err)
				assert.Equal(t, pt, string(got))
			}
		})
	}
}

func TestCodec_InvalidKeyAndNonce(t *testing.T) {
	codec, err := crypto.NewCodec(models.CipherAES256GCM)
	require.NoError(t, err)

	_, _, err = codec.Seal(make([]byte, 16), []byte("x"), nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	dek := make([]byte, crypto.KeySize)
	nonce, ct, err := codec.Seal(dek, []byte("x"), nil)
	require.NoError(t, err)

	_, err = codec.Open(dek, nonce[:8], ct, nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = codec.Open(dek, nonce, ct[:4], nil)
	assert.ErrorIs(t, err, models.ErrDecrypt)

	_, err = crypto.NewCodec("rot13")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestRecordAAD(t *testing.T) {
	assert.Equal(t, crypto.RecordAAD("u1", "r1", 1), crypto.RecordAAD("u1", "r1", 1))
	assert.NotEqual(t, crypto.RecordAAD("u1", "r1", 1), crypto.RecordAAD("u2", "r1", 1))
	assert.NotEqual(t, crypto.RecordAAD("u1", "r1", 1), crypto.RecordAAD("u1", "r2", 1))
	assert.NotEqual(t, crypto.RecordAAD("u1", "r1", 1), crypto.RecordAAD("u1", "r1", 2))
	// Length prefixes keep field boundaries unambiguous.
	assert.NotEqual(t, crypto.RecordAAD("ab", "c", 1), crypto.RecordAAD("a", "bc", 1))
}

func TestGenerateSaltAndKDK(t *testing.T) {
	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, salt, crypto.SaltSize)

	other, err := crypto.GenerateSalt()
	require.NoError(t, err)
	assert.NotEqual(t, salt, other)

	_, err = crypto.GenerateSaltSize(8)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	kdk, err := crypto.GenerateKDK()
	require.NoError(t, err)
	assert.Len(t, kdk, crypto.KDKSize)
}

func TestValidateKeySize(t *testing.T) {
	assert.NoError(t, crypto.ValidateKeySize(make([]byte, 32)))
	assert.ErrorIs(t, crypto.ValidateKeySize(make([]byte, 31)), crypto.ErrInvalidKey)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	crypto.Zero(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
