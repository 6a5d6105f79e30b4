package models_test

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

func TestEnvelopeDecode(t *testing.T) {
	gcmNonce := bytes.Repeat([]byte{0xaa}, 12)
	xNonce := bytes.Repeat([]byte{0xbb}, 24)
	ct := []byte("ciphertext-and-tag")

	tests := []struct {
		name    string
		env     models.Envelope
		wantErr bool
	}{
		{"gcm nonce", models.NewEnvelope(gcmNonce, ct), false},
		{"xchacha nonce", models.NewEnvelope(xNonce, ct), false},
		{"missing nonce", models.Envelope{CiphertextB64: "YQ=="}, true},
		{"missing ciphertext", models.Envelope{NonceB64: base64.StdEncoding.EncodeToString(gcmNonce)}, true},
		{"bad base64", models.Envelope{NonceB64: "%%%", CiphertextB64: "YQ=="}, true},
		{"odd nonce length", models.NewEnvelope([]byte("short"), ct), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nonce, got, err := tt.env.Decode()
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ct, got)
			assert.NotEmpty(t, nonce)
		})
	}
}

func TestEncryptedRecordValidate(t *testing.T) {
	base := func() *models.EncryptedRecord {
		return &models.EncryptedRecord{
			RecordID:      "r1",
			SubjectID:     "u1",
			Nonce:         make([]byte, 12),
			Ciphertext:    []byte{1, 2, 3},
			KeyGeneration: 1,
		}
	}

	assert.NoError(t, base().Validate())

	r := base()
	r.RecordID = "../escape"
	assert.ErrorIs(t, r.Validate(), models.ErrInvalidArgument)

	r = base()
	r.KeyGeneration = 0
	assert.ErrorIs(t, r.Validate(), models.ErrInvalidArgument)

	r = base()
	r.Ciphertext = nil
	assert.ErrorIs(t, r.Validate(), models.ErrInvalidArgument)
}

func TestRecordViewRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	rec := &models.EncryptedRecord{
		RecordID:      "r1",
		SubjectID:     "u1",
		Nonce:         bytes.Repeat([]byte{0x01}, 12),
		Ciphertext:    []byte("sealed"),
		KeyGeneration: 2,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	view := rec.View()
	back, err := view.Record("u1")
	require.NoError(t, err)
	assert.Equal(t, rec, back)
}

func TestTodoValidate(t *testing.T) {
	assert.NoError(t, (&models.Todo{Text: "buy milk"}).Validate())
	assert.NoError(t, (&models.Todo{Text: "file taxes", Priority: "high"}).Validate())
	assert.ErrorIs(t, (&models.Todo{Text: "  "}).Validate(), models.ErrInvalidArgument)
	assert.ErrorIs(t, (&models.Todo{Text: "x", Priority: "urgent"}).Validate(), models.ErrInvalidArgument)
}

func TestParseWatchEvent(t *testing.T) {
	ev, err := models.ParseWatchEvent([]byte(`{"op":"put","record_id":"r1","at":"2025-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, models.WatchOpPut, ev.Op)
	assert.Equal(t, "r1", ev.RecordID)

	_, err = models.ParseWatchEvent([]byte(`{"op":"explode"}`))
	assert.Error(t, err)

	_, err = models.ParseWatchEvent([]byte(`not json`))
	assert.Error(t, err)
}
