package models

import (
	"encoding/base64"
	"strings"
	"time"
)

// MaxRecordIDLength bounds client-assigned record identifiers.
const MaxRecordIDLength = 128

// EncryptedRecord is a sealed to-do as stored by the record store.
type EncryptedRecord struct {
	RecordID      string    `json:"record_id"`
	SubjectID     string    `json:"subject_id"`
	Nonce         []byte    `json:"nonce"`
	Ciphertext    []byte    `json:"ciphertext"`
	KeyGeneration int       `json:"key_generation"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Unreadable marks a stored object that exists but could not be
	// decoded. Only RecordID and SubjectID are meaningful; it never opens.
	Unreadable bool `json:"unreadable,omitempty"`
}

// Validate checks the record before it is persisted.
func (r *EncryptedRecord) Validate() error {
	if err := ValidateRecordID(r.RecordID); err != nil {
		return err
	}
	if err := ValidateSubject(r.SubjectID); err != nil {
		return err
	}
	if len(r.Nonce) == 0 {
		return InvalidArgument("nonce is required")
	}
	if len(r.Ciphertext) == 0 {
		return InvalidArgument("ciphertext is required")
	}
	if r.KeyGeneration < 1 {
		return InvalidArgument("key generation must be at least 1")
	}
	return nil
}

// Envelope returns the wire encoding of the sealed payload.
func (r *EncryptedRecord) Envelope() Envelope {
	return NewEnvelope(r.Nonce, r.Ciphertext)
}

// View returns the wire form of the record.
func (r *EncryptedRecord) View() RecordView {
	return RecordView{
		RecordID:      r.RecordID,
		Envelope:      r.Envelope(),
		KeyGeneration: r.KeyGeneration,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Unreadable:    r.Unreadable,
	}
}

// ValidateRecordID checks a client-assigned record identifier.
func ValidateRecordID(id string) error {
	if strings.TrimSpace(id) == "" {
		return InvalidArgument("record id is required")
	}
	if len(id) > MaxRecordIDLength {
		return InvalidArgument("record id exceeds %d bytes", MaxRecordIDLength)
	}
	for _, r := range id {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			return InvalidArgument("record id contains invalid characters")
		}
	}
	return nil
}

// Envelope is the only shape an encrypted payload takes on the wire.
type Envelope struct {
	NonceB64      string `json:"nonce_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
}

// NewEnvelope encodes a nonce and ciphertext pair.
func NewEnvelope(nonce, ciphertext []byte) Envelope {
	return Envelope{
		NonceB64:      base64.StdEncoding.EncodeToString(nonce),
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
	}
}

// Decode validates the envelope once at the boundary and returns raw bytes.
// The nonce must match the length of a known cipher suite.
func (e Envelope) Decode() (nonce, ciphertext []byte, err error) {
	if e.NonceB64 == "" || e.CiphertextB64 == "" {
		return nil, nil, InvalidArgument("nonce_b64 and ciphertext_b64 are required")
	}

	nonce, err = base64.StdEncoding.DecodeString(e.NonceB64)
	if err != nil {
		return nil, nil, InvalidArgument("nonce_b64: %v", err)
	}
	if len(nonce) != CipherAES256GCM.NonceSize() && len(nonce) != CipherXChaCha20Poly1305.NonceSize() {
		return nil, nil, InvalidArgument("nonce has unsupported length %d", len(nonce))
	}

	ciphertext, err = base64.StdEncoding.DecodeString(e.CiphertextB64)
	if err != nil {
		return nil, nil, InvalidArgument("ciphertext_b64: %v", err)
	}
	if len(ciphertext) == 0 {
		return nil, nil, InvalidArgument("ciphertext is empty")
	}

	return nonce, ciphertext, nil
}

// RecordPayload is the body of a record write. A non-zero FromGeneration
// makes the write conditional on the stored record's generation.
type RecordPayload struct {
	Envelope
	KeyGeneration  int `json:"key_generation"`
	FromGeneration int `json:"from_generation,omitempty"`
}

// RecordView is a record as returned by the API.
type RecordView struct {
	RecordID string `json:"record_id"`
	Envelope
	KeyGeneration int       `json:"key_generation"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Unreadable    bool      `json:"unreadable,omitempty"`
}

// Record decodes the view into an EncryptedRecord owned by subject.
func (v *RecordView) Record(subject string) (*EncryptedRecord, error) {
	if v.Unreadable {
		return &EncryptedRecord{
			RecordID:      v.RecordID,
			SubjectID:     subject,
			KeyGeneration: v.KeyGeneration,
			CreatedAt:     v.CreatedAt,
			UpdatedAt:     v.UpdatedAt,
			Unreadable:    true,
		}, nil
	}
	nonce, ciphertext, err := v.Envelope.Decode()
	if err != nil {
		return nil, err
	}
	return &EncryptedRecord{
		RecordID:      v.RecordID,
		SubjectID:     subject,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
		KeyGeneration: v.KeyGeneration,
		CreatedAt:     v.CreatedAt,
		UpdatedAt:     v.UpdatedAt,
	}, nil
}

// Todo is the plaintext payload. It exists only in client memory.
type Todo struct {
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	Priority  string    `json:"priority,omitempty"`
	DueAt     time.Time `json:"due_at,omitzero"`
}

// Validate checks a to-do before sealing.
func (t *Todo) Validate() error {
	if strings.TrimSpace(t.Text) == "" {
		return InvalidArgument("todo text is required")
	}
	switch t.Priority {
	case "", "low", "medium", "high":
	default:
		return InvalidArgument("unknown priority %q", t.Priority)
	}
	return nil
}
