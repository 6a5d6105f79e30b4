package models

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// MaxSubjectLength bounds subject identifiers accepted from the identity source.
const MaxSubjectLength = 256

// MinSaltSize is the shortest salt accepted for key derivation.
const MinSaltSize = 16

// KDFVersion identifies a key derivation scheme.
type KDFVersion int

const (
	KDFPBKDF2   KDFVersion = 1
	KDFArgon2id KDFVersion = 2
	KDFScrypt   KDFVersion = 3
)

func (v KDFVersion) String() string {
	switch v {
	case KDFPBKDF2:
		return "pbkdf2-sha256"
	case KDFArgon2id:
		return "argon2id"
	case KDFScrypt:
		return "scrypt"
	default:
		return fmt.Sprintf("kdf-v%d", int(v))
	}
}

// KDFParams pins the derivation cost for a subject. Only the fields relevant
// to Version are set.
type KDFParams struct {
	Version    KDFVersion `json:"version"`
	Iterations int        `json:"iterations,omitempty"`
	Time       uint32     `json:"time,omitempty"`
	MemoryKB   uint32     `json:"memory_kb,omitempty"`
	Threads    uint8      `json:"threads,omitempty"`
	N          int        `json:"n,omitempty"`
	R          int        `json:"r,omitempty"`
	P          int        `json:"p,omitempty"`
}

// Validate checks the parameters for the selected version.
func (p KDFParams) Validate() error {
	switch p.Version {
	case KDFPBKDF2:
		if p.Iterations <= 0 {
			return InvalidArgument("pbkdf2 iterations must be positive")
		}
	case KDFArgon2id:
		if p.Time == 0 || p.MemoryKB == 0 || p.Threads == 0 {
			return InvalidArgument("argon2id time, memory and threads must be positive")
		}
	case KDFScrypt:
		if p.N <= 1 || p.N&(p.N-1) != 0 {
			return InvalidArgument("scrypt N must be a power of two greater than 1")
		}
		if p.R <= 0 || p.P <= 0 {
			return InvalidArgument("scrypt r and p must be positive")
		}
	default:
		return InvalidArgument("unknown kdf version %d", int(p.Version))
	}
	return nil
}

// CipherSuite names the AEAD used for a subject's records.
type CipherSuite string

const (
	CipherAES256GCM         CipherSuite = "aes-256-gcm"
	CipherXChaCha20Poly1305 CipherSuite = "xchacha20-poly1305"
)

// NonceSize returns the nonce length for the suite, or 0 if unknown.
func (c CipherSuite) NonceSize() int {
	switch c {
	case CipherAES256GCM:
		return 12
	case CipherXChaCha20Poly1305:
		return 24
	default:
		return 0
	}
}

// ValidateSubject checks an identifier handed over by the identity source.
func ValidateSubject(subject string) error {
	if strings.TrimSpace(subject) == "" {
		return InvalidArgument("subject id is required")
	}
	if len(subject) > MaxSubjectLength {
		return InvalidArgument("subject id exceeds %d bytes", MaxSubjectLength)
	}
	if !utf8.ValidString(subject) {
		return InvalidArgument("subject id is not valid UTF-8")
	}
	for _, r := range subject {
		if unicode.IsControl(r) {
			return InvalidArgument("subject id contains control characters")
		}
	}
	return nil
}

// KeyMaterial is the persisted per-subject key record. It never holds a
// plaintext KDK or DEK.
type KeyMaterial struct {
	SubjectID         string      `json:"subject_id"`
	Salt              []byte      `json:"salt"`
	KDF               KDFParams   `json:"kdf"`
	Cipher            CipherSuite `json:"cipher"`
	WrappedKDK        []byte      `json:"wrapped_kdk,omitempty"`
	Generation        int         `json:"generation"`
	PendingSalt       []byte      `json:"pending_salt,omitempty"`
	PendingGeneration int         `json:"pending_generation,omitempty"`
	HasKey            bool        `json:"has_key"`
	ProvisionedAt     time.Time   `json:"provisioned_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Validate checks the record before it is persisted.
func (k *KeyMaterial) Validate() error {
	if err := ValidateSubject(k.SubjectID); err != nil {
		return err
	}
	if len(k.Salt) < MinSaltSize {
		return InvalidArgument("salt must be at least %d bytes", MinSaltSize)
	}
	if err := k.KDF.Validate(); err != nil {
		return err
	}
	if k.Cipher.NonceSize() == 0 {
		return InvalidArgument("unknown cipher %q", k.Cipher)
	}
	if k.Generation < 1 {
		return InvalidArgument("generation must be at least 1")
	}
	if k.RotationPending() {
		if len(k.PendingSalt) < MinSaltSize {
			return InvalidArgument("pending salt must be at least %d bytes", MinSaltSize)
		}
		if k.PendingGeneration != k.Generation+1 {
			return InvalidArgument("pending generation must follow current generation")
		}
	}
	if k.ProvisionedAt.IsZero() {
		return InvalidArgument("provisioned_at timestamp is required")
	}
	return nil
}

// Clone returns a deep copy.
func (k *KeyMaterial) Clone() *KeyMaterial {
	c := *k
	c.Salt = cloneBytes(k.Salt)
	c.WrappedKDK = cloneBytes(k.WrappedKDK)
	c.PendingSalt = cloneBytes(k.PendingSalt)
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// RotationPending reports whether a salt rotation has begun but not committed.
func (k *KeyMaterial) RotationPending() bool {
	return k.PendingGeneration != 0
}

// WriteGeneration is the generation new records must be sealed under.
func (k *KeyMaterial) WriteGeneration() int {
	if k.RotationPending() {
		return k.PendingGeneration
	}
	return k.Generation
}

// SaltFor returns the salt for a generation that is current or pending.
func (k *KeyMaterial) SaltFor(generation int) ([]byte, error) {
	switch {
	case generation == k.Generation:
		return k.Salt, nil
	case k.RotationPending() && generation == k.PendingGeneration:
		return k.PendingSalt, nil
	default:
		return nil, InvalidArgument("no salt for key generation %d", generation)
	}
}

// View returns the public projection served to clients.
func (k *KeyMaterial) View() KeyMaterialView {
	v := KeyMaterialView{
		SaltB64:       base64.StdEncoding.EncodeToString(k.Salt),
		KDFVersion:    k.KDF.Version,
		KDFParams:     k.KDF,
		Cipher:        k.Cipher,
		Generation:    k.Generation,
		HasKey:        k.HasKey,
		ProvisionedAt: k.ProvisionedAt,
	}
	if k.RotationPending() {
		v.PendingSaltB64 = base64.StdEncoding.EncodeToString(k.PendingSalt)
		v.PendingGeneration = k.PendingGeneration
	}
	return v
}

// KeyMaterialView is the key material tuple sent over the API. It carries
// no KDK in any form.
type KeyMaterialView struct {
	SaltB64           string      `json:"salt_b64"`
	KDFVersion        KDFVersion  `json:"kdf_version"`
	KDFParams         KDFParams   `json:"kdf_params"`
	Cipher            CipherSuite `json:"cipher"`
	Generation        int         `json:"generation"`
	PendingSaltB64    string      `json:"pending_salt_b64,omitempty"`
	PendingGeneration int         `json:"pending_generation,omitempty"`
	HasKey            bool        `json:"has_key"`
	ProvisionedAt     time.Time   `json:"provisioned_at"`
}

// KeyMaterial decodes the view for the given subject.
func (v *KeyMaterialView) KeyMaterial(subject string) (*KeyMaterial, error) {
	salt, err := base64.StdEncoding.DecodeString(v.SaltB64)
	if err != nil {
		return nil, InvalidArgument("salt_b64: %v", err)
	}

	km := &KeyMaterial{
		SubjectID:     subject,
		Salt:          salt,
		KDF:           v.KDFParams,
		Cipher:        v.Cipher,
		Generation:    v.Generation,
		HasKey:        v.HasKey,
		ProvisionedAt: v.ProvisionedAt,
	}
	if km.KDF.Version == 0 {
		km.KDF.Version = v.KDFVersion
	}

	if v.PendingGeneration != 0 {
		pending, err := base64.StdEncoding.DecodeString(v.PendingSaltB64)
		if err != nil {
			return nil, InvalidArgument("pending_salt_b64: %v", err)
		}
		km.PendingSalt = pending
		km.PendingGeneration = v.PendingGeneration
	}

	if err := km.Validate(); err != nil {
		return nil, err
	}
	return km, nil
}
