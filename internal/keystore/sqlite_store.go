package keystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

// SQLiteStore implements key material storage on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens (or creates) the key material database.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	// _txlock=immediate takes the write lock at BEGIN so concurrent
	// provisioning transactions serialize instead of failing on upgrade.
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_key_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS key_material (
        subject_id TEXT PRIMARY KEY,
        salt BLOB NOT NULL,
        kdf_params TEXT NOT NULL,
        cipher TEXT NOT NULL,
        wrapped_kdk BLOB,
        generation INTEGER NOT NULL DEFAULT 1,
        pending_salt BLOB,
        pending_generation INTEGER NOT NULL DEFAULT 0,
        has_key INTEGER NOT NULL DEFAULT 0,
        provisioned_at TIMESTAMP NOT NULL,
        updated_at TIMESTAMP NOT NULL
    );

    CREATE TABLE IF NOT EXISTS key_schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO key_schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

const selectMaterial = `
    SELECT subject_id, salt, kdf_params, cipher, wrapped_kdk, generation,
           pending_salt, pending_generation, has_key, provisioned_at, updated_at
    FROM key_material
    WHERE subject_id = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMaterial(row rowScanner) (*models.KeyMaterial, error) {
	var (
		km          models.KeyMaterial
		kdfJSON     string
		cipher      string
		wrapped     []byte
		pending     []byte
		hasKey      int
		provisioned time.Time
		updated     time.Time
	)

	err := row.Scan(&km.SubjectID, &km.Salt, &kdfJSON, &cipher, &wrapped, &km.Generation,
		&pending, &km.PendingGeneration, &hasKey, &provisioned, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrMaterialNotFound
	}
	if err != nil {
		return nil, models.Unavailable("scan key material", err)
	}

	if err := json.Unmarshal([]byte(kdfJSON), &km.KDF); err != nil {
		return nil, fmt.Errorf("decode kdf params for %s: %w", km.SubjectID, err)
	}

	km.Cipher = models.CipherSuite(cipher)
	km.WrappedKDK = wrapped
	km.PendingSalt = pending
	km.HasKey = hasKey != 0
	km.ProvisionedAt = provisioned.UTC()
	km.UpdatedAt = updated.UTC()
	return &km, nil
}

// Get retrieves key material from the database.
func (s *SQLiteStore) Get(ctx context.Context, subjectID string) (*models.KeyMaterial, error) {
	s.logger.WithField("subject_id", subjectID).Debug("Loading key material from SQLite")

	return scanMaterial(s.db.QueryRowContext(ctx, selectMaterial, subjectID))
}

// CreateIfAbsent inserts the row unless one exists, then reads back the
// winner inside the same transaction.
func (s *SQLiteStore) CreateIfAbsent(ctx context.Context, km *models.KeyMaterial) (*models.KeyMaterial, bool, error) {
	if err := km.Validate(); err != nil {
		return nil, false, err
	}

	kdfJSON, err := json.Marshal(km.KDF)
	if err != nil {
		return nil, false, fmt.Errorf("encode kdf params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, models.Unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
        INSERT INTO key_material (
            subject_id, salt, kdf_params, cipher, wrapped_kdk, generation,
            pending_salt, pending_generation, has_key, provisioned_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, NULL, 0, ?, ?, ?)
        ON CONFLICT(subject_id) DO NOTHING
    `, km.SubjectID, km.Salt, string(kdfJSON), string(km.Cipher), km.WrappedKDK,
		km.Generation, boolToInt(km.HasKey), km.ProvisionedAt.UTC(), km.UpdatedAt.UTC())
	if err != nil {
		return nil, false, models.Unavailable("insert key material", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, models.Unavailable("insert key material", err)
	}

	stored, err := scanMaterial(tx.QueryRowContext(ctx, selectMaterial, km.SubjectID))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, models.Unavailable("commit transaction", err)
	}

	created := affected == 1
	s.logger.WithFields(map[string]interface{}{
		"subject_id": km.SubjectID,
		"created":    created,
	}).Debug("Provisioned key material")

	return stored, created, nil
}

// BeginRotation sets the pending salt with a compare-and-swap on generation.
func (s *SQLiteStore) BeginRotation(ctx context.Context, subjectID string, generation int, pendingSalt []byte) (*models.KeyMaterial, error) {
	if len(pendingSalt) < models.MinSaltSize {
		return nil, models.InvalidArgument("pending salt must be at least %d bytes", models.MinSaltSize)
	}

	return s.conditionalUpdate(ctx, subjectID, generation, false, `
        UPDATE key_material
        SET pending_salt = ?, pending_generation = ?, updated_at = ?
        WHERE subject_id = ? AND generation = ? AND pending_generation = 0
    `, pendingSalt, generation+1, time.Now().UTC(), subjectID, generation)
}

// CommitRotation promotes the pending salt with a compare-and-swap.
func (s *SQLiteStore) CommitRotation(ctx context.Context, subjectID string, generation int) (*models.KeyMaterial, error) {
	return s.conditionalUpdate(ctx, subjectID, generation, true, `
        UPDATE key_material
        SET salt = pending_salt, generation = pending_generation,
            pending_salt = NULL, pending_generation = 0, updated_at = ?
        WHERE subject_id = ? AND generation = ? AND pending_generation = ?
    `, time.Now().UTC(), subjectID, generation, generation+1)
}

func (s *SQLiteStore) conditionalUpdate(ctx context.Context, subjectID string, generation int, committing bool, query string, args ...any) (*models.KeyMaterial, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, models.Unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, models.Unavailable("update key material", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, models.Unavailable("update key material", err)
	}

	current, err := scanMaterial(tx.QueryRowContext(ctx, selectMaterial, subjectID))
	if err != nil {
		return nil, err
	}

	if affected == 0 {
		return nil, classifyRotation(current, generation, committing)
	}

	if err := tx.Commit(); err != nil {
		return nil, models.Unavailable("commit transaction", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"generation": current.Generation,
		"pending":    current.PendingGeneration,
	}).Info("Key rotation state changed")

	return current, nil
}

// Delete removes a subject's key material.
func (s *SQLiteStore) Delete(ctx context.Context, subjectID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM key_material WHERE subject_id = ?", subjectID)
	if err != nil {
		return models.Unavailable("delete key material", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return models.Unavailable("delete key material", err)
	}
	if affected == 0 {
		return ErrMaterialNotFound
	}

	s.logger.WithField("subject_id", subjectID).Info("Deleted key material")
	return nil
}

// List returns all subject IDs.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT subject_id FROM key_material ORDER BY subject_id")
	if err != nil {
		return nil, models.Unavailable("list subjects", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, models.Unavailable("scan subject", err)
		}
		subjects = append(subjects, id)
	}

	if err := rows.Err(); err != nil {
		return nil, models.Unavailable("iterate subjects", err)
	}
	return subjects, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
