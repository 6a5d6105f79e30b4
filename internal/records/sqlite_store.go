package records

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

// SQLiteStore keeps sealed records in a local SQLite database. It can share
// a file with the SQLite key store.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens (or creates) the record database.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_record_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS records (
        subject_id TEXT NOT NULL,
        record_id TEXT NOT NULL,
        nonce BLOB NOT NULL,
        ciphertext BLOB NOT NULL,
        key_generation INTEGER NOT NULL,
        created_at TIMESTAMP NOT NULL,
        updated_at TIMESTAMP NOT NULL,
        PRIMARY KEY (subject_id, record_id)
    );

    CREATE INDEX IF NOT EXISTS idx_records_generation ON records(subject_id, key_generation);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const selectRecord = `
    SELECT subject_id, record_id, nonce, ciphertext, key_generation, created_at, updated_at
    FROM records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.EncryptedRecord, error) {
	var rec models.EncryptedRecord
	err := row.Scan(&rec.SubjectID, &rec.RecordID, &rec.Nonce, &rec.Ciphertext,
		&rec.KeyGeneration, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, models.Unavailable("scan record", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// Put upserts a record.
func (s *SQLiteStore) Put(ctx context.Context, rec *models.EncryptedRecord) (*models.EncryptedRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, models.Unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO records (subject_id, record_id, nonce, ciphertext, key_generation, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(subject_id, record_id) DO UPDATE SET
            nonce = excluded.nonce,
            ciphertext = excluded.ciphertext,
            key_generation = excluded.key_generation,
            updated_at = excluded.updated_at
    `, rec.SubjectID, rec.RecordID, rec.Nonce, rec.Ciphertext, rec.KeyGeneration, created.UTC(), now)
	if err != nil {
		return nil, models.Unavailable("upsert record", err)
	}

	stored, err := scanRecord(tx.QueryRowContext(ctx,
		selectRecord+" WHERE subject_id = ? AND record_id = ?", rec.SubjectID, rec.RecordID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, models.Unavailable("commit transaction", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"subject_id":     rec.SubjectID,
		"record_id":      rec.RecordID,
		"key_generation": rec.KeyGeneration,
		"size":           len(rec.Ciphertext),
	}).Debug("Stored record")

	return stored, nil
}

// Replace updates a record only if its generation is unchanged.
func (s *SQLiteStore) Replace(ctx context.Context, rec *models.EncryptedRecord, fromGeneration int) (*models.EncryptedRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, models.Unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
        UPDATE records
        SET nonce = ?, ciphertext = ?, key_generation = ?, updated_at = ?
        WHERE subject_id = ? AND record_id = ? AND key_generation = ?
    `, rec.Nonce, rec.Ciphertext, rec.KeyGeneration, time.Now().UTC(),
		rec.SubjectID, rec.RecordID, fromGeneration)
	if err != nil {
		return nil, models.Unavailable("replace record", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, models.Unavailable("replace record", err)
	}

	stored, err := scanRecord(tx.QueryRowContext(ctx,
		selectRecord+" WHERE subject_id = ? AND record_id = ?", rec.SubjectID, rec.RecordID))
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrRecordChanged
	}

	if err := tx.Commit(); err != nil {
		return nil, models.Unavailable("commit transaction", err)
	}
	return stored, nil
}

// Get returns one record.
func (s *SQLiteStore) Get(ctx context.Context, subjectID, recordID string) (*models.EncryptedRecord, error) {
	return scanRecord(s.db.QueryRowContext(ctx,
		selectRecord+" WHERE subject_id = ? AND record_id = ?", subjectID, recordID))
}

// Delete removes one record.
func (s *SQLiteStore) Delete(ctx context.Context, subjectID, recordID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE subject_id = ? AND record_id = ?", subjectID, recordID)
	if err != nil {
		return models.Unavailable("delete record", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return models.Unavailable("delete record", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// List returns a subject's records ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, subjectID string) ([]*models.EncryptedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRecord+" WHERE subject_id = ? ORDER BY created_at, record_id", subjectID)
	if err != nil {
		return nil, models.Unavailable("list records", err)
	}
	defer rows.Close()

	recs := []*models.EncryptedRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, models.Unavailable("iterate records", err)
	}

	// Timestamps round-trip through text; reapply the canonical order.
	sortRecords(recs)
	return recs, nil
}

// DeleteAll removes every record for a subject.
func (s *SQLiteStore) DeleteAll(ctx context.Context, subjectID string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE subject_id = ?", subjectID)
	if err != nil {
		return 0, models.Unavailable("delete records", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, models.Unavailable("delete records", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"count":      affected,
	}).Info("Deleted all records for subject")

	return int(affected), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
