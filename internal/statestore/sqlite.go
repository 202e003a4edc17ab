// Package statestore implements domain.VersionedStore over SQLite and Pebble,
// the JSON wire codec for state documents, and typed stores for each
// document kind.
package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"duck-async/internal/domain"
)

// sqlitePrimaryTerm is fixed: a single SQLite file has one writer generation.
const sqlitePrimaryTerm = 1

// SQLiteStore is a VersionedStore backed by the state_documents table.
// Writes go through the single-connection write pool whose transactions
// begin IMMEDIATE, so the version check and the write are atomic.
type SQLiteStore struct {
	write *sql.DB
	read  *sql.DB
}

var _ domain.VersionedStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a store over a migrated database. readDB may be the
// same handle as writeDB.
func NewSQLiteStore(writeDB, readDB *sql.DB) *SQLiteStore {
	if readDB == nil {
		readDB = writeDB
	}
	return &SQLiteStore{write: writeDB, read: readDB}
}

// Get implements domain.VersionedStore.
func (s *SQLiteStore) Get(ctx context.Context, dataSourceName, id string) (*domain.Document, error) {
	row := s.read.QueryRowContext(ctx, `
		SELECT doc_type, state, body, seq_no, primary_term
		FROM state_documents
		WHERE data_source_name = ? AND id = ?`, dataSourceName, id)

	doc := domain.Document{ID: id, DataSourceName: dataSourceName}
	var body string
	err := row.Scan(&doc.Type, &doc.State, &body, &doc.Version.SeqNo, &doc.Version.PrimaryTerm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("document %q not found in %q", id, dataSourceName)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s/%s: %w", dataSourceName, id, err)
	}
	doc.Body = []byte(body)
	return &doc, nil
}

// Create implements domain.VersionedStore.
func (s *SQLiteStore) Create(ctx context.Context, doc *domain.Document) (domain.Version, error) {
	if err := validateDocument(doc); err != nil {
		return domain.Version{}, err
	}

	var v domain.Version
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeqNo(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO state_documents
				(data_source_name, id, doc_type, state, body, seq_no, primary_term)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			doc.DataSourceName, doc.ID, string(doc.Type), doc.State, string(doc.Body), seq, sqlitePrimaryTerm)
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists("document %q already exists in %q", doc.ID, doc.DataSourceName)
		}
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		v = domain.Version{SeqNo: seq, PrimaryTerm: sqlitePrimaryTerm}
		return nil
	})
	if err != nil {
		return domain.Version{}, err
	}
	return v, nil
}

// Update implements domain.VersionedStore.
func (s *SQLiteStore) Update(ctx context.Context, doc *domain.Document, expected domain.Version) (domain.Version, error) {
	if err := validateDocument(doc); err != nil {
		return domain.Version{}, err
	}

	var v domain.Version
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkVersion(ctx, tx, doc.DataSourceName, doc.ID, expected); err != nil {
			return err
		}
		seq, err := nextSeqNo(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE state_documents
			SET doc_type = ?, state = ?, body = ?, seq_no = ?, primary_term = ?, updated_at = CURRENT_TIMESTAMP
			WHERE data_source_name = ? AND id = ?`,
			string(doc.Type), doc.State, string(doc.Body), seq, sqlitePrimaryTerm, doc.DataSourceName, doc.ID)
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		v = domain.Version{SeqNo: seq, PrimaryTerm: sqlitePrimaryTerm}
		return nil
	})
	if err != nil {
		return domain.Version{}, err
	}
	return v, nil
}

// Delete implements domain.VersionedStore.
func (s *SQLiteStore) Delete(ctx context.Context, dataSourceName, id string, expected domain.Version) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkVersion(ctx, tx, dataSourceName, id, expected); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM state_documents WHERE data_source_name = ? AND id = ?`, dataSourceName, id); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return nil
	})
}

// List implements domain.VersionedStore. Documents come back ordered by id.
func (s *SQLiteStore) List(ctx context.Context, filter domain.DocumentFilter) ([]domain.Document, error) {
	where, args := filterClause(filter)
	rows, err := s.read.QueryContext(ctx, `
		SELECT data_source_name, id, doc_type, state, body, seq_no, primary_term
		FROM state_documents`+where+`
		ORDER BY data_source_name, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Document
	for rows.Next() {
		var doc domain.Document
		var body string
		if err := rows.Scan(&doc.DataSourceName, &doc.ID, &doc.Type, &doc.State, &body,
			&doc.Version.SeqNo, &doc.Version.PrimaryTerm); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.Body = []byte(body)
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Count implements domain.VersionedStore.
func (s *SQLiteStore) Count(ctx context.Context, filter domain.DocumentFilter) (int64, error) {
	where, args := filterClause(filter)
	var n int64
	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM state_documents`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func checkVersion(ctx context.Context, tx *sql.Tx, dataSourceName, id string, expected domain.Version) error {
	var cur domain.Version
	err := tx.QueryRowContext(ctx, `
		SELECT seq_no, primary_term FROM state_documents
		WHERE data_source_name = ? AND id = ?`, dataSourceName, id).Scan(&cur.SeqNo, &cur.PrimaryTerm)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound("document %q not found in %q", id, dataSourceName)
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if cur != expected {
		return domain.ErrVersionConflict("document %q is at version %s, expected %s", id, cur, expected)
	}
	return nil
}

func nextSeqNo(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`UPDATE state_sequence SET seq_no = seq_no + 1 WHERE id = 1 RETURNING seq_no`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq_no: %w", err)
	}
	return seq, nil
}

func filterClause(f domain.DocumentFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.DataSourceName != "" {
		conds = append(conds, "data_source_name = ?")
		args = append(args, f.DataSourceName)
	}
	if f.Type != "" {
		conds = append(conds, "doc_type = ?")
		args = append(args, string(f.Type))
	}
	if len(f.States) > 0 {
		conds = append(conds, "state IN (?"+strings.Repeat(", ?", len(f.States)-1)+")")
		for _, st := range f.States {
			args = append(args, st)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func validateDocument(doc *domain.Document) error {
	if doc == nil {
		return domain.ErrValidation("document is required")
	}
	if doc.ID == "" {
		return domain.ErrValidation("document id is required")
	}
	if doc.DataSourceName == "" {
		return domain.ErrValidation("document %q has no data source", doc.ID)
	}
	if doc.Type == "" {
		return domain.ErrValidation("document %q has no type", doc.ID)
	}
	return nil
}
