// Package indexmeta owns the physical storage behind derived indexes.
package indexmeta

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"duck-async/internal/ddl"
	"duck-async/internal/domain"
)

// DuckDBIndexStore keeps each derived index as a table in a DuckDB
// database, named by the index's physical name.
type DuckDBIndexStore struct {
	db     *sql.DB
	schema string
	logger *slog.Logger
}

var _ domain.IndexMetadataService = (*DuckDBIndexStore)(nil)

// NewDuckDBIndexStore creates a store over db. An empty schema uses the
// connection's current schema.
func NewDuckDBIndexStore(db *sql.DB, schema string, logger *slog.Logger) *DuckDBIndexStore {
	return &DuckDBIndexStore{db: db, schema: schema, logger: logger.With("component", "indexmeta")}
}

// EnsureSchema creates the configured schema if it is missing.
func (s *DuckDBIndexStore) EnsureSchema(ctx context.Context) error {
	if s.schema == "" {
		return nil
	}
	stmt, err := ddl.CreateSchema(s.schema)
	if err != nil {
		return domain.ErrValidation("%v", err)
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create index schema: %w", err)
	}
	return nil
}

// DeleteIndex drops the table backing physicalName. Dropping an index that
// has no table succeeds.
func (s *DuckDBIndexStore) DeleteIndex(ctx context.Context, physicalName string) error {
	stmt, err := ddl.DropTable(s.schema, physicalName)
	if err != nil {
		return domain.ErrValidation("index %q: %v", physicalName, err)
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("drop index %s: %w", physicalName, err)
	}
	s.logger.Info("index storage deleted", "index", physicalName)
	return nil
}
