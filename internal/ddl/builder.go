// Package ddl builds the DuckDB statements that manage physical index
// storage.
package ddl

import "fmt"

// DropTable returns DROP TABLE IF EXISTS "<schema>"."<table>". An empty
// schema drops from the current schema.
func DropTable(schema, table string) (string, error) {
	if err := ValidateIdentifier(table); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	if schema == "" {
		return "DROP TABLE IF EXISTS " + QuoteIdentifier(table), nil
	}
	if err := ValidateIdentifier(schema); err != nil {
		return "", fmt.Errorf("invalid schema name: %w", err)
	}
	return fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", QuoteIdentifier(schema), QuoteIdentifier(table)), nil
}

// CreateSchema returns CREATE SCHEMA IF NOT EXISTS "<name>".
func CreateSchema(name string) (string, error) {
	if err := ValidateIdentifier(name); err != nil {
		return "", fmt.Errorf("invalid schema name: %w", err)
	}
	return "CREATE SCHEMA IF NOT EXISTS " + QuoteIdentifier(name), nil
}
