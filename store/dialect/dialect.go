// Package dialect supplies parameterized SQL statement text per backend
// dialect. Statement construction lives entirely here; the store engine
// only binds positional arguments.
package dialect

import "fmt"

// Dialect builds the parameterized statements the resource store executes.
// Each method returns statement text ready for positional binding; the
// comment on each method documents the bind arguments in order.
type Dialect interface {
	// Name reports the dialect identifier, e.g. "sqlite".
	Name() string

	// CheckTableExists introspects for the table. Binds: table name.
	// The query returns the table name in its first column when present.
	CheckTableExists() string

	// CreateTable creates a resource table with key, timestamp and
	// nullable content columns. No binds.
	CreateTable(table string) string

	// CreateIndex creates a secondary index on the timestamp column.
	// No binds.
	CreateIndex(index, table string) string

	// SelectByKey looks a resource up by exact key. The timestamp and
	// content columns are included per the flags. Binds: key.
	SelectByKey(table string, withTimestamp, withContent bool) string

	// ListKeysByPrefix selects keys matching a LIKE pattern. Binds: pattern.
	ListKeysByPrefix(table string) string

	// SelectRange selects key, timestamp and content for keys matching a
	// LIKE pattern with timestamp in [start, end). Binds: pattern, start, end.
	SelectRange(table string) string

	// Insert inserts a full row. Binds: key, timestamp, content.
	Insert(table string) string

	// InsertNoContent inserts a row with no content column, leaving it
	// null. Binds: key, timestamp.
	InsertNoContent(table string) string

	// Replace overwrites timestamp and content of an existing row.
	// Binds: timestamp, content, key.
	Replace(table string) string

	// UpdateTimestampIfMatch bumps the timestamp only where the key
	// matches and the stored timestamp equals the expected one.
	// Binds: new timestamp, key, expected timestamp.
	UpdateTimestampIfMatch(table string) string

	// UpdateContent overwrites only the content column.
	// Binds: content, key.
	UpdateContent(table string) string

	// Delete removes a row by key. Binds: key.
	Delete(table string) string
}

// For returns the dialect registered under the given name.
func For(name string) (Dialect, error) {
	switch name {
	case "sqlite":
		return SQLite{}, nil
	case "mysql":
		return MySQL{}, nil
	default:
		return nil, fmt.Errorf("dialect: unknown dialect %q", name)
	}
}
