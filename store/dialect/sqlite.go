package dialect

import "fmt"

// SQLite implements Dialect for SQLite, the default backend. It pairs with
// any database/sql SQLite driver, e.g. modernc.org/sqlite.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) CheckTableExists() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`
}

func (SQLite) CreateTable(table string) string {
	return fmt.Sprintf(
		`CREATE TABLE %s ("KEY" VARCHAR(255) NOT NULL PRIMARY KEY, "TS" BIGINT, "CONTENT" BLOB)`,
		table)
}

func (SQLite) CreateIndex(index, table string) string {
	return fmt.Sprintf(`CREATE INDEX %s ON %s ("TS")`, index, table)
}

func (SQLite) SelectByKey(table string, withTimestamp, withContent bool) string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE "KEY" = ?`,
		quotedSelectList(withTimestamp, withContent), table)
}

func (SQLite) ListKeysByPrefix(table string) string {
	return fmt.Sprintf(`SELECT "KEY" FROM %s WHERE "KEY" LIKE ?`, table)
}

func (SQLite) SelectRange(table string) string {
	return fmt.Sprintf(
		`SELECT "KEY", "TS", "CONTENT" FROM %s WHERE "KEY" LIKE ? AND "TS" >= ? AND "TS" < ?`,
		table)
}

func (SQLite) Insert(table string) string {
	return fmt.Sprintf(`INSERT INTO %s ("KEY", "TS", "CONTENT") VALUES (?, ?, ?)`, table)
}

func (SQLite) InsertNoContent(table string) string {
	return fmt.Sprintf(`INSERT INTO %s ("KEY", "TS") VALUES (?, ?)`, table)
}

func (SQLite) Replace(table string) string {
	return fmt.Sprintf(`UPDATE %s SET "TS" = ?, "CONTENT" = ? WHERE "KEY" = ?`, table)
}

func (SQLite) UpdateTimestampIfMatch(table string) string {
	return fmt.Sprintf(`UPDATE %s SET "TS" = ? WHERE "KEY" = ? AND "TS" = ?`, table)
}

func (SQLite) UpdateContent(table string) string {
	return fmt.Sprintf(`UPDATE %s SET "CONTENT" = ? WHERE "KEY" = ?`, table)
}

func (SQLite) Delete(table string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE "KEY" = ?`, table)
}

func quotedSelectList(withTimestamp, withContent bool) string {
	cols := `"KEY"`
	if withTimestamp {
		cols += `, "TS"`
	}
	if withContent {
		cols += `, "CONTENT"`
	}
	return cols
}

// Compile-time interface check
var _ Dialect = SQLite{}
