package dialect

import "fmt"

// MySQL implements Dialect for MySQL-compatible backends. Only statement
// text is provided here; callers register whichever database/sql driver
// they use.
type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) CheckTableExists() string {
	return `SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`
}

func (MySQL) CreateTable(table string) string {
	return fmt.Sprintf(
		"CREATE TABLE %s (`KEY` VARCHAR(255) NOT NULL PRIMARY KEY, `TS` BIGINT, `CONTENT` LONGBLOB)",
		table)
}

func (MySQL) CreateIndex(index, table string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (`TS`)", index, table)
}

func (MySQL) SelectByKey(table string, withTimestamp, withContent bool) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE `KEY` = ?",
		backquotedSelectList(withTimestamp, withContent), table)
}

func (MySQL) ListKeysByPrefix(table string) string {
	return fmt.Sprintf("SELECT `KEY` FROM %s WHERE `KEY` LIKE ?", table)
}

func (MySQL) SelectRange(table string) string {
	return fmt.Sprintf(
		"SELECT `KEY`, `TS`, `CONTENT` FROM %s WHERE `KEY` LIKE ? AND `TS` >= ? AND `TS` < ?",
		table)
}

func (MySQL) Insert(table string) string {
	return fmt.Sprintf("INSERT INTO %s (`KEY`, `TS`, `CONTENT`) VALUES (?, ?, ?)", table)
}

func (MySQL) InsertNoContent(table string) string {
	return fmt.Sprintf("INSERT INTO %s (`KEY`, `TS`) VALUES (?, ?)", table)
}

func (MySQL) Replace(table string) string {
	return fmt.Sprintf("UPDATE %s SET `TS` = ?, `CONTENT` = ? WHERE `KEY` = ?", table)
}

func (MySQL) UpdateTimestampIfMatch(table string) string {
	return fmt.Sprintf("UPDATE %s SET `TS` = ? WHERE `KEY` = ? AND `TS` = ?", table)
}

func (MySQL) UpdateContent(table string) string {
	return fmt.Sprintf("UPDATE %s SET `CONTENT` = ? WHERE `KEY` = ?", table)
}

func (MySQL) Delete(table string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE `KEY` = ?", table)
}

func backquotedSelectList(withTimestamp, withContent bool) string {
	cols := "`KEY`"
	if withTimestamp {
		cols += ", `TS`"
	}
	if withContent {
		cols += ", `CONTENT`"
	}
	return cols
}

// Compile-time interface check
var _ Dialect = MySQL{}
