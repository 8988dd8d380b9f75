package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var indexMigrations embed.FS

// IndexDB is the node-wide database: the users index, password history and
// sessions. Unlike the per-user stores it is opened once and kept open.
type IndexDB struct {
	db *sql.DB
}

// OpenIndexDB opens (creating if needed) the shared database and brings the
// schema up to date.
func OpenIndexDB(path string) (*IndexDB, error) {
	db, err := sql.Open("sqlite3", path+"?"+strings.Join(connOpts, "&"))
	if err != nil {
		return nil, fmt.Errorf("failed to open index db %s: %w", path, err)
	}
	// Serialized writes, same as the per-user stores.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(indexMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate index db: %w", err)
	}
	return &IndexDB{db: db}, nil
}

// Close closes the underlying handle.
func (i *IndexDB) Close() error {
	return i.db.Close()
}
