package commands

import (
	"database/sql"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
)

// openDatabase opens and migrates the database at dbPath, or at the
// configured path when dbPath is empty
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "conductor.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.WithHint(err, "set database.path in am.toml or DB_PATH in the environment")
	}
	return database, nil
}
