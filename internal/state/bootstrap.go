package state

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DBFilename is the state database file name inside the state directory.
const DBFilename = "streamguard.db"

// Bootstrap opens the state database under stateDir, applies migrations and
// returns the repo plus an io.Closer for the DB handle.
func Bootstrap(stateDir string) (*Repo, io.Closer, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	db, err := OpenDB(filepath.Join(stateDir, DBFilename))
	if err != nil {
		return nil, nil, err
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return newRepo(db), db, nil
}
