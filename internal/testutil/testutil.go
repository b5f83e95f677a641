package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/cuedev/cued/internal/state"
)

func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db, func() {
		_ = db.Close()
	}
}

func OpenTestStore(t *testing.T) (*state.Store, func()) {
	t.Helper()
	db, closeFn := OpenTestDB(t)
	return state.NewStore(db), closeFn
}
