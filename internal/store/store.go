package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite data access layer for the analysis engine's project state.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Reset deletes every row, leaving the schema in place.
func (s *Store) Reset() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM function_parameters",
		"DELETE FROM imports",
		"DELETE FROM symbols WHERE parent_symbol_id IS NOT NULL",
		"DELETE FROM symbols",
		"DELETE FROM module_names",
		"DELETE FROM files",
	} {
		if _, err := tx.Exec(q); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return tx.Commit()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
  id              INTEGER PRIMARY KEY,
  path            TEXT NOT NULL UNIQUE,
  language        TEXT NOT NULL,
  module_name     TEXT,
  hash            TEXT,
  line_count      INTEGER DEFAULT 0,
  last_indexed    TIMESTAMP
);

-- Every name a file answers to: its primary module name plus aliases
-- acquired from additional search roots.
CREATE TABLE IF NOT EXISTS module_names (
  id              INTEGER PRIMARY KEY,
  file_id         INTEGER NOT NULL REFERENCES files(id),
  name            TEXT NOT NULL,
  is_alias        BOOLEAN DEFAULT FALSE,
  UNIQUE(file_id, name)
);

CREATE TABLE IF NOT EXISTS symbols (
  id              INTEGER PRIMARY KEY,
  file_id         INTEGER REFERENCES files(id),
  name            TEXT NOT NULL,
  kind            TEXT NOT NULL,
  visibility      TEXT,
  modifiers       TEXT,
  signature_hash  TEXT,
  start_line      INTEGER,
  start_col       INTEGER,
  end_line        INTEGER,
  end_col         INTEGER,
  parent_symbol_id INTEGER REFERENCES symbols(id)
);

CREATE TABLE IF NOT EXISTS function_parameters (
  id              INTEGER PRIMARY KEY,
  symbol_id       INTEGER NOT NULL REFERENCES symbols(id),
  name            TEXT,
  ordinal         INTEGER NOT NULL,
  type_expr       TEXT,
  is_receiver     BOOLEAN DEFAULT FALSE,
  is_return       BOOLEAN DEFAULT FALSE,
  has_default     BOOLEAN DEFAULT FALSE,
  default_expr    TEXT
);

CREATE TABLE IF NOT EXISTS imports (
  id              INTEGER PRIMARY KEY,
  file_id         INTEGER NOT NULL REFERENCES files(id),
  source          TEXT NOT NULL,
  imported_name   TEXT,
  local_alias     TEXT,
  kind            TEXT DEFAULT 'module',
  scope           TEXT DEFAULT 'file'
);

CREATE INDEX IF NOT EXISTS idx_files_module ON files(module_name);
CREATE INDEX IF NOT EXISTS idx_module_names_name ON module_names(name);
CREATE INDEX IF NOT EXISTS idx_module_names_file ON module_names(file_id);
CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(file_id);
CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);
CREATE INDEX IF NOT EXISTS idx_symbols_parent ON symbols(parent_symbol_id);
CREATE INDEX IF NOT EXISTS idx_function_params_symbol ON function_parameters(symbol_id);
CREATE INDEX IF NOT EXISTS idx_imports_file ON imports(file_id);
CREATE INDEX IF NOT EXISTS idx_imports_source ON imports(source);
`

// DeleteFile removes a file record together with all of its data.
func (s *Store) DeleteFile(fileID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteFileDataTx(tx, fileID); err != nil {
		return err
	}
	for _, q := range []string{
		"DELETE FROM module_names WHERE file_id = ?",
		"DELETE FROM files WHERE id = ?",
	} {
		if _, err := tx.Exec(q, fileID); err != nil {
			return fmt.Errorf("delete file: %w", err)
		}
	}
	return tx.Commit()
}

// deleteFileDataTx deletes in reverse-dependency order to respect FK constraints.
func deleteFileDataTx(tx *sql.Tx, fileID int64) error {
	for _, q := range []string{
		"DELETE FROM function_parameters WHERE symbol_id IN (SELECT id FROM symbols WHERE file_id = ?)",
		"DELETE FROM imports WHERE file_id = ?",
		// Children first so parent_symbol_id never dangles mid-statement.
		"DELETE FROM symbols WHERE file_id = ? AND parent_symbol_id IS NOT NULL",
		"DELETE FROM symbols WHERE file_id = ?",
	} {
		if _, err := tx.Exec(q, fileID); err != nil {
			return fmt.Errorf("delete file data: %w", err)
		}
	}
	return nil
}
