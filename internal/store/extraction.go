package store

import (
	"database/sql"
	"fmt"
)

// --- File operations ---

func (s *Store) InsertFile(f *File) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO files (path, language, module_name, hash, line_count, last_indexed) VALUES (?, ?, ?, ?, ?, ?)",
		f.Path, f.Language, nullString(f.ModuleName), f.Hash, f.LineCount, f.LastIndexed,
	)
	if err != nil {
		return 0, fmt.Errorf("insert file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	return id, nil
}

// UpsertFile inserts the file or updates the existing record with the same
// path, keeping its ID stable so importers' rows stay valid.
func (s *Store) UpsertFile(f *File) (int64, error) {
	existing, err := s.FileByPath(f.Path)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		return s.InsertFile(f)
	}
	_, err = s.db.Exec(
		"UPDATE files SET language = ?, module_name = ?, hash = ?, line_count = ?, last_indexed = ? WHERE id = ?",
		f.Language, nullString(f.ModuleName), f.Hash, f.LineCount, f.LastIndexed, existing.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("update file: %w", err)
	}
	f.ID = existing.ID
	return existing.ID, nil
}

const fileCols = "id, path, language, module_name, hash, line_count, last_indexed"

func scanFile(scanner interface{ Scan(...any) error }) (*File, error) {
	f := &File{}
	var module, hash sql.NullString
	var indexed sql.NullTime
	if err := scanner.Scan(&f.ID, &f.Path, &f.Language, &module, &hash, &f.LineCount, &indexed); err != nil {
		return nil, err
	}
	f.ModuleName = module.String
	f.Hash = hash.String
	f.LastIndexed = indexed.Time
	return f, nil
}

func (s *Store) FileByPath(path string) (*File, error) {
	f, err := scanFile(s.db.QueryRow("SELECT "+fileCols+" FROM files WHERE path = ?", path))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by path: %w", err)
	}
	return f, nil
}

func (s *Store) FileByID(id int64) (*File, error) {
	f, err := scanFile(s.db.QueryRow("SELECT "+fileCols+" FROM files WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by id: %w", err)
	}
	return f, nil
}

// FileByModule returns the file answering to the module name, preferring a
// primary name over an alias. Returns nil when no file carries the name.
func (s *Store) FileByModule(name string) (*File, error) {
	f, err := scanFile(s.db.QueryRow(
		`SELECT f.id, f.path, f.language, f.module_name, f.hash, f.line_count, f.last_indexed
		 FROM files f JOIN module_names m ON m.file_id = f.id
		 WHERE m.name = ?
		 ORDER BY m.is_alias, f.id LIMIT 1`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by module: %w", err)
	}
	return f, nil
}

// --- Module name operations ---

// SetModuleNames replaces the names a file answers to. The first name is the
// primary one; the rest are aliases.
func (s *Store) SetModuleNames(fileID int64, names []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM module_names WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("set module names: %w", err)
	}
	for i, name := range names {
		if name == "" {
			continue
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO module_names (file_id, name, is_alias) VALUES (?, ?, ?)",
			fileID, name, i > 0,
		); err != nil {
			return fmt.Errorf("set module names: %w", err)
		}
	}
	return tx.Commit()
}

// ModuleNames lists every importable name in the project, ordered by name.
func (s *Store) ModuleNames() ([]*ModuleName, error) {
	rows, err := s.db.Query(
		`SELECT m.file_id, m.name, f.path, m.is_alias
		 FROM module_names m JOIN files f ON f.id = m.file_id
		 ORDER BY m.name, m.is_alias`)
	if err != nil {
		return nil, fmt.Errorf("module names: %w", err)
	}
	defer rows.Close()
	var names []*ModuleName
	for rows.Next() {
		n := &ModuleName{}
		if err := rows.Scan(&n.FileID, &n.Name, &n.Path, &n.IsAlias); err != nil {
			return nil, fmt.Errorf("scan module name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// --- Symbol operations ---

func (s *Store) InsertSymbol(sym *Symbol) (int64, error) {
	mods := marshalModifiers(sym.Modifiers)
	res, err := s.db.Exec(
		`INSERT INTO symbols (file_id, name, kind, visibility, modifiers, signature_hash,
			start_line, start_col, end_line, end_col, parent_symbol_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sym.FileID, sym.Name, sym.Kind, sym.Visibility, mods, sym.SignatureHash,
		sym.StartLine, sym.StartCol, sym.EndLine, sym.EndCol, sym.ParentSymbolID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert symbol: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	sym.ID = id
	return id, nil
}

func (s *Store) scanSymbol(scanner interface{ Scan(...any) error }) (*Symbol, error) {
	sym := &Symbol{}
	var mods, vis, hash sql.NullString
	err := scanner.Scan(
		&sym.ID, &sym.FileID, &sym.Name, &sym.Kind, &vis, &mods,
		&hash, &sym.StartLine, &sym.StartCol, &sym.EndLine, &sym.EndCol,
		&sym.ParentSymbolID,
	)
	if err != nil {
		return nil, err
	}
	sym.Visibility = vis.String
	sym.SignatureHash = hash.String
	sym.Modifiers = unmarshalModifiers(mods.String)
	return sym, nil
}

// SymbolCols is the column list for symbol queries.
const SymbolCols = `id, file_id, name, kind, visibility, modifiers, signature_hash,
	start_line, start_col, end_line, end_col, parent_symbol_id`

func (s *Store) querySymbols(query string, args ...any) ([]*Symbol, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var symbols []*Symbol
	for rows.Next() {
		sym, err := s.scanSymbol(rows)
		if err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func (s *Store) SymbolsByFile(fileID int64) ([]*Symbol, error) {
	return s.querySymbols("SELECT "+SymbolCols+" FROM symbols WHERE file_id = ? ORDER BY start_line, start_col", fileID)
}

// TopLevelSymbols returns the module-scope symbols of a file in source order.
func (s *Store) TopLevelSymbols(fileID int64) ([]*Symbol, error) {
	return s.querySymbols(
		"SELECT "+SymbolCols+" FROM symbols WHERE file_id = ? AND parent_symbol_id IS NULL ORDER BY start_line, start_col",
		fileID,
	)
}

func (s *Store) SymbolsByName(name string) ([]*Symbol, error) {
	return s.querySymbols("SELECT "+SymbolCols+" FROM symbols WHERE name = ?", name)
}

func (s *Store) SymbolChildren(symbolID int64) ([]*Symbol, error) {
	return s.querySymbols("SELECT "+SymbolCols+" FROM symbols WHERE parent_symbol_id = ? ORDER BY start_line, start_col", symbolID)
}

// --- Function parameter operations ---

func (s *Store) InsertFunctionParam(fp *FunctionParam) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO function_parameters (symbol_id, name, ordinal, type_expr, is_receiver, is_return, has_default, default_expr)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fp.SymbolID, fp.Name, fp.Ordinal, fp.TypeExpr, fp.IsReceiver, fp.IsReturn, fp.HasDefault, fp.DefaultExpr,
	)
	if err != nil {
		return 0, fmt.Errorf("insert function param: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	fp.ID = id
	return id, nil
}

func (s *Store) FunctionParams(symbolID int64) ([]*FunctionParam, error) {
	rows, err := s.db.Query(
		`SELECT id, symbol_id, name, ordinal, type_expr, is_receiver, is_return, has_default, default_expr
		 FROM function_parameters WHERE symbol_id = ? ORDER BY ordinal`, symbolID,
	)
	if err != nil {
		return nil, fmt.Errorf("function params: %w", err)
	}
	defer rows.Close()
	var params []*FunctionParam
	for rows.Next() {
		fp := &FunctionParam{}
		var name, typeExpr, defaultExpr sql.NullString
		if err := rows.Scan(&fp.ID, &fp.SymbolID, &name, &fp.Ordinal, &typeExpr,
			&fp.IsReceiver, &fp.IsReturn, &fp.HasDefault, &defaultExpr); err != nil {
			return nil, fmt.Errorf("scan function param: %w", err)
		}
		fp.Name = name.String
		fp.TypeExpr = typeExpr.String
		fp.DefaultExpr = defaultExpr.String
		params = append(params, fp)
	}
	return params, rows.Err()
}

// --- Import operations ---

func (s *Store) InsertImport(imp *Import) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO imports (file_id, source, imported_name, local_alias, kind, scope) VALUES (?, ?, ?, ?, ?, ?)",
		imp.FileID, imp.Source, imp.ImportedName, imp.LocalAlias, imp.Kind, imp.Scope,
	)
	if err != nil {
		return 0, fmt.Errorf("insert import: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	imp.ID = id
	return id, nil
}

func (s *Store) ImportsByFile(fileID int64) ([]*Import, error) {
	rows, err := s.db.Query(
		"SELECT id, file_id, source, imported_name, local_alias, kind, scope FROM imports WHERE file_id = ? ORDER BY id", fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("imports by file: %w", err)
	}
	defer rows.Close()
	var imports []*Import
	for rows.Next() {
		imp := &Import{}
		if err := rows.Scan(&imp.ID, &imp.FileID, &imp.Source, &imp.ImportedName, &imp.LocalAlias, &imp.Kind, &imp.Scope); err != nil {
			return nil, fmt.Errorf("scan import: %w", err)
		}
		imports = append(imports, imp)
	}
	return imports, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
