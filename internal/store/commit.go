package store

import (
	"database/sql"
	"fmt"
)

// ReplaceFileData atomically swaps a file's analysis data for the contents
// of batch. Old rows are deleted and the buffered rows inserted in a single
// transaction. Fake (negative) IDs are remapped to real IDs and FK
// references within the batch are rewritten using the fakeToReal mapping.
//
// Insert order respects FK dependencies:
//  1. Symbols (depend on file_id and intra-batch parents)
//  2. FunctionParams (depend on symbol_id)
//  3. Imports (depend on file_id only)
func (s *Store) ReplaceFileData(fileID int64, batch *BatchedStore) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("commit batch: begin: %w", err)
	}
	defer tx.Rollback()

	if err := deleteFileDataTx(tx, fileID); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	fakeToReal := make(map[int64]int64)

	// 1. Symbols. Parents are always buffered before their children.
	for _, sym := range batch.Symbols {
		if sym.ParentSymbolID != nil && *sym.ParentSymbolID < 0 {
			realID, ok := fakeToReal[*sym.ParentSymbolID]
			if !ok {
				return fmt.Errorf("commit batch: symbol %q has parent %d not in fakeToReal map", sym.Name, *sym.ParentSymbolID)
			}
			sym.ParentSymbolID = &realID
		}
		fid := fileID
		sym.FileID = &fid
		realID, err := insertSymbolTx(tx, &sym)
		if err != nil {
			return fmt.Errorf("commit batch: symbol %q: %w", sym.Name, err)
		}
		fakeToReal[sym.ID] = realID
	}

	// 2. FunctionParams
	for _, fp := range batch.FunctionParams {
		if fp.SymbolID < 0 {
			realID, ok := fakeToReal[fp.SymbolID]
			if !ok {
				return fmt.Errorf("commit batch: param %q has symbol_id=%d not in fakeToReal map", fp.Name, fp.SymbolID)
			}
			fp.SymbolID = realID
		}
		if _, err := insertFunctionParamTx(tx, &fp); err != nil {
			return fmt.Errorf("commit batch: function param %q: %w", fp.Name, err)
		}
	}

	// 3. Imports
	for _, imp := range batch.Imports {
		imp.FileID = fileID
		if _, err := insertImportTx(tx, &imp); err != nil {
			return fmt.Errorf("commit batch: import %q: %w", imp.Source, err)
		}
	}

	return tx.Commit()
}

// --- Transaction-scoped insert helpers ---
// These mirror the Store insert methods but accept *sql.Tx instead of using s.db.

func insertSymbolTx(tx *sql.Tx, sym *Symbol) (int64, error) {
	mods := marshalModifiers(sym.Modifiers)
	res, err := tx.Exec(
		`INSERT INTO symbols (file_id, name, kind, visibility, modifiers, signature_hash,
			start_line, start_col, end_line, end_col, parent_symbol_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sym.FileID, sym.Name, sym.Kind, sym.Visibility, mods, sym.SignatureHash,
		sym.StartLine, sym.StartCol, sym.EndLine, sym.EndCol, sym.ParentSymbolID,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func insertFunctionParamTx(tx *sql.Tx, fp *FunctionParam) (int64, error) {
	res, err := tx.Exec(
		`INSERT INTO function_parameters (symbol_id, name, ordinal, type_expr, is_receiver, is_return, has_default, default_expr)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fp.SymbolID, fp.Name, fp.Ordinal, fp.TypeExpr, fp.IsReceiver, fp.IsReturn, fp.HasDefault, fp.DefaultExpr,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func insertImportTx(tx *sql.Tx, imp *Import) (int64, error) {
	res, err := tx.Exec(
		"INSERT INTO imports (file_id, source, imported_name, local_alias, kind, scope) VALUES (?, ?, ?, ?, ?, ?)",
		imp.FileID, imp.Source, imp.ImportedName, imp.LocalAlias, imp.Kind, imp.Scope,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
